package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"
)

// Snapshot is an immutable view of the keyset. Readers hold a reference;
// Reload and Rotate publish a new snapshot atomically.
type Snapshot struct {
	ActiveKID string
	keys      []Key
	byKID     map[string]Key
	loadedAt  time.Time
}

// Keys returns the keys in stable kid order.
func (s *Snapshot) Keys() []Key { return s.keys }

// Get looks up a key by kid.
func (s *Snapshot) Get(kid string) (Key, bool) {
	k, ok := s.byKID[kid]
	return k, ok
}

// Active returns the designated signing key.
func (s *Snapshot) Active() (Key, bool) {
	return s.Get(s.ActiveKID)
}

// Sources selects where key material comes from, in precedence order:
// InlineJSON, then Path, then SinglePublicKey.
type Sources struct {
	InlineJSON      string
	Path            string
	SinglePublicKey string
}

// Registry loads and serves verification keys. A previous snapshot stays
// addressable for RotationGrace after a reload so signatures produced under a
// just-removed kid still verify.
type Registry struct {
	sources       Sources
	rotationGrace time.Duration

	mu         sync.RWMutex
	current    *Snapshot
	previous   *Snapshot
	graceUntil time.Time

	rejectedKeys int
	logger       *slog.Logger
	now          func() time.Time
}

// NewRegistry loads the initial snapshot from sources. When every source is
// empty it generates an ephemeral signing key so the gateway can come up in
// development.
func NewRegistry(sources Sources, rotationGrace time.Duration) (*Registry, error) {
	r := &Registry{
		sources:       sources,
		rotationGrace: rotationGrace,
		logger:        slog.Default().With("component", "keys"),
		now:           time.Now,
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Snapshot returns the current immutable keyset.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Get resolves a kid from the current snapshot, falling back to the previous
// snapshot while inside the rotation grace window. Grace-window keys are for
// verification only; Active never returns them.
func (r *Registry) Get(kid string) (Key, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if k, ok := r.current.Get(kid); ok {
		return k, true
	}
	if r.previous != nil && r.now().Before(r.graceUntil) {
		if k, ok := r.previous.Get(kid); ok {
			return k, true
		}
	}
	return Key{}, false
}

// Active returns the current signing key.
func (r *Registry) Active() (Key, bool) {
	return r.Snapshot().Active()
}

// Reload re-reads the sources and swaps the snapshot atomically. The old
// snapshot becomes the grace-window fallback.
func (r *Registry) Reload() error {
	snap, rejected, err := r.load()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		r.previous = r.current
		r.graceUntil = r.now().Add(r.rotationGrace)
	}
	r.current = snap
	r.rejectedKeys += rejected
	r.logger.Info("keyset loaded", "keys", len(snap.keys), "active_kid", snap.ActiveKID, "rejected", rejected)
	return nil
}

// Rotate generates a fresh Ed25519 keypair, makes it the active key, and
// keeps all prior keys in the set for verification.
func (r *Registry) Rotate() (string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("keys: rotate: %w", err)
	}
	kid := fmt.Sprintf("key-%d", r.now().UnixNano())

	r.mu.Lock()
	defer r.mu.Unlock()

	keys := append([]Key(nil), r.current.keys...)
	keys = append(keys, Key{KID: kid, Alg: "Ed25519", Public: pub, Private: priv})
	snap, err := buildSnapshot(keys, kid, r.now())
	if err != nil {
		return "", err
	}
	r.previous = r.current
	r.graceUntil = r.now().Add(r.rotationGrace)
	r.current = snap
	r.logger.Info("key rotated", "active_kid", kid)
	return kid, nil
}

// RejectedKeys reports how many invalid keys were dropped across loads.
func (r *Registry) RejectedKeys() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rejectedKeys
}

// PublicDocument renders the keyset as a JWKS-style document suitable for the
// well-known discovery path. Private material never leaves the registry.
func (r *Registry) PublicDocument() map[string]any {
	snap := r.Snapshot()
	jwks := make([]map[string]any, 0, len(snap.keys))
	for _, k := range snap.keys {
		jwks = append(jwks, map[string]any{
			"kty": "OKP",
			"crv": "Ed25519",
			"kid": k.KID,
			"x":   base64.RawURLEncoding.EncodeToString(k.Public),
		})
	}
	return map[string]any{
		"keys":       jwks,
		"active_kid": snap.ActiveKID,
	}
}

func (r *Registry) load() (*Snapshot, int, error) {
	var doc keystoreDoc
	switch {
	case r.sources.InlineJSON != "":
		if err := json.Unmarshal([]byte(r.sources.InlineJSON), &doc); err != nil {
			return nil, 0, fmt.Errorf("%w: inline json: %v", ErrKeyLoad, err)
		}
	case r.sources.Path != "":
		data, err := os.ReadFile(r.sources.Path)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrKeyLoad, err)
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, 0, fmt.Errorf("%w: %s: %v", ErrKeyLoad, r.sources.Path, err)
		}
	case r.sources.SinglePublicKey != "":
		doc = keystoreDoc{
			ActiveKID: "env-key",
			Keys:      []keystoreKey{{KID: "env-key", PublicKey: r.sources.SinglePublicKey}},
		}
	default:
		return generateEphemeral(r.now())
	}

	keys := make([]Key, 0, len(doc.Keys))
	rejected := 0
	for _, kk := range doc.Keys {
		pub, err := parsePublicKey(kk.PublicKey)
		if err != nil {
			r.logger.Warn("rejecting invalid key", "kid", kk.KID, "error", err)
			rejected++
			continue
		}
		k := Key{KID: kk.KID, Alg: "Ed25519", Public: pub}
		if kk.PrivateKey != "" {
			priv, err := parsePrivateKey(kk.PrivateKey)
			if err != nil {
				r.logger.Warn("rejecting invalid private key", "kid", kk.KID, "error", err)
				rejected++
				continue
			}
			k.Private = priv
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil, rejected, fmt.Errorf("%w: no usable keys", ErrKeyLoad)
	}

	active := doc.ActiveKID
	if active == "" {
		active = keys[0].KID
	}
	snap, err := buildSnapshot(keys, active, r.now())
	if err != nil {
		return nil, rejected, err
	}
	return snap, rejected, nil
}

func buildSnapshot(keys []Key, activeKID string, now time.Time) (*Snapshot, error) {
	byKID := make(map[string]Key, len(keys))
	seenPub := make(map[string]string, len(keys))
	for _, k := range keys {
		if k.KID == "" {
			return nil, fmt.Errorf("%w: key with empty kid", ErrKeyLoad)
		}
		if _, dup := byKID[k.KID]; dup {
			return nil, fmt.Errorf("%w: duplicate kid %q", ErrKeyLoad, k.KID)
		}
		pubHex := fmt.Sprintf("%x", []byte(k.Public))
		if other, dup := seenPub[pubHex]; dup {
			return nil, fmt.Errorf("%w: kid %q duplicates public key of %q", ErrKeyLoad, k.KID, other)
		}
		byKID[k.KID] = k
		seenPub[pubHex] = k.KID
	}
	if _, ok := byKID[activeKID]; !ok {
		return nil, fmt.Errorf("%w: active_kid %q not in keyset", ErrKeyLoad, activeKID)
	}

	ordered := append([]Key(nil), keys...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].KID < ordered[j].KID })
	return &Snapshot{ActiveKID: activeKID, keys: ordered, byKID: byKID, loadedAt: now}, nil
}

func generateEphemeral(now time.Time) (*Snapshot, int, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrKeyLoad, err)
	}
	kid := fmt.Sprintf("ephemeral-%d", now.UnixNano())
	snap, err := buildSnapshot([]Key{{KID: kid, Alg: "Ed25519", Public: pub, Private: priv}}, kid, now)
	if err != nil {
		return nil, 0, err
	}
	return snap, 0, nil
}
