package envelope

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/odin-mesh/gateway/pkg/keys"
	"github.com/odin-mesh/gateway/pkg/oml"
)

// Attestation is the verification outcome attached to the request context.
type Attestation struct {
	OK           bool   `json:"ok"`
	KID          string `json:"kid"`
	CID          string `json:"cid"`
	KeysetSource string `json:"keyset_source"` // inline | url | local
}

// SFTValidator validates a payload against a declared semantic format id.
// Wired from the translation layer to avoid a package cycle.
type SFTValidator func(sftID string, value any) error

// Verifier resolves keys and checks envelopes. Remote keysets are fetched at
// most once per TTL and only from allowlisted hosts.
type Verifier struct {
	Keys         *keys.Registry
	Client       *http.Client
	AllowedHosts func() []string
	ValidateSFT  SFTValidator
	CacheTTL     time.Duration

	mu    sync.Mutex
	cache map[string]cachedKeyset
}

type cachedKeyset struct {
	keys    map[string]ed25519.PublicKey
	fetched time.Time
}

// NewVerifier builds a verifier over the local key registry.
func NewVerifier(reg *keys.Registry) *Verifier {
	return &Verifier{
		Keys:     reg,
		Client:   &http.Client{Timeout: 5 * time.Second},
		CacheTTL: 5 * time.Minute,
		cache:    make(map[string]cachedKeyset),
	}
}

// Verify checks env against the canonical bytes. Bytes resolution order:
// caller-provided b, then inline bytes, then re-encoding value.
func (v *Verifier) Verify(ctx context.Context, env *Envelope, b []byte, value any) (Attestation, error) {
	att := Attestation{KID: env.KID}

	if b == nil {
		inline, err := env.InlineBytes()
		if err != nil {
			return att, err
		}
		b = inline
	}
	if b == nil {
		if value == nil {
			return att, ErrMissingBytes
		}
		encoded, err := oml.Encode(value)
		if err != nil {
			return att, err
		}
		b = encoded
	}

	computed := oml.CID(b)
	att.CID = computed
	if env.CID != "" && env.CID != computed {
		return att, fmt.Errorf("%w: declared %s computed %s", ErrCIDMismatch, env.CID, computed)
	}

	pub, source, err := v.resolveKey(ctx, env)
	if err != nil {
		return att, err
	}
	att.KeysetSource = source

	sig, err := env.Signature()
	if err != nil {
		return att, err
	}
	if !ed25519.Verify(pub, b, sig) {
		return att, ErrBadSignature
	}

	if env.SFTID != "" && v.ValidateSFT != nil {
		decoded, err := oml.Decode(b)
		if err != nil {
			return att, err
		}
		if err := v.ValidateSFT(env.SFTID, decoded); err != nil {
			return att, fmt.Errorf("%w: %s: %v", ErrSFTViolation, env.SFTID, err)
		}
	}

	att.OK = true
	return att, nil
}

// resolveKey implements the precedence: inline keyset, fetched keyset URL
// (host-allowlisted), local registry.
func (v *Verifier) resolveKey(ctx context.Context, env *Envelope) (ed25519.PublicKey, string, error) {
	if env.JWKSInline != nil {
		pub, err := lookupInline(env.JWKSInline, env.KID)
		if err != nil {
			return nil, "", err
		}
		return pub, "inline", nil
	}

	if env.JWKSURL != "" {
		if err := v.checkHost(env.JWKSURL); err != nil {
			return nil, "", err
		}
		ks, err := v.fetchKeyset(ctx, env.JWKSURL)
		if err != nil {
			return nil, "", err
		}
		pub, ok := ks[env.KID]
		if !ok {
			return nil, "", fmt.Errorf("%w: %q in %s", ErrUnknownKID, env.KID, env.JWKSURL)
		}
		return pub, "url", nil
	}

	if v.Keys != nil {
		if k, ok := v.Keys.Get(env.KID); ok {
			return k.Public, "local", nil
		}
	}
	return nil, "", fmt.Errorf("%w: %q", ErrUnknownKID, env.KID)
}

func (v *Verifier) checkHost(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("envelope: keyset url: %w", err)
	}
	allowed := []string{}
	if v.AllowedHosts != nil {
		allowed = v.AllowedHosts()
	}
	for _, h := range allowed {
		if u.Host == h || u.Hostname() == h {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrKeysetHost, u.Host)
}

func (v *Verifier) fetchKeyset(ctx context.Context, rawURL string) (map[string]ed25519.PublicKey, error) {
	v.mu.Lock()
	if entry, ok := v.cache[rawURL]; ok && time.Since(entry.fetched) < v.CacheTTL {
		v.mu.Unlock()
		return entry.keys, nil
	}
	v.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("envelope: keyset fetch: %w", err)
	}
	resp, err := v.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("envelope: keyset fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("envelope: keyset fetch: status %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("envelope: keyset fetch: %w", err)
	}
	var doc InlineKeyset
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("envelope: keyset parse: %w", err)
	}

	parsed := make(map[string]ed25519.PublicKey, len(doc.Keys))
	for _, ik := range doc.Keys {
		pub, err := decodeInlineKey(ik)
		if err != nil {
			continue // skip malformed entries, same as the local loader
		}
		parsed[ik.KID] = pub
	}

	v.mu.Lock()
	v.cache[rawURL] = cachedKeyset{keys: parsed, fetched: time.Now()}
	v.mu.Unlock()
	return parsed, nil
}

func lookupInline(ks *InlineKeyset, kid string) (ed25519.PublicKey, error) {
	for _, ik := range ks.Keys {
		if ik.KID != kid {
			continue
		}
		return decodeInlineKey(ik)
	}
	return nil, fmt.Errorf("%w: %q in inline keyset", ErrUnknownKID, kid)
}

func decodeInlineKey(ik InlineKey) (ed25519.PublicKey, error) {
	material := ik.PublicKey
	if material == "" {
		material = ik.X
	}
	raw, err := keys.DecodeKeyMaterial(material)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("envelope: key %q: want %d bytes, got %d", ik.KID, ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
