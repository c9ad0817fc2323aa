// Package registry stores signed service advertisements. A record is
// accepted only with a verified proof envelope over its payload and is
// served until its TTL expires.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/odin-mesh/gateway/pkg/envelope"
	"github.com/odin-mesh/gateway/pkg/oml"
	"github.com/odin-mesh/gateway/pkg/storage"
)

// AdvertiseIntent is the only intent accepted for registration.
const AdvertiseIntent = "service.advertise"

// DefaultMaxTTL bounds advert lifetime.
const DefaultMaxTTL = 24 * time.Hour

var (
	ErrInvalidAdvert = errors.New("registry: invalid service advert")
	ErrNotFound      = errors.New("registry: record not found")
)

// Advert is the payload shape of a service advertisement. Both "sft"
// and the longer "supported_sft" key are accepted on the wire.
type Advert struct {
	Intent       string   `json:"intent"`
	Service      string   `json:"service"`
	Version      string   `json:"version"`
	BaseURL      string   `json:"base_url"`
	SupportedSFT []string `json:"supported_sft,omitempty"`
	SFT          []string `json:"sft,omitempty"`
	TTLSeconds   int64    `json:"ttl_seconds"`
}

// Formats returns the advertised SFT ids regardless of which key
// carried them.
func (a *Advert) Formats() []string {
	if len(a.SupportedSFT) > 0 {
		return a.SupportedSFT
	}
	return a.SFT
}

// Record is the persisted form of a registered advert.
type Record struct {
	ID        string             `json:"id"`
	Payload   Advert             `json:"payload"`
	Proof     *envelope.Envelope `json:"proof"`
	CreatedTS int64              `json:"created_ts"`
	ExpiresTS int64              `json:"expires_ts"`
}

// Expired reports whether the record's TTL has passed at now.
func (r *Record) Expired(now time.Time) bool {
	return now.Unix() >= r.ExpiresTS
}

// ListFilter narrows List results. Expired records are excluded unless
// IncludeExpired is set.
type ListFilter struct {
	Service        string
	SFT            string
	IncludeExpired bool
	Limit          int
}

// Registry persists adverts through the receipt store under
// registry/{id}.json.
type Registry struct {
	store    storage.Storage
	verifier *envelope.Verifier
	maxTTL   time.Duration
	now      func() time.Time
}

func New(store storage.Storage, verifier *envelope.Verifier) *Registry {
	return &Registry{
		store:    store,
		verifier: verifier,
		maxTTL:   DefaultMaxTTL,
		now:      time.Now,
	}
}

// Register verifies the proof and advert shape, then persists the
// record under its content-addressed id.
func (r *Registry) Register(ctx context.Context, payload map[string]any, proof *envelope.Envelope) (*Record, error) {
	if _, err := r.verifier.Verify(ctx, proof, nil, payload); err != nil {
		return nil, err
	}

	advert, err := parseAdvert(payload)
	if err != nil {
		return nil, err
	}
	if max := int64(r.maxTTL.Seconds()); advert.TTLSeconds > max {
		return nil, fmt.Errorf("%w: ttl_seconds %d exceeds maximum %d", ErrInvalidAdvert, advert.TTLSeconds, max)
	}

	id, err := oml.CIDForValue(payload)
	if err != nil {
		return nil, fmt.Errorf("registry: advert id: %w", err)
	}

	now := r.now()
	rec := &Record{
		ID:        id,
		Payload:   *advert,
		Proof:     proof,
		CreatedTS: now.Unix(),
		ExpiresTS: now.Unix() + advert.TTLSeconds,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("registry: marshal record: %w", err)
	}
	// Identical adverts share an id; re-registration serves the record
	// already on file instead of extending its TTL.
	if err := r.store.PutBytes(ctx, key(id), data, "application/json"); err != nil {
		if errors.Is(err, storage.ErrConflictingWrite) {
			return r.Get(ctx, id)
		}
		return nil, fmt.Errorf("registry: persist record: %w", err)
	}
	return rec, nil
}

// Get loads one record by id, expired or not.
func (r *Registry) Get(ctx context.Context, id string) (*Record, error) {
	data, err := r.store.GetBytes(ctx, key(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: load record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("registry: decode record: %w", err)
	}
	return &rec, nil
}

// List returns matching records, live ones only by default.
func (r *Registry) List(ctx context.Context, f ListFilter) ([]*Record, error) {
	keys, err := r.store.List(ctx, "registry/", 0)
	if err != nil {
		return nil, fmt.Errorf("registry: list records: %w", err)
	}
	now := r.now()
	var out []*Record
	for _, k := range keys {
		id := strings.TrimSuffix(strings.TrimPrefix(k, "registry/"), ".json")
		rec, err := r.Get(ctx, id)
		if err != nil {
			continue
		}
		if !f.IncludeExpired && rec.Expired(now) {
			continue
		}
		if f.Service != "" && rec.Payload.Service != f.Service {
			continue
		}
		if f.SFT != "" && !supports(rec.Payload.Formats(), f.SFT) {
			continue
		}
		out = append(out, rec)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// Delete removes a record. Deleting an absent id is not an error.
func (r *Registry) Delete(ctx context.Context, id string) error {
	return r.store.Delete(ctx, key(id))
}

func key(id string) string { return "registry/" + id + ".json" }

func parseAdvert(payload map[string]any) (*Advert, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("registry: marshal advert: %w", err)
	}
	var a Advert
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAdvert, err)
	}
	switch {
	case a.Intent != AdvertiseIntent:
		return nil, fmt.Errorf("%w: intent %q", ErrInvalidAdvert, a.Intent)
	case a.Service == "":
		return nil, fmt.Errorf("%w: service required", ErrInvalidAdvert)
	case a.BaseURL == "":
		return nil, fmt.Errorf("%w: base_url required", ErrInvalidAdvert)
	case a.TTLSeconds <= 0:
		return nil, fmt.Errorf("%w: ttl_seconds must be positive", ErrInvalidAdvert)
	}
	return &a, nil
}

func supports(sfts []string, want string) bool {
	for _, s := range sfts {
		if s == want {
			return true
		}
	}
	return false
}
