// Package keys manages the gateway's Ed25519 verification keys: loading from
// inline JSON, file, or a single-key environment variable, rotation with a
// grace window, and the public keyset document served at the well-known path.
package keys

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrKeyLoad wraps any failure to read or parse key material.
var ErrKeyLoad = errors.New("keys: load failed")

// ErrNotFound is returned when a kid is not present in the active set or the
// rotation grace window.
var ErrNotFound = errors.New("keys: kid not found")

// Key is a single verification key. Private is populated only for keys this
// gateway signs with.
type Key struct {
	KID     string             `json:"kid"`
	Alg     string             `json:"alg"`
	Public  ed25519.PublicKey  `json:"-"`
	Private ed25519.PrivateKey `json:"-"`
}

// keystoreDoc is the on-disk / inline JSON shape.
type keystoreDoc struct {
	ActiveKID string        `json:"active_kid"`
	Keys      []keystoreKey `json:"keys"`
}

type keystoreKey struct {
	KID        string `json:"kid"`
	Alg        string `json:"alg,omitempty"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key,omitempty"`
}

// DecodeKeyMaterial accepts hex, base64, or base64url (padded or not) and
// returns the raw bytes. Whitespace is stripped first.
func DecodeKeyMaterial(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.Join(strings.Fields(s), "")
	if s == "" {
		return nil, fmt.Errorf("%w: empty key material", ErrKeyLoad)
	}

	if b, err := hex.DecodeString(s); err == nil {
		return b, nil
	}
	for _, enc := range []*base64.Encoding{
		base64.RawURLEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.StdEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: unrecognized key encoding", ErrKeyLoad)
}

func parsePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := DecodeKeyMaterial(s)
	if err != nil {
		return nil, err
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes, got %d", ErrKeyLoad, ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

func parsePrivateKey(s string) (ed25519.PrivateKey, error) {
	b, err := DecodeKeyMaterial(s)
	if err != nil {
		return nil, err
	}
	switch len(b) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(b), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(b), nil
	default:
		return nil, fmt.Errorf("%w: private key must be %d or %d bytes, got %d", ErrKeyLoad, ed25519.SeedSize, ed25519.PrivateKeySize, len(b))
	}
}
