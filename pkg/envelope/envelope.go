// Package envelope implements the ODIN proof envelope: a signed attestation
// binding (cid, kid, signature) to canonical message bytes, with optional
// inline bytes and inline or remote keysets.
package envelope

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/odin-mesh/gateway/pkg/keys"
	"github.com/odin-mesh/gateway/pkg/oml"
)

var (
	// ErrMissingBytes means neither inline bytes nor a value were available.
	ErrMissingBytes = errors.New("envelope: no canonical bytes available")
	// ErrCIDMismatch means the declared CID does not match the bytes.
	ErrCIDMismatch = errors.New("envelope: cid mismatch")
	// ErrBadSignature means the Ed25519 signature did not verify.
	ErrBadSignature = errors.New("envelope: bad signature")
	// ErrUnknownKID means no keyset source could resolve the kid.
	ErrUnknownKID = errors.New("envelope: unknown kid")
	// ErrKeysetHost means the envelope's keyset URL host is not allowlisted.
	ErrKeysetHost = errors.New("envelope: keyset host not allowed")
	// ErrSFTViolation means the payload failed validation against its
	// declared semantic format.
	ErrSFTViolation = errors.New("envelope: sft violation")
)

// InlineKey is one entry of an inline keyset.
type InlineKey struct {
	KID       string `json:"kid"`
	PublicKey string `json:"public_key,omitempty"`
	X         string `json:"x,omitempty"` // JWKS-style base64url form
}

// InlineKeyset mirrors the public keyset document shape.
type InlineKeyset struct {
	Keys []InlineKey `json:"keys"`
}

// Envelope is the persisted proof shape.
type Envelope struct {
	CID        string        `json:"cid"`
	KID        string        `json:"kid"`
	OPE        string        `json:"ope"` // base64url Ed25519 signature over B
	JWKSURL    string        `json:"jwks_url,omitempty"`
	JWKSInline *InlineKeyset `json:"jwks_inline,omitempty"`
	OMLCB64    string        `json:"oml_c_b64,omitempty"`
	SFTID      string        `json:"sft_id,omitempty"`
}

// Sign encodes value canonically and produces an envelope under k.
func Sign(value any, k keys.Key) (*Envelope, []byte, error) {
	b, err := oml.Encode(value)
	if err != nil {
		return nil, nil, err
	}
	env, err := SignBytes(b, k)
	return env, b, err
}

// SignBytes signs pre-encoded canonical bytes under k.
func SignBytes(b []byte, k keys.Key) (*Envelope, error) {
	if k.Private == nil {
		return nil, fmt.Errorf("envelope: kid %q has no private key", k.KID)
	}
	sig := ed25519.Sign(k.Private, b)
	return &Envelope{
		CID: oml.CID(b),
		KID: k.KID,
		OPE: base64.RawURLEncoding.EncodeToString(sig),
	}, nil
}

// Signature decodes the base64url signature field.
func (e *Envelope) Signature() ([]byte, error) {
	sig, err := base64.RawURLEncoding.DecodeString(e.OPE)
	if err != nil {
		// Tolerate padded input from other implementations.
		sig, err = base64.URLEncoding.DecodeString(e.OPE)
		if err != nil {
			return nil, fmt.Errorf("envelope: ope decode: %w", err)
		}
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, fmt.Errorf("envelope: signature must be %d bytes, got %d", ed25519.SignatureSize, len(sig))
	}
	return sig, nil
}

// InlineBytes decodes the inline canonical bytes, if present.
func (e *Envelope) InlineBytes() ([]byte, error) {
	if e.OMLCB64 == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(e.OMLCB64)
	if err != nil {
		b, err = base64.URLEncoding.DecodeString(e.OMLCB64)
		if err != nil {
			return nil, fmt.Errorf("envelope: oml_c_b64 decode: %w", err)
		}
	}
	return b, nil
}

// WithInlineBytes attaches the canonical bytes to the envelope.
func (e *Envelope) WithInlineBytes(b []byte) *Envelope {
	e.OMLCB64 = base64.RawURLEncoding.EncodeToString(b)
	return e
}
