// Package roaming mints and verifies short-lived cross-realm capability
// passes. A pass is a signed JWT binding an agent to a destination realm,
// an audience gateway, and a scope set, valid for at most ten minutes.
package roaming

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/odin-mesh/gateway/pkg/keys"
)

// HeaderName carries the pass on forwarded requests.
const HeaderName = "X-ODIN-Roaming-Pass"

// MaxTTL is the hard ceiling on pass lifetime.
const MaxTTL = 600 * time.Second

// Claims is the pass payload.
type Claims struct {
	jwt.RegisteredClaims
	RealmSrc string   `json:"realm_src"`
	RealmDst string   `json:"realm_dst"`
	Scope    []string `json:"scope"`
	Bind     string   `json:"bind,omitempty"`
}

// MintRequest describes the pass to create.
type MintRequest struct {
	AgentDID   string
	Audience   string
	RealmSrc   string
	RealmDst   string
	Scope      []string
	TTLSeconds int
	Bind       string
}

// Metadata is returned alongside a minted pass.
type Metadata struct {
	Exp      int64    `json:"exp"`
	JTI      string   `json:"jti"`
	Scope    []string `json:"scope"`
	RealmDst string   `json:"realm_dst"`
}

// Minter signs passes with the gateway's active key.
type Minter struct {
	Keys   *keys.Registry
	Issuer string

	now func() time.Time
}

func NewMinter(reg *keys.Registry, issuer string) *Minter {
	return &Minter{Keys: reg, Issuer: issuer, now: time.Now}
}

// Mint builds and signs a pass. TTL above MaxTTL is rejected.
func (m *Minter) Mint(req MintRequest) (string, Metadata, error) {
	if req.AgentDID == "" || req.Audience == "" || req.RealmDst == "" {
		return "", Metadata{}, fmt.Errorf("roaming: agent_did, audience, realm_dst required")
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = MaxTTL
	}
	if ttl > MaxTTL {
		return "", Metadata{}, fmt.Errorf("roaming: ttl %ds exceeds maximum %s", req.TTLSeconds, MaxTTL)
	}

	active, ok := m.Keys.Active()
	if !ok || active.Private == nil {
		return "", Metadata{}, fmt.Errorf("roaming: no active signing key")
	}

	now := m.now().UTC()
	jti := uuid.NewString()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.Issuer,
			Subject:   req.AgentDID,
			Audience:  jwt.ClaimStrings{req.Audience},
			ID:        jti,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		RealmSrc: req.RealmSrc,
		RealmDst: req.RealmDst,
		Scope:    req.Scope,
		Bind:     req.Bind,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = active.KID
	signed, err := token.SignedString(active.Private)
	if err != nil {
		return "", Metadata{}, fmt.Errorf("roaming: sign pass: %w", err)
	}

	return signed, Metadata{
		Exp:      claims.ExpiresAt.Unix(),
		JTI:      jti,
		Scope:    req.Scope,
		RealmDst: req.RealmDst,
	}, nil
}
