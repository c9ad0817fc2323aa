package roaming

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Rejection reasons, used as counter labels.
const (
	ReasonExpired          = "expired"
	ReasonNotYetValid      = "not_yet_valid"
	ReasonAgentMismatch    = "agent_mismatch"
	ReasonRealmMismatch    = "realm_mismatch"
	ReasonScopeMismatch    = "scope_mismatch"
	ReasonIssuerNotTrusted = "issuer_not_trusted"
	ReasonSignatureInvalid = "signature_invalid"
	ReasonReplayed         = "replayed"
)

// RejectError carries the rejection reason code.
type RejectError struct {
	Reason string
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return "roaming: pass rejected: " + e.Reason
	}
	return fmt.Sprintf("roaming: pass rejected: %s: %s", e.Reason, e.Detail)
}

// KeyResolver returns the issuer's verification key for a kid.
type KeyResolver func(iss, kid string) (ed25519.PublicKey, error)

// Verifier validates roaming passes against configured trust anchors.
type Verifier struct {
	Anchors  map[string]TrustAnchor
	Audience string
	Resolve  KeyResolver

	// OnReject is invoked with the reason label on every rejection.
	OnReject func(reason string)

	skew time.Duration
	now  func() time.Time

	mu       sync.Mutex
	seenJTIs map[string]time.Time
}

func NewVerifier(anchors map[string]TrustAnchor, audience string) *Verifier {
	v := &Verifier{
		Anchors:  anchors,
		Audience: audience,
		skew:     30 * time.Second,
		now:      time.Now,
		seenJTIs: make(map[string]time.Time),
	}
	v.Resolve = v.resolveViaJWKS
	return v
}

// VerifyOptions binds a pass to the current request.
type VerifyOptions struct {
	// AgentDID, when set, must equal the pass subject.
	AgentDID string
	// RequiredRealm must be in the pass realm_dst.
	RequiredRealm string
	// RequiredScope must be covered by the pass scope set.
	RequiredScope string
}

func (v *Verifier) reject(reason, detail string) error {
	if v.OnReject != nil {
		v.OnReject(reason)
	}
	return &RejectError{Reason: reason, Detail: detail}
}

// Verify parses and validates the pass, returning its claims.
func (v *Verifier) Verify(pass string, opts VerifyOptions) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(pass, claims, v.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithLeeway(v.skew),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, v.reject(ReasonExpired, "")
		case errors.Is(err, jwt.ErrTokenNotValidYet):
			return nil, v.reject(ReasonNotYetValid, "")
		default:
			var re *RejectError
			if errors.As(err, &re) {
				if v.OnReject != nil {
					v.OnReject(re.Reason)
				}
				return nil, re
			}
			return nil, v.reject(ReasonSignatureInvalid, err.Error())
		}
	}
	if !token.Valid {
		return nil, v.reject(ReasonSignatureInvalid, "")
	}

	anchor, ok := v.Anchors[claims.Issuer]
	if !ok {
		return nil, v.reject(ReasonIssuerNotTrusted, claims.Issuer)
	}

	// Lifetime ceiling: the anchor may tighten the global maximum.
	maxTTL := MaxTTL
	if anchor.MaxTTLSeconds > 0 && time.Duration(anchor.MaxTTLSeconds)*time.Second < maxTTL {
		maxTTL = time.Duration(anchor.MaxTTLSeconds) * time.Second
	}
	if claims.ExpiresAt == nil || claims.NotBefore == nil {
		return nil, v.reject(ReasonSignatureInvalid, "missing exp or nbf")
	}
	if claims.ExpiresAt.Sub(claims.NotBefore.Time) > maxTTL {
		return nil, v.reject(ReasonExpired, "lifetime exceeds issuer maximum")
	}

	if !audienceContains(claims.Audience, v.Audience) {
		return nil, v.reject(ReasonAgentMismatch, "audience does not name this gateway")
	}
	if len(anchor.AudienceAllowed) > 0 && !contains(anchor.AudienceAllowed, v.Audience) {
		return nil, v.reject(ReasonAgentMismatch, "audience not allowed for issuer")
	}
	if opts.AgentDID != "" && claims.Subject != opts.AgentDID {
		return nil, v.reject(ReasonAgentMismatch, "subject does not match agent")
	}

	if len(anchor.RealmsAllowed) > 0 && !contains(anchor.RealmsAllowed, claims.RealmDst) {
		return nil, v.reject(ReasonRealmMismatch, claims.RealmDst)
	}
	if opts.RequiredRealm != "" && claims.RealmDst != opts.RequiredRealm {
		return nil, v.reject(ReasonRealmMismatch, claims.RealmDst)
	}

	if opts.RequiredScope != "" && !contains(claims.Scope, opts.RequiredScope) {
		return nil, v.reject(ReasonScopeMismatch, opts.RequiredScope)
	}

	if v.replayed(claims.ID, claims.ExpiresAt.Time) {
		return nil, v.reject(ReasonReplayed, claims.ID)
	}

	return claims, nil
}

func (v *Verifier) keyFunc(token *jwt.Token) (any, error) {
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, &RejectError{Reason: ReasonSignatureInvalid, Detail: "bad claims"}
	}
	if _, trusted := v.Anchors[claims.Issuer]; !trusted {
		return nil, &RejectError{Reason: ReasonIssuerNotTrusted, Detail: claims.Issuer}
	}
	kid, _ := token.Header["kid"].(string)
	pub, err := v.Resolve(claims.Issuer, kid)
	if err != nil {
		return nil, &RejectError{Reason: ReasonSignatureInvalid, Detail: err.Error()}
	}
	return pub, nil
}

// replayed records the jti and reports whether it was already seen
// within its validity window.
func (v *Verifier) replayed(jti string, exp time.Time) bool {
	if jti == "" {
		return true
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	now := v.now()
	for id, e := range v.seenJTIs {
		if e.Before(now) {
			delete(v.seenJTIs, id)
		}
	}
	if _, seen := v.seenJTIs[jti]; seen {
		return true
	}
	v.seenJTIs[jti] = exp.Add(v.skew)
	return false
}

// jwksDoc matches the public key document served at discovery paths.
type jwksDoc struct {
	Keys []struct {
		Kty string `json:"kty"`
		Crv string `json:"crv"`
		Kid string `json:"kid"`
		X   string `json:"x"`
	} `json:"keys"`
}

func (v *Verifier) resolveViaJWKS(iss, kid string) (ed25519.PublicKey, error) {
	anchor, ok := v.Anchors[iss]
	if !ok || anchor.JWKSURL == "" {
		return nil, fmt.Errorf("roaming: no keyset url for issuer %q", iss)
	}
	resp, err := http.Get(anchor.JWKSURL)
	if err != nil {
		return nil, fmt.Errorf("roaming: fetch keyset: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("roaming: keyset fetch status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("roaming: read keyset: %w", err)
	}
	var doc jwksDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("roaming: parse keyset: %w", err)
	}
	for _, k := range doc.Keys {
		if k.Kid != kid || k.Kty != "OKP" || k.Crv != "Ed25519" {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("roaming: bad key material for kid %q", kid)
		}
		return ed25519.PublicKey(raw), nil
	}
	return nil, fmt.Errorf("roaming: kid %q not in issuer keyset", kid)
}

func audienceContains(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
