package roaming

import (
	"crypto/ed25519"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odin-mesh/gateway/pkg/keys"
)

const (
	testIssuer   = "https://alpha.gateway.example"
	testAudience = "https://beta.gateway.example"
)

func newMinter(t *testing.T) *Minter {
	t.Helper()
	reg, err := keys.NewRegistry(keys.Sources{}, 0)
	require.NoError(t, err)
	return NewMinter(reg, testIssuer)
}

func newVerifier(t *testing.T, m *Minter) *Verifier {
	t.Helper()
	v := NewVerifier(map[string]TrustAnchor{
		testIssuer: {
			Iss:             testIssuer,
			RealmsAllowed:   []string{"beta"},
			AudienceAllowed: []string{testAudience},
			MaxTTLSeconds:   600,
		},
	}, testAudience)
	v.Resolve = func(iss, kid string) (ed25519.PublicKey, error) {
		k, ok := m.Keys.Get(kid)
		if !ok {
			return nil, fmt.Errorf("unknown kid %q", kid)
		}
		return k.Public, nil
	}
	return v
}

func mintOK(t *testing.T, m *Minter) string {
	t.Helper()
	pass, meta, err := m.Mint(MintRequest{
		AgentDID:   "did:odin:agent-1",
		Audience:   testAudience,
		RealmSrc:   "alpha",
		RealmDst:   "beta",
		Scope:      []string{"translate", "forward"},
		TTLSeconds: 120,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, meta.JTI)
	assert.Equal(t, "beta", meta.RealmDst)
	return pass
}

func TestMintAndVerify(t *testing.T) {
	m := newMinter(t)
	v := newVerifier(t, m)

	claims, err := v.Verify(mintOK(t, m), VerifyOptions{
		AgentDID:      "did:odin:agent-1",
		RequiredRealm: "beta",
		RequiredScope: "translate",
	})
	require.NoError(t, err)
	assert.Equal(t, testIssuer, claims.Issuer)
	assert.Equal(t, "beta", claims.RealmDst)
}

func TestMintTTLCeiling(t *testing.T) {
	m := newMinter(t)
	_, _, err := m.Mint(MintRequest{
		AgentDID: "did:odin:a", Audience: testAudience, RealmDst: "beta",
		TTLSeconds: 601,
	})
	assert.Error(t, err)
}

func rejectionReason(t *testing.T, err error) string {
	t.Helper()
	var re *RejectError
	require.ErrorAs(t, err, &re)
	return re.Reason
}

func TestVerifyExpired(t *testing.T) {
	m := newMinter(t)
	m.now = func() time.Time { return time.Now().Add(-10 * time.Minute) }
	pass := mintOK(t, m)

	v := newVerifier(t, m)
	_, err := v.Verify(pass, VerifyOptions{})
	assert.Equal(t, ReasonExpired, rejectionReason(t, err))
}

func TestVerifyNotYetValid(t *testing.T) {
	m := newMinter(t)
	m.now = func() time.Time { return time.Now().Add(5 * time.Minute) }
	pass := mintOK(t, m)

	v := newVerifier(t, m)
	_, err := v.Verify(pass, VerifyOptions{})
	assert.Equal(t, ReasonNotYetValid, rejectionReason(t, err))
}

func TestVerifySkewTolerated(t *testing.T) {
	m := newMinter(t)
	m.now = func() time.Time { return time.Now().Add(15 * time.Second) }
	pass := mintOK(t, m)

	v := newVerifier(t, m)
	_, err := v.Verify(pass, VerifyOptions{})
	assert.NoError(t, err)
}

func TestVerifyUntrustedIssuer(t *testing.T) {
	m := newMinter(t)
	m.Issuer = "https://rogue.example"
	pass := mintOK(t, m)

	v := newVerifier(t, m)
	_, err := v.Verify(pass, VerifyOptions{})
	assert.Equal(t, ReasonIssuerNotTrusted, rejectionReason(t, err))
}

func TestVerifyAgentMismatch(t *testing.T) {
	m := newMinter(t)
	v := newVerifier(t, m)
	_, err := v.Verify(mintOK(t, m), VerifyOptions{AgentDID: "did:odin:someone-else"})
	assert.Equal(t, ReasonAgentMismatch, rejectionReason(t, err))
}

func TestVerifyAudienceMismatch(t *testing.T) {
	m := newMinter(t)
	pass, _, err := m.Mint(MintRequest{
		AgentDID: "did:odin:a", Audience: "https://other.example", RealmDst: "beta",
		TTLSeconds: 60,
	})
	require.NoError(t, err)

	v := newVerifier(t, m)
	_, err = v.Verify(pass, VerifyOptions{})
	assert.Equal(t, ReasonAgentMismatch, rejectionReason(t, err))
}

func TestVerifyRealmMismatch(t *testing.T) {
	m := newMinter(t)
	pass, _, err := m.Mint(MintRequest{
		AgentDID: "did:odin:a", Audience: testAudience, RealmDst: "gamma",
		TTLSeconds: 60,
	})
	require.NoError(t, err)

	v := newVerifier(t, m)
	_, err = v.Verify(pass, VerifyOptions{})
	assert.Equal(t, ReasonRealmMismatch, rejectionReason(t, err))
}

func TestVerifyScopeMismatch(t *testing.T) {
	m := newMinter(t)
	v := newVerifier(t, m)
	_, err := v.Verify(mintOK(t, m), VerifyOptions{RequiredScope: "admin"})
	assert.Equal(t, ReasonScopeMismatch, rejectionReason(t, err))
}

func TestVerifyTampered(t *testing.T) {
	m := newMinter(t)
	v := newVerifier(t, m)
	pass := mintOK(t, m)
	_, err := v.Verify(pass[:len(pass)-3]+"xxx", VerifyOptions{})
	assert.Equal(t, ReasonSignatureInvalid, rejectionReason(t, err))
}

func TestVerifyReplay(t *testing.T) {
	m := newMinter(t)
	v := newVerifier(t, m)
	pass := mintOK(t, m)

	_, err := v.Verify(pass, VerifyOptions{})
	require.NoError(t, err)

	_, err = v.Verify(pass, VerifyOptions{})
	assert.Equal(t, ReasonReplayed, rejectionReason(t, err))
}

func TestRejectCounterLabels(t *testing.T) {
	m := newMinter(t)
	v := newVerifier(t, m)
	var labels []string
	v.OnReject = func(reason string) { labels = append(labels, reason) }

	_, _ = v.Verify("garbage", VerifyOptions{})
	pass := mintOK(t, m)
	_, _ = v.Verify(pass, VerifyOptions{RequiredScope: "admin"})

	assert.Equal(t, []string{ReasonSignatureInvalid, ReasonScopeMismatch}, labels)
}

func TestParseTrustAnchors(t *testing.T) {
	doc := []byte(`
trust_anchors:
  - iss: https://alpha.gateway.example
    jwks_url: https://alpha.gateway.example/.well-known/odin/jwks.json
    realms_allowed: [beta, gamma]
    audience_allowed: [https://beta.gateway.example]
    max_ttl_seconds: 300
`)
	anchors, err := ParseTrustAnchors(doc)
	require.NoError(t, err)
	a := anchors["https://alpha.gateway.example"]
	assert.Equal(t, []string{"beta", "gamma"}, a.RealmsAllowed)
	assert.Equal(t, 300, a.MaxTTLSeconds)
}

func TestParseTrustAnchorsDuplicateIss(t *testing.T) {
	doc := []byte(`
trust_anchors:
  - iss: a
  - iss: a
`)
	_, err := ParseTrustAnchors(doc)
	assert.Error(t, err)
}

func TestVerifyAnchorTightensTTL(t *testing.T) {
	m := newMinter(t)
	v := newVerifier(t, m)
	v.Anchors[testIssuer] = TrustAnchor{
		Iss:             testIssuer,
		RealmsAllowed:   []string{"beta"},
		AudienceAllowed: []string{testAudience},
		MaxTTLSeconds:   60,
	}

	pass, _, err := m.Mint(MintRequest{
		AgentDID: "did:odin:a", Audience: testAudience, RealmDst: "beta",
		TTLSeconds: 120,
	})
	require.NoError(t, err)

	_, err = v.Verify(pass, VerifyOptions{})
	assert.Equal(t, ReasonExpired, rejectionReason(t, err))
}
