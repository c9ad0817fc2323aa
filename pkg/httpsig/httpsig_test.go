package httpsig

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odin-mesh/gateway/pkg/keys"
)

func newTestPair(t *testing.T) (*Signer, *Verifier) {
	t.Helper()
	reg, err := keys.NewRegistry(keys.Sources{}, time.Minute)
	require.NoError(t, err)
	return NewSigner(reg), NewVerifier(reg, DefaultSkew)
}

func TestSignVerify_OK(t *testing.T) {
	s, v := newTestPair(t)

	req := httptest.NewRequest("POST", "http://gw.example/v1/translate", nil)
	require.NoError(t, s.Sign(req))

	params, err := v.Verify(req)
	require.NoError(t, err)
	assert.Equal(t, []string{"@method", "@path", "@authority"}, params.Components)
	assert.NotEmpty(t, params.Nonce)
}

func TestVerify_Missing(t *testing.T) {
	_, v := newTestPair(t)
	req := httptest.NewRequest("GET", "http://gw.example/x", nil)
	_, err := v.Verify(req)
	assert.ErrorIs(t, err, ErrMissing)
}

func TestVerify_TamperedPath(t *testing.T) {
	s, v := newTestPair(t)

	req := httptest.NewRequest("POST", "http://gw.example/v1/translate", nil)
	require.NoError(t, s.Sign(req))

	tampered := httptest.NewRequest("POST", "http://gw.example/v1/other", nil)
	tampered.Header = req.Header

	_, err := v.Verify(tampered)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerify_Replay(t *testing.T) {
	s, v := newTestPair(t)

	req := httptest.NewRequest("POST", "http://gw.example/v1/translate", nil)
	require.NoError(t, s.Sign(req))

	_, err := v.Verify(req)
	require.NoError(t, err)

	_, err = v.Verify(req)
	assert.ErrorIs(t, err, ErrReplayed)
}

func TestVerify_Expired(t *testing.T) {
	s, v := newTestPair(t)
	s.now = func() time.Time { return time.Now().Add(-20 * time.Minute) }

	req := httptest.NewRequest("POST", "http://gw.example/v1/translate", nil)
	require.NoError(t, s.Sign(req))

	_, err := v.Verify(req)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerify_UnknownKID(t *testing.T) {
	s, _ := newTestPair(t)
	_, v := newTestPair(t) // different registry

	req := httptest.NewRequest("POST", "http://gw.example/v1/translate", nil)
	require.NoError(t, s.Sign(req))

	_, err := v.Verify(req)
	assert.ErrorIs(t, err, ErrUnknownKID)
}

func TestVerify_CoveredHeader(t *testing.T) {
	s, v := newTestPair(t)
	s.Components = []string{"@method", "@path", "x-odin-trace-id"}

	req := httptest.NewRequest("POST", "http://gw.example/v1/bridge/beta", nil)
	req.Header.Set("X-ODIN-Trace-Id", "trace-1")
	require.NoError(t, s.Sign(req))

	_, err := v.Verify(req)
	require.NoError(t, err)

	// Altering the covered header invalidates the signature.
	req2 := httptest.NewRequest("POST", "http://gw.example/v1/bridge/beta", nil)
	req2.Header = req.Header.Clone()
	req2.Header.Set("X-ODIN-Trace-Id", "trace-2")
	_, err = v.Verify(req2)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerify_FailureCounterLabels(t *testing.T) {
	_, v := newTestPair(t)
	var reasons []string
	v.OnError = func(reason string) { reasons = append(reasons, reason) }

	req := httptest.NewRequest("GET", "http://gw.example/x", nil)
	_, _ = v.Verify(req)
	assert.Equal(t, []string{"missing"}, reasons)
}

func TestNonceCache_EvictionAndWindow(t *testing.T) {
	c := newNonceCache(3, time.Minute)
	now := time.Now()

	assert.False(t, c.Seen("kid", "n1", now))
	assert.True(t, c.Seen("kid", "n1", now))

	// Force eviction of n1.
	assert.False(t, c.Seen("kid", "n2", now))
	assert.False(t, c.Seen("kid", "n3", now))
	assert.False(t, c.Seen("kid", "n4", now))
	assert.False(t, c.Seen("kid", "n1", now), "evicted nonce is forgotten")

	// Outside the window a nonce is no longer a replay.
	assert.False(t, c.Seen("kid2", "n1", now))
	assert.False(t, c.Seen("kid2", "n1", now.Add(2*time.Minute)))
}

func TestParseSignatureInput_Malformed(t *testing.T) {
	cases := []string{
		"",
		"sig2=(\"@method\");created=1;nonce=\"n\";keyid=\"k\"",
		"sig1=\"@method\";created=1",
		"sig1=(\"@method\");nonce=\"n\";keyid=\"k\"", // no created
	}
	for _, c := range cases {
		_, err := parseSignatureInput(c)
		assert.Error(t, err, c)
	}
}
