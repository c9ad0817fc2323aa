package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerServesInstruments(t *testing.T) {
	m := New()
	m.ObserveRequest("/v1/envelope", "POST", "200", 15*time.Millisecond)
	m.ObserveHop("ok", 40*time.Millisecond)
	m.PolicyViolations.WithLabelValues("deny_kids").Inc()
	m.RoamingRejections.WithLabelValues("expired").Inc()
	m.IdentityMisses.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	out := string(body)
	assert.Contains(t, out, "odin_requests_total")
	assert.Contains(t, out, "odin_hop_requests_total")
	assert.Contains(t, out, `odin_policy_violations_total{rule="deny_kids"} 1`)
	assert.Contains(t, out, `odin_roaming_rejections_total{reason="expired"} 1`)
	assert.Contains(t, out, "odin_bridge_identity_misses_total 1")
}

func TestSeparateInstancesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		_ = New()
		_ = New()
	})
}
