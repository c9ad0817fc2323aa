package tenant

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveHeader(t *testing.T) {
	rv := &Resolver{}
	r := httptest.NewRequest("POST", "/v1/envelope", nil)
	r.Header.Set(Header, "acme")

	id, err := rv.Resolve(r)
	require.NoError(t, err)
	assert.Equal(t, "acme", id)
}

func TestResolveBearerToken(t *testing.T) {
	rv := &Resolver{}
	r := httptest.NewRequest("POST", "/v1/envelope", nil)
	r.Header.Set("Authorization", "Bearer tenant/acme")

	id, err := rv.Resolve(r)
	require.NoError(t, err)
	assert.Equal(t, "acme", id)
}

func TestResolveMissingDefaultsToShared(t *testing.T) {
	rv := &Resolver{}
	r := httptest.NewRequest("GET", "/v1/discovery", nil)

	id, err := rv.Resolve(r)
	require.NoError(t, err)
	assert.Equal(t, Shared, id)
}

func TestResolveMissingRejectedWhenRequired(t *testing.T) {
	rv := &Resolver{Require: true}
	r := httptest.NewRequest("POST", "/v1/envelope", nil)

	_, err := rv.Resolve(r)
	assert.ErrorIs(t, err, ErrUnknownTenant)
}

func TestResolveUnknownTenantAgainstKnownSet(t *testing.T) {
	rv := &Resolver{Known: map[string]bool{"acme": true}}
	r := httptest.NewRequest("POST", "/v1/envelope", nil)
	r.Header.Set(Header, "stranger")

	id, err := rv.Resolve(r)
	require.NoError(t, err)
	assert.Equal(t, Shared, id)

	rv.Require = true
	_, err = rv.Resolve(r)
	assert.ErrorIs(t, err, ErrUnknownTenant)
}

func TestQuotaBurstThenDeny(t *testing.T) {
	q := NewQuotas(QuotaConfig{RPS: 1, Burst: 3}, QuotaConfig{RPS: 0.5, Burst: 1})

	for i := 0; i < 3; i++ {
		ok, _ := q.Allow("acme")
		assert.True(t, ok, "request %d within burst", i)
	}
	ok, retry := q.Allow("acme")
	assert.False(t, ok)
	assert.Greater(t, retry, time.Duration(0))
}

func TestQuotaTenantsIsolated(t *testing.T) {
	q := NewQuotas(QuotaConfig{RPS: 1, Burst: 1}, QuotaConfig{RPS: 1, Burst: 1})

	ok, _ := q.Allow("a")
	require.True(t, ok)
	ok, _ = q.Allow("a")
	require.False(t, ok)

	// Tenant b has its own bucket.
	ok, _ = q.Allow("b")
	assert.True(t, ok)
}

func TestQuotaSharedStricter(t *testing.T) {
	q := NewQuotas(QuotaConfig{RPS: 10, Burst: 10}, QuotaConfig{RPS: 1, Burst: 1})

	ok, _ := q.Allow(Shared)
	require.True(t, ok)
	ok, _ = q.Allow(Shared)
	assert.False(t, ok)

	ok, _ = q.Allow("acme")
	assert.True(t, ok)
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, RetryAfterSeconds(300*time.Millisecond))
	assert.Equal(t, 2, RetryAfterSeconds(1100*time.Millisecond))
}
