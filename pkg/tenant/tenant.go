// Package tenant resolves the calling tenant and enforces per-tenant
// request quotas.
package tenant

import (
	"errors"
	"net/http"
	"strings"
)

// Header carrying the tenant id. A bearer-style token in Authorization
// with a "tenant/" prefix is accepted as an alternative carrier.
const (
	Header      = "X-ODIN-Tenant"
	tokenPrefix = "tenant/"

	// Shared is the bucket unknown callers land in when tenancy is not
	// required. It gets stricter quotas than configured tenants.
	Shared = "shared"
)

// ErrUnknownTenant is returned when require_tenant is set and the
// request carries no resolvable tenant id.
var ErrUnknownTenant = errors.New("tenant: unknown tenant")

// Resolver extracts tenant ids from requests.
type Resolver struct {
	// Known maps tenant id to true for configured tenants. Empty means
	// any non-empty id is accepted as-is.
	Known map[string]bool

	// Require rejects requests without a resolvable tenant instead of
	// assigning them to the shared bucket.
	Require bool
}

// Resolve returns the tenant for r. Unknown callers fall back to the
// shared tenant unless Require is set.
func (rv *Resolver) Resolve(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.Header.Get(Header))
	if id == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer "+tokenPrefix) {
			id = strings.TrimPrefix(auth, "Bearer "+tokenPrefix)
		}
	}

	switch {
	case id == "" && rv.Require:
		return "", ErrUnknownTenant
	case id == "":
		return Shared, nil
	case len(rv.Known) > 0 && !rv.Known[id]:
		if rv.Require {
			return "", ErrUnknownTenant
		}
		return Shared, nil
	}
	return id, nil
}
