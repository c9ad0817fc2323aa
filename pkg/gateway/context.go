package gateway

import (
	"context"

	"github.com/odin-mesh/gateway/pkg/envelope"
	"github.com/odin-mesh/gateway/pkg/roaming"
)

type ctxKey int

const (
	ctxTenant ctxKey = iota
	ctxTraceID
	ctxAttestation
	ctxRoamingClaims
	ctxUnwrappedProof
)

// WithTenant attaches the resolved tenant id.
func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, ctxTenant, tenant)
}

// Tenant returns the resolved tenant id, empty when unresolved.
func Tenant(ctx context.Context) string {
	t, _ := ctx.Value(ctxTenant).(string)
	return t
}

// WithTraceID attaches the request trace id.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxTraceID, id)
}

// TraceID returns the request trace id, empty when absent.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(ctxTraceID).(string)
	return id
}

// WithAttestation attaches the proof verification outcome.
func WithAttestation(ctx context.Context, att envelope.Attestation) context.Context {
	return context.WithValue(ctx, ctxAttestation, att)
}

// Attestation returns the proof verification outcome for this request.
func Attestation(ctx context.Context) (envelope.Attestation, bool) {
	att, ok := ctx.Value(ctxAttestation).(envelope.Attestation)
	return att, ok
}

// WithRoamingClaims attaches verified roaming pass claims.
func WithRoamingClaims(ctx context.Context, c *roaming.Claims) context.Context {
	return context.WithValue(ctx, ctxRoamingClaims, c)
}

// RoamingClaims returns verified roaming claims, nil when no pass was
// presented.
func RoamingClaims(ctx context.Context) *roaming.Claims {
	c, _ := ctx.Value(ctxRoamingClaims).(*roaming.Claims)
	return c
}

// withUnwrappedProof records the inbound proof envelope that the
// enforcement stage stripped from the body.
func withUnwrappedProof(ctx context.Context, env *envelope.Envelope) context.Context {
	return context.WithValue(ctx, ctxUnwrappedProof, env)
}

// UnwrappedProof returns the proof stripped by enforcement, nil when the
// body arrived bare.
func UnwrappedProof(ctx context.Context) *envelope.Envelope {
	env, _ := ctx.Value(ctxUnwrappedProof).(*envelope.Envelope)
	return env
}
