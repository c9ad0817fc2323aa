// Package bridge forwards payloads to peer gateways across realm
// boundaries: optional translation, signed outbound requests, bounded
// retries, hop counting, and a receipt per hop.
package bridge

import (
	"errors"
	"fmt"
)

// Headers used on outbound hops.
const (
	HeaderHopCount = "X-ODIN-Hop-Count"
	HeaderTraceID  = "X-ODIN-Trace-Id"
	HeaderIdentity = "X-ODIN-Identity-Token"
)

// MaxHops is the default hop ceiling.
const MaxHops = 8

// ErrHopLimit is returned when the hop counter would exceed the maximum.
var ErrHopLimit = errors.New("bridge: hop limit exceeded")

// UpstreamError reports a non-retryable upstream response. The body
// snapshot is truncated.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("bridge: upstream returned %d", e.Status)
}

// NetworkError reports a transport-level failure reaching the target:
// dial, TLS, timeout, or a broken response body.
type NetworkError struct {
	Target string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("bridge: call %s: %v", e.Target, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Request is one forwarding invocation.
type Request struct {
	Payload   map[string]any
	FromSFT   string
	ToSFT     string
	TargetURL string

	// TraceID groups this hop's receipts; empty generates a fresh one.
	TraceID string
	// HopCount is the inbound counter; the outbound call carries
	// HopCount+1.
	HopCount int
	// Tenant annotates hop receipts.
	Tenant string
	// RoamingPass is forwarded verbatim when present.
	RoamingPass string
	// Headers are copied onto the outbound request if allowlisted.
	Headers map[string]string
}

// Response is the outcome of a forward.
type Response struct {
	Payload    map[string]any
	Translated bool
	// TransformReceiptKey is set when translation produced a receipt.
	TransformReceiptKey string
	TraceID             string
	HopIndex            int
	// Upstream is the decoded JSON body of the peer response, nil when
	// no target was called.
	Upstream map[string]any
	Status   int
	// Reverse is the upstream response translated back to the caller's
	// format, set only when a reverse map is declared.
	Reverse map[string]any
	// ReverseReceiptKey is the stored reverse transform receipt.
	ReverseReceiptKey string
}
