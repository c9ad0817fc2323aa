package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/odin-mesh/gateway/pkg/bridge"
	"github.com/odin-mesh/gateway/pkg/envelope"
	"github.com/odin-mesh/gateway/pkg/httpsig"
	"github.com/odin-mesh/gateway/pkg/policy"
	"github.com/odin-mesh/gateway/pkg/registry"
	"github.com/odin-mesh/gateway/pkg/roaming"
	"github.com/odin-mesh/gateway/pkg/tenant"
	"github.com/odin-mesh/gateway/pkg/translate"
)

// Error kinds on the wire.
const (
	KindInvalidJSON      = "odin.request.invalid_json"
	KindMapNotFound      = "odin.translate.map_not_found"
	KindInputInvalid     = "odin.translate.input_invalid"
	KindOutputInvalid    = "odin.translate.output_invalid"
	KindCoverageGate     = "odin.translate.coverage_below_gate"
	KindProofMissing     = "odin.proof.missing"
	KindProofBadSig      = "odin.proof.bad_signature"
	KindProofCIDMismatch = "odin.proof.cid_mismatch"
	KindHTTPSigMissing   = "odin.httpsig.missing"
	KindHTTPSigExpired   = "odin.httpsig.expired"
	KindHTTPSigReplayed  = "odin.httpsig.replayed"
	KindHTTPSigBadSig    = "odin.httpsig.bad_signature"
	KindPolicyBlocked    = "odin.policy.blocked"
	KindQuotaExceeded    = "odin.quota.exceeded"
	KindHopLimit         = "odin.hop.limit"
	KindPayloadTooLarge  = "odin.payload.too_large"
	KindUpstream4xx      = "odin.bridge.upstream_4xx"
	KindUpstream5xx      = "odin.bridge.upstream_5xx"
	KindBridgeNetwork    = "odin.bridge.network"
	KindStorageWrite     = "odin.storage.write_failed"
	KindKeystore         = "odin.keystore.unavailable"
	KindTenantUnknown    = "odin.tenant.unknown"
	KindReceiptNotFound  = "odin.receipt.not_found"
	KindRegistryInvalid  = "odin.registry.invalid_advert"
	KindRegistryNotFound = "odin.registry.not_found"
	KindAdminForbidden   = "odin.admin.forbidden"
	KindAgentNotFound    = "odin.agent.not_found"
	KindAgentExists      = "odin.agent.exists"
	KindInternal         = "odin.internal"
)

// ErrorBody is the structured failure shape every short-circuiting
// stage emits.
type ErrorBody struct {
	Error      string             `json:"error"`
	Message    string             `json:"message"`
	Violations []policy.Violation `json:"violations,omitempty"`
	RetryAfter int                `json:"retry_after,omitempty"`
	TraceID    string             `json:"trace_id,omitempty"`
}

func statusFor(kind string) int {
	switch kind {
	case KindInvalidJSON, KindRegistryInvalid:
		return http.StatusBadRequest
	case KindProofMissing, KindProofBadSig, KindProofCIDMismatch,
		KindHTTPSigMissing, KindHTTPSigExpired, KindHTTPSigReplayed, KindHTTPSigBadSig:
		return http.StatusUnauthorized
	case KindPolicyBlocked, KindTenantUnknown, KindAdminForbidden:
		return http.StatusForbidden
	case KindMapNotFound, KindReceiptNotFound, KindRegistryNotFound, KindAgentNotFound:
		return http.StatusNotFound
	case KindAgentExists:
		return http.StatusConflict
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindInputInvalid, KindOutputInvalid, KindCoverageGate:
		return http.StatusUnprocessableEntity
	case KindQuotaExceeded:
		return http.StatusTooManyRequests
	case KindHopLimit:
		return http.StatusMisdirectedRequest
	case KindUpstream4xx, KindUpstream5xx, KindBridgeNetwork:
		return http.StatusBadGateway
	default:
		if strings.HasPrefix(kind, "odin.roaming.") {
			return http.StatusForbidden
		}
		return http.StatusInternalServerError
	}
}

// writeError emits the structured error body with the kind's status.
func writeError(w http.ResponseWriter, body ErrorBody) {
	status := statusFor(body.Error)
	w.Header().Set("Content-Type", "application/json")
	if body.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", body.RetryAfter))
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeKind is the common single-kind form.
func writeKind(w http.ResponseWriter, kind, message string) {
	writeError(w, ErrorBody{Error: kind, Message: message})
}

// kindForError maps component failures onto the wire taxonomy. Unknown
// errors become odin.internal; the caller echoes the trace id.
func kindForError(err error) string {
	var ue *bridge.UpstreamError
	var ne *bridge.NetworkError
	var re *roaming.RejectError
	switch {
	case errors.Is(err, translate.ErrMapNotFound):
		return KindMapNotFound
	case errors.Is(err, translate.ErrInputInvalid):
		return KindInputInvalid
	case errors.Is(err, translate.ErrOutputInvalid):
		return KindOutputInvalid
	case errors.Is(err, translate.ErrCoverage):
		return KindCoverageGate
	case errors.Is(err, envelope.ErrCIDMismatch):
		return KindProofCIDMismatch
	case errors.Is(err, envelope.ErrBadSignature), errors.Is(err, envelope.ErrMissingBytes),
		errors.Is(err, envelope.ErrUnknownKID), errors.Is(err, envelope.ErrKeysetHost),
		errors.Is(err, envelope.ErrSFTViolation):
		return KindProofBadSig
	case errors.Is(err, httpsig.ErrMissing):
		return KindHTTPSigMissing
	case errors.Is(err, httpsig.ErrExpired):
		return KindHTTPSigExpired
	case errors.Is(err, httpsig.ErrReplayed):
		return KindHTTPSigReplayed
	case errors.Is(err, httpsig.ErrBadSignature), errors.Is(err, httpsig.ErrMalformed),
		errors.Is(err, httpsig.ErrUnknownKID):
		return KindHTTPSigBadSig
	case errors.Is(err, bridge.ErrHopLimit):
		return KindHopLimit
	case errors.As(err, &ue):
		if ue.Status >= 500 {
			return KindUpstream5xx
		}
		return KindUpstream4xx
	case errors.As(err, &ne):
		return KindBridgeNetwork
	case errors.As(err, &re):
		return "odin.roaming." + re.Reason
	case errors.Is(err, tenant.ErrUnknownTenant):
		return KindTenantUnknown
	case errors.Is(err, registry.ErrInvalidAdvert):
		return KindRegistryInvalid
	case errors.Is(err, registry.ErrNotFound):
		return KindRegistryNotFound
	default:
		return KindInternal
	}
}

// writeFailure translates err into the taxonomy and writes it. The
// trace id is echoed on internal errors so callers can correlate logs.
func writeFailure(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	kind := kindForError(err)
	body := ErrorBody{Error: kind, Message: err.Error()}
	if kind == KindInternal {
		body.Message = "internal error"
		body.TraceID = TraceID(r.Context())
		log.Error("request failed", "path", r.URL.Path, "trace_id", body.TraceID, "error", err)
	}
	var ue *bridge.UpstreamError
	if errors.As(err, &ue) && ue.Body != "" {
		body.Message = fmt.Sprintf("upstream returned %d: %s", ue.Status, ue.Body)
	}
	writeError(w, body)
}
