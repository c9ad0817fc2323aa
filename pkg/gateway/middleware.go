package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/odin-mesh/gateway/pkg/envelope"
	"github.com/odin-mesh/gateway/pkg/ledger"
	"github.com/odin-mesh/gateway/pkg/oml"
	"github.com/odin-mesh/gateway/pkg/policy"
	"github.com/odin-mesh/gateway/pkg/roaming"
	"github.com/odin-mesh/gateway/pkg/tenant"
)

// Response headers.
const (
	HeaderOMLCID           = "X-ODIN-OML-CID"
	HeaderOMLCPath         = "X-ODIN-OML-C-Path"
	HeaderOPE              = "X-ODIN-OPE"
	HeaderOPEKID           = "X-ODIN-OPE-KID"
	HeaderJWKS             = "X-ODIN-JWKS"
	HeaderProofVersion     = "X-ODIN-Proof-Version"
	HeaderProofStatus      = "X-ODIN-Proof-Status"
	HeaderTraceID          = "X-ODIN-Trace-Id"
	HeaderHopCount         = "X-ODIN-Hop-Count"
	HeaderTransformMap     = "X-ODIN-Transform-Map"
	HeaderTransformReceipt = "X-ODIN-Transform-Receipt"
	HeaderReverseReceipt   = "X-ODIN-Reverse-Receipt"
)

// Request headers.
const (
	HeaderAgent       = "X-ODIN-Agent"
	HeaderTargetRealm = "X-ODIN-Target-Realm"
	HeaderAdminKey    = "X-Admin-Key"
	HeaderModel       = "X-ODIN-Model"
	HeaderTool        = "X-ODIN-Tool"
	HeaderPromptCID   = "X-ODIN-Prompt-CID"
	HeaderAcceptProof = "X-ODIN-Accept-Proof"
)

// ProofVersion is advertised on signed responses.
const ProofVersion = "1"

// maxBodyBytes bounds inbound bodies before policy limits apply.
const maxBodyBytes = 16 << 20

// wrappedBody is the enforced request shape {payload, proof}.
type wrappedBody struct {
	Payload json.RawMessage    `json:"payload"`
	Proof   *envelope.Envelope `json:"proof"`
}

// pipeline applies the fixed middleware order around next. Quota runs
// before any cryptography; proof unwrap runs before handlers; response
// signing runs after handlers so it covers the full response; proof
// discovery observes the signing headers.
func (s *Server) pipeline(next http.Handler) http.Handler {
	h := s.signResponses(next)
	h = s.verifyHTTPSignature(h)
	h = s.enforceProof(h)
	h = s.verifyRoaming(h)
	h = s.enforceQuota(h)
	h = s.resolveTenant(h)
	h = s.traceRequests(h)
	return s.observe(h)
}

// observe records request metrics and a server span, and recovers
// panics into 500s.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := routeLabel(r.URL.Path)

		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := s.traces.Tracer().Start(ctx, r.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("http.route", route),
			),
		)
		r = r.WithContext(ctx)

		sw := &statusWriter{ResponseWriter: w}
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("handler panic", "path", r.URL.Path, "panic", rec)
				if !sw.wrote {
					writeKind(sw, KindInternal, "internal error")
				}
			}
			span.SetAttributes(attribute.Int("http.response.status_code", sw.Status()))
			span.End()
			s.metrics.ObserveRequest(route, r.Method, strconv.Itoa(sw.Status()), time.Since(start))
		}()
		next.ServeHTTP(sw, r)
	})
}

// traceRequests assigns or propagates the trace id and journals caller
// annotations so receipts can be tied back to the model, tool, and
// prompt that produced the request.
func (s *Server) traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := strings.TrimSpace(r.Header.Get(HeaderTraceID))
		if traceID == "" {
			traceID = uuid.NewString()
		}
		w.Header().Set(HeaderTraceID, traceID)
		s.journalAnnotations(r, traceID)
		next.ServeHTTP(w, r.WithContext(WithTraceID(r.Context(), traceID)))
	})
}

// journalAnnotations records the caller-declared provenance headers.
func (s *Server) journalAnnotations(r *http.Request, traceID string) {
	if s.journal == nil {
		return
	}
	model := strings.TrimSpace(r.Header.Get(HeaderModel))
	tool := strings.TrimSpace(r.Header.Get(HeaderTool))
	prompt := strings.TrimSpace(r.Header.Get(HeaderPromptCID))
	if model == "" && tool == "" && prompt == "" {
		return
	}
	body := map[string]string{"trace_id": traceID, "route": r.URL.Path}
	if model != "" {
		body["model"] = model
	}
	if tool != "" {
		body["tool"] = tool
	}
	if prompt != "" {
		body["prompt_cid"] = prompt
	}
	_ = s.journal.Append(ledger.KindAnnotation, body)
}

func (s *Server) resolveTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.tenants.Resolve(r)
		if err != nil {
			writeFailure(w, r, s.log, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), id)))
	})
}

func (s *Server) enforceQuota(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := Tenant(r.Context())
		ok, delay := s.quotas.Allow(id)
		if !ok {
			s.metrics.QuotaRejections.WithLabelValues(id).Inc()
			writeError(w, ErrorBody{
				Error:      KindQuotaExceeded,
				Message:    fmt.Sprintf("tenant %q over quota", id),
				RetryAfter: tenant.RetryAfterSeconds(delay),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// verifyRoaming validates the pass header. Configured routes require a
// pass; elsewhere a presented pass is still verified so its claims are
// available to policy predicates.
func (s *Server) verifyRoaming(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pass := strings.TrimSpace(r.Header.Get(roaming.HeaderName))
		required := matchesPrefix(s.cfg.RoamingRoutes, r.URL.Path)
		if pass == "" {
			if required {
				writeKind(w, "odin.roaming.missing", "roaming pass required")
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		claims, err := s.roaming.Verify(pass, roaming.VerifyOptions{
			AgentDID:      r.Header.Get(HeaderAgent),
			RequiredRealm: r.Header.Get(HeaderTargetRealm),
		})
		if err != nil {
			writeFailure(w, r, s.log, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithRoamingClaims(r.Context(), claims)))
	})
}

// enforceProof unwraps {payload, proof} bodies on configured prefixes
// and evaluates the policy snapshot over the decoded payload. Handlers
// downstream always see the bare payload.
func (s *Server) enforceProof(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !matchesPrefix(s.cfg.EnforceRoutes, r.URL.Path) || r.Body == nil || r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeKind(w, KindInvalidJSON, "unreadable body")
			return
		}
		_ = r.Body.Close()

		var wrapped wrappedBody
		hasProof := json.Unmarshal(body, &wrapped) == nil && wrapped.Proof != nil && len(wrapped.Payload) > 0

		if !hasProof {
			if s.cfg.EnforceRequire {
				writeKind(w, KindProofMissing, "body must be {payload, proof} on this route")
				return
			}
			if err := s.applyPolicy(w, r, body); err != nil {
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			r.ContentLength = int64(len(body))
			next.ServeHTTP(w, r)
			return
		}

		var payload any
		if err := json.Unmarshal(wrapped.Payload, &payload); err != nil {
			writeKind(w, KindInvalidJSON, "payload is not valid JSON")
			return
		}
		att, err := s.verifier.Verify(r.Context(), wrapped.Proof, nil, payload)
		if err != nil {
			s.metrics.SignatureVerifies.WithLabelValues("envelope", "fail").Inc()
			writeFailure(w, r, s.log, err)
			return
		}
		s.metrics.SignatureVerifies.WithLabelValues("envelope", "ok").Inc()

		if err := s.applyPolicyVerified(w, r, wrapped.Payload, payload, wrapped.Proof, att); err != nil {
			return
		}

		w.Header().Set(HeaderProofStatus, "verified")
		ctx := WithAttestation(r.Context(), att)
		ctx = withUnwrappedProof(ctx, wrapped.Proof)
		r.Body = io.NopCloser(bytes.NewReader(wrapped.Payload))
		r.ContentLength = int64(len(wrapped.Payload))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// applyPolicy evaluates the snapshot over a bare body.
func (s *Server) applyPolicy(w http.ResponseWriter, r *http.Request, body []byte) error {
	var payload any
	_ = json.Unmarshal(body, &payload)
	return s.evaluate(w, r, policy.Input{
		Route:        r.URL.Path,
		Tenant:       Tenant(r.Context()),
		Headers:      r.Header,
		Payload:      payload,
		PayloadBytes: int64(len(body)),
	})
}

func (s *Server) applyPolicyVerified(w http.ResponseWriter, r *http.Request, raw []byte, payload any, proof *envelope.Envelope, att envelope.Attestation) error {
	keysetHost := ""
	if proof.JWKSURL != "" {
		if u, err := url.Parse(proof.JWKSURL); err == nil {
			keysetHost = u.Host
		}
	}
	return s.evaluate(w, r, policy.Input{
		KID:          att.KID,
		KeysetHost:   keysetHost,
		Route:        r.URL.Path,
		Tenant:       Tenant(r.Context()),
		Headers:      r.Header,
		Payload:      payload,
		PayloadBytes: int64(len(raw)),
	})
}

func (s *Server) evaluate(w http.ResponseWriter, r *http.Request, in policy.Input) error {
	decision := s.policy.Snapshot().Evaluate(in)
	if decision.Allow {
		return nil
	}
	oversize := false
	for _, v := range decision.Violations {
		s.metrics.PolicyViolations.WithLabelValues(v.Rule).Inc()
		if v.Rule == "max_payload_bytes" {
			oversize = true
		}
	}
	kind := KindPolicyBlocked
	if oversize && len(decision.Violations) == 1 {
		kind = KindPayloadTooLarge
	}
	writeError(w, ErrorBody{
		Error:      kind,
		Message:    "request blocked by policy",
		Violations: decision.Violations,
	})
	return fmt.Errorf("policy blocked")
}

func (s *Server) verifyHTTPSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !matchesPrefix(s.cfg.HTTPSignRoutes, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if _, err := s.httpsig.Verify(r); err != nil {
			writeFailure(w, r, s.log, err)
			return
		}
		s.metrics.SignatureVerifies.WithLabelValues("httpsig", "ok").Inc()
		next.ServeHTTP(w, r)
	})
}

// signResponses signs 2xx JSON responses on configured prefixes, then
// attaches discovery headers whenever a signature header is present.
func (s *Server) signResponses(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !matchesPrefix(s.cfg.SignRoutes, r.URL.Path) {
			dw := &discoveryWriter{ResponseWriter: w, server: s, request: r}
			next.ServeHTTP(dw, r)
			return
		}

		buf := &bufferedWriter{header: w.Header().Clone(), status: http.StatusOK}
		next.ServeHTTP(buf, r)

		body := buf.body.Bytes()
		if buf.status >= 200 && buf.status < 300 && len(body) > 0 && isJSON(buf.header) {
			body = s.signBody(r, buf, body)
		}
		s.attachDiscovery(buf.header, r)

		out := w.Header()
		for k, vs := range buf.header {
			out[k] = vs
		}
		out.Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(buf.status)
		_, _ = w.Write(body)
	})
}

// signBody signs the response value unless it already carries a
// top-level proof. Receipt persistence failures are logged and counted
// but never fail the response.
func (s *Server) signBody(r *http.Request, buf *bufferedWriter, body []byte) []byte {
	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		return body
	}
	if m, ok := value.(map[string]any); ok {
		if _, signed := m["proof"]; signed {
			return body
		}
	}

	b, err := oml.Encode(value)
	if err != nil {
		s.log.Warn("response canonicalization failed", "path", r.URL.Path, "error", err)
		return body
	}
	active, ok := s.keys.Active()
	if !ok || active.Private == nil {
		s.log.Error("response signing skipped", "path", r.URL.Path, "error", "no active signing key")
		return body
	}
	env, err := envelope.SignBytes(b, active)
	if err != nil {
		s.log.Error("response signing failed", "path", r.URL.Path, "error", err)
		return body
	}

	omlKey := "oml/" + env.CID
	if err := s.store.PutBytes(r.Context(), omlKey, b, "application/json"); err != nil {
		s.metrics.ReceiptWriteErrors.WithLabelValues("oml").Inc()
		s.log.Warn("canonical bytes write failed", "key", omlKey, "error", err)
	}
	if data, err := json.Marshal(env); err == nil {
		if err := s.recorder.RecordEnvelope(r.Context(), env.CID, data); err != nil {
			s.log.Warn("envelope receipt write failed", "cid", env.CID, "error", err)
		}
	}

	buf.header.Set(HeaderOMLCID, env.CID)
	buf.header.Set(HeaderOMLCPath, omlKey)
	buf.header.Set(HeaderOPE, env.OPE)
	buf.header.Set(HeaderOPEKID, env.KID)

	if s.embedProof(r) {
		embedded, err := json.Marshal(map[string]any{"payload": value, "proof": env})
		if err == nil {
			return embedded
		}
	}
	return body
}

// embedProof decides proof placement: the configured default unless the
// caller asked for a specific shape via X-ODIN-Accept-Proof.
func (s *Server) embedProof(r *http.Request) bool {
	switch strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderAcceptProof))) {
	case "embed":
		return true
	case "headers":
		return false
	default:
		return s.cfg.SignEmbed
	}
}

// attachDiscovery adds keyset discovery headers next to any signature.
func (s *Server) attachDiscovery(h http.Header, r *http.Request) {
	if h.Get(HeaderOPE) == "" {
		return
	}
	h.Set(HeaderJWKS, s.absoluteURL(r, "/.well-known/odin/jwks.json"))
	h.Set(HeaderProofVersion, ProofVersion)
}

func (s *Server) absoluteURL(r *http.Request, path string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	if host == "" {
		if u, err := url.Parse(s.cfg.ExternalURL); err == nil {
			scheme, host = u.Scheme, u.Host
		}
	}
	return scheme + "://" + host + path
}

func isJSON(h http.Header) bool {
	ct := h.Get("Content-Type")
	return ct == "" || strings.HasPrefix(ct, "application/json")
}

// routeLabel collapses path parameters so metric cardinality stays
// bounded.
func routeLabel(path string) string {
	for _, prefix := range []string{
		"/v1/receipts/transform/",
		"/v1/receipts/hops/chain/",
		"/v1/registry/services/",
		"/v1/bridge/",
		"/v1/receipts/",
	} {
		if strings.HasPrefix(path, prefix) && len(path) > len(prefix) {
			return prefix + ":id"
		}
	}
	return path
}

// statusWriter records the written status for metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.wrote {
		w.status = status
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.status = http.StatusOK
		w.wrote = true
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// bufferedWriter captures the full response so the signing stage can
// cover the final body.
type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
	wrote  bool
}

func (w *bufferedWriter) Header() http.Header { return w.header }

func (w *bufferedWriter) WriteHeader(status int) {
	if !w.wrote {
		w.status = status
		w.wrote = true
	}
}

func (w *bufferedWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.status = http.StatusOK
		w.wrote = true
	}
	return w.body.Write(b)
}

// discoveryWriter attaches discovery headers on unsigned routes whose
// handlers emit signature headers themselves.
type discoveryWriter struct {
	http.ResponseWriter
	server  *Server
	request *http.Request
	done    bool
}

func (w *discoveryWriter) WriteHeader(status int) {
	if !w.done {
		w.server.attachDiscovery(w.Header(), w.request)
		w.done = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *discoveryWriter) Write(b []byte) (int, error) {
	if !w.done {
		w.server.attachDiscovery(w.Header(), w.request)
		w.done = true
	}
	return w.ResponseWriter.Write(b)
}
