package gateway

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/odin-mesh/gateway/pkg/bridge"
	"github.com/odin-mesh/gateway/pkg/envelope"
	"github.com/odin-mesh/gateway/pkg/ledger"
	"github.com/odin-mesh/gateway/pkg/oml"
	"github.com/odin-mesh/gateway/pkg/registry"
	"github.com/odin-mesh/gateway/pkg/roaming"
	"github.com/odin-mesh/gateway/pkg/storage"
	"github.com/odin-mesh/gateway/pkg/translate"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readBody(r *http.Request) ([]byte, error) {
	defer func() { _ = r.Body.Close() }()
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

// handleEnvelope wraps an arbitrary JSON value into a signed envelope,
// or echoes an already-wrapped {payload, proof} pair after verifying it.
func (s *Server) handleEnvelope(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeKind(w, KindInvalidJSON, "unreadable body")
		return
	}

	// Enforcement already unwrapped and verified the proof.
	if proof := UnwrappedProof(r.Context()); proof != nil {
		var payload any
		if err := json.Unmarshal(body, &payload); err != nil {
			writeKind(w, KindInvalidJSON, "payload is not valid JSON")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"payload": payload, "proof": proof})
		return
	}

	var wrapped wrappedBody
	if json.Unmarshal(body, &wrapped) == nil && wrapped.Proof != nil && len(wrapped.Payload) > 0 {
		var payload any
		if err := json.Unmarshal(wrapped.Payload, &payload); err != nil {
			writeKind(w, KindInvalidJSON, "payload is not valid JSON")
			return
		}
		if _, err := s.verifier.Verify(r.Context(), wrapped.Proof, nil, payload); err != nil {
			s.metrics.SignatureVerifies.WithLabelValues("envelope", "fail").Inc()
			writeFailure(w, r, s.log, err)
			return
		}
		s.metrics.SignatureVerifies.WithLabelValues("envelope", "ok").Inc()
		writeJSON(w, http.StatusOK, map[string]any{"payload": payload, "proof": wrapped.Proof})
		return
	}

	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		writeKind(w, KindInvalidJSON, "body is not valid JSON")
		return
	}

	active, ok := s.keys.Active()
	if !ok || active.Private == nil {
		writeKind(w, KindKeystore, "no active signing key")
		return
	}
	env, b, err := envelope.Sign(value, active)
	if err != nil {
		writeFailure(w, r, s.log, err)
		return
	}

	if err := s.store.PutBytes(r.Context(), "oml/"+env.CID, b, "application/json"); err != nil {
		s.metrics.ReceiptWriteErrors.WithLabelValues("oml").Inc()
		s.log.Warn("canonical bytes write failed", "cid", env.CID, "error", err)
	}
	if data, err := json.Marshal(env); err == nil {
		if err := s.recorder.RecordEnvelope(r.Context(), env.CID, data); err != nil {
			s.log.Warn("envelope receipt write failed", "cid", env.CID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"payload": value, "proof": env})
}

// translateRequest is the mapping-mode body shape.
type translateRequest struct {
	Payload map[string]any  `json:"payload"`
	FromSFT string          `json:"from_sft"`
	ToSFT   string          `json:"to_sft"`
	Map     json.RawMessage `json:"map,omitempty"`
}

// handleTranslate runs mapping mode when the body names both formats,
// and passes everything else through unchanged.
func (s *Server) handleTranslate(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeKind(w, KindInvalidJSON, "unreadable body")
		return
	}

	var req translateRequest
	mapping := json.Unmarshal(body, &req) == nil && req.Payload != nil && req.FromSFT != "" && req.ToSFT != ""
	if !mapping {
		if !json.Valid(body) {
			writeKind(w, KindInvalidJSON, "body is not valid JSON")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
		return
	}

	var inline *translate.Map
	if len(req.Map) > 0 {
		m, err := translate.ParseMap(req.Map)
		if err != nil {
			writeKind(w, KindInvalidJSON, fmt.Sprintf("inline map: %v", err))
			return
		}
		inline = m
	}

	resp, err := s.engine.Translate(r.Context(), translate.Request{
		Payload:   req.Payload,
		FromSFT:   req.FromSFT,
		ToSFT:     req.ToSFT,
		InlineMap: inline,
	})
	if err != nil {
		writeFailure(w, r, s.log, err)
		return
	}

	outcome := "ok"
	if resp.Translation.RoundTripOK != nil && !*resp.Translation.RoundTripOK {
		outcome = "lossy"
	}
	s.metrics.TransformReceipts.WithLabelValues("forward", resp.Transform.MapID, "store", outcome).Inc()

	w.Header().Set(HeaderTransformMap, resp.Transform.MapID)
	w.Header().Set(HeaderTransformReceipt, "/v1/receipts/transform/"+resp.Transform.OutputCID)
	writeJSON(w, http.StatusOK, map[string]any{"payload": resp.Output})
}

// bridgeRequest is the cross-realm hop body shape.
type bridgeRequest struct {
	Payload   map[string]any `json:"payload"`
	FromSFT   string         `json:"from_sft,omitempty"`
	ToSFT     string         `json:"to_sft,omitempty"`
	TargetURL string         `json:"target_url,omitempty"`
}

// handleBridge forwards a payload toward {target}: a registered service
// name, or any destination when the body names target_url explicitly.
func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeKind(w, KindInvalidJSON, "unreadable body")
		return
	}
	var req bridgeRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Payload == nil {
		writeKind(w, KindInvalidJSON, "body must carry a payload object")
		return
	}

	targetURL := req.TargetURL
	if targetURL == "" {
		resolved, err := s.resolveTarget(r, r.PathValue("target"))
		if err != nil {
			writeFailure(w, r, s.log, err)
			return
		}
		targetURL = resolved
	}

	hopCount := 0
	if v := r.Header.Get(HeaderHopCount); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			hopCount = n
		}
	}
	traceID := TraceID(r.Context())

	resp, err := s.forwarder.Forward(r.Context(), bridge.Request{
		Payload:     req.Payload,
		FromSFT:     req.FromSFT,
		ToSFT:       req.ToSFT,
		TargetURL:   targetURL,
		TraceID:     traceID,
		HopCount:    hopCount,
		Tenant:      Tenant(r.Context()),
		RoamingPass: r.Header.Get(roaming.HeaderName),
		Headers: map[string]string{
			"Content-Type": r.Header.Get("Content-Type"),
			"Accept":       r.Header.Get("Accept"),
			HeaderAgent:    r.Header.Get(HeaderAgent),
		},
	})
	if err != nil {
		if errors.Is(err, bridge.ErrHopLimit) {
			s.recordHopLimit(r, traceID, hopCount, req.Payload)
		}
		writeFailure(w, r, s.log, err)
		return
	}

	if resp.Translated {
		w.Header().Set(HeaderTransformReceipt, resp.TransformReceiptKey)
	}
	w.Header().Set(HeaderHopCount, strconv.Itoa(resp.HopIndex+1))
	out := map[string]any{"payload": resp.Payload, "trace_id": resp.TraceID}
	if resp.Upstream != nil {
		out["upstream"] = resp.Upstream
		s.recordReply(r, resp)
	}
	if resp.Reverse != nil {
		out["reverse"] = resp.Reverse
		w.Header().Set(HeaderReverseReceipt, resp.ReverseReceiptKey)
	}
	writeJSON(w, http.StatusOK, out)
}

// recordReply writes the reply-stage receipt for the response handed
// back to the caller after a completed forward.
func (s *Server) recordReply(r *http.Request, resp *bridge.Response) {
	returned := resp.Upstream
	if resp.Reverse != nil {
		returned = resp.Reverse
	}
	inputCID := ""
	if cid, err := oml.CIDForValue(resp.Upstream); err == nil {
		inputCID = cid
	}
	outputCID := ""
	if cid, err := oml.CIDForValue(returned); err == nil {
		outputCID = cid
	}
	hr := ledger.HopReceipt{
		TraceID:   resp.TraceID,
		HopIndex:  resp.HopIndex,
		Stage:     ledger.StageReply,
		Route:     r.URL.Path,
		Tenant:    Tenant(r.Context()),
		InputCID:  inputCID,
		OutputCID: outputCID,
		Outcome:   "ok",
	}
	if err := s.hops.RecordHop(r.Context(), hr); err != nil {
		s.log.Warn("reply receipt write failed", "trace_id", resp.TraceID, "error", err)
	}
}

// resolveTarget maps a service name onto its advertised base URL.
func (s *Server) resolveTarget(r *http.Request, target string) (string, error) {
	if target == "" {
		return "", fmt.Errorf("%w: empty bridge target", registry.ErrNotFound)
	}
	recs, err := s.registry.List(r.Context(), registry.ListFilter{Service: target, Limit: 1})
	if err != nil {
		return "", err
	}
	if len(recs) == 0 {
		return "", fmt.Errorf("%w: service %q", registry.ErrNotFound, target)
	}
	return strings.TrimSuffix(recs[0].Payload.BaseURL, "/") + "/v1/envelope", nil
}

// recordHopLimit writes the rejection receipt for an over-limit hop.
func (s *Server) recordHopLimit(r *http.Request, traceID string, hopCount int, payload map[string]any) {
	inputCID := ""
	if cid, err := oml.CIDForValue(payload); err == nil {
		inputCID = cid
	}
	hr := ledger.HopReceipt{
		TraceID:  traceID,
		HopIndex: hopCount,
		Stage:    ledger.StageIngress,
		Route:    r.URL.Path,
		Tenant:   Tenant(r.Context()),
		InputCID: inputCID,
		Outcome:  "error:hop_limit",
	}
	if err := s.hops.RecordHop(r.Context(), hr); err != nil {
		s.log.Warn("hop limit receipt write failed", "trace_id", traceID, "error", err)
	}
}

// verifyRequest accepts either an envelope or a raw (B, sig, kid) tuple.
type verifyRequest struct {
	Payload any                `json:"payload,omitempty"`
	Proof   *envelope.Envelope `json:"proof,omitempty"`
	BB64    string             `json:"b_b64,omitempty"`
	Sig     string             `json:"sig,omitempty"`
	KID     string             `json:"kid,omitempty"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeKind(w, KindInvalidJSON, "unreadable body")
		return
	}
	var req verifyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeKind(w, KindInvalidJSON, "body is not valid JSON")
		return
	}

	env := req.Proof
	var b []byte
	switch {
	case env != nil:
		// Bytes resolve from the envelope or the payload.
	case req.BB64 != "" && req.Sig != "" && req.KID != "":
		raw, err := base64.RawURLEncoding.DecodeString(req.BB64)
		if err != nil {
			writeKind(w, KindInvalidJSON, "b_b64 is not base64url")
			return
		}
		b = raw
		env = &envelope.Envelope{KID: req.KID, OPE: req.Sig}
	default:
		writeKind(w, KindInvalidJSON, "body must carry proof or (b_b64, sig, kid)")
		return
	}

	att, err := s.verifier.Verify(r.Context(), env, b, req.Payload)
	if err != nil {
		s.metrics.SignatureVerifies.WithLabelValues("envelope", "fail").Inc()
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "reason": kindForError(err), "kid": att.KID})
		return
	}
	s.metrics.SignatureVerifies.WithLabelValues("envelope", "ok").Inc()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "kid": att.KID, "cid": att.CID})
}

// handleEnvelopeReceipt serves a stored envelope. Content under a CID
// never changes, so responses carry the CID as a weak ETag and a long
// cache lifetime.
func (s *Server) handleEnvelopeReceipt(w http.ResponseWriter, r *http.Request) {
	cid := r.PathValue("cid")
	data, err := s.store.GetBytes(r.Context(), "receipts/"+cid+".env.json")
	if errors.Is(err, storage.ErrNotFound) {
		writeKind(w, KindReceiptNotFound, "no envelope receipt for "+cid)
		return
	}
	if err != nil {
		writeFailure(w, r, s.log, err)
		return
	}

	etag := `W/"` + cid + `"`
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Server) handleTransformReceipt(w http.ResponseWriter, r *http.Request) {
	cid := r.PathValue("cid")
	data, err := s.store.GetBytes(r.Context(), "receipts/transform/"+cid+".json")
	if errors.Is(err, storage.ErrNotFound) {
		writeKind(w, KindReceiptNotFound, "no transform receipt for "+cid)
		return
	}
	if err != nil {
		writeFailure(w, r, s.log, err)
		return
	}
	w.Header().Set("ETag", `W/"`+cid+`"`)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Server) handleHopChain(w http.ResponseWriter, r *http.Request) {
	chain, err := s.recorder.Chain(r.Context(), r.PathValue("trace"))
	if err != nil {
		writeFailure(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trace_id": r.PathValue("trace"), "hops": chain})
}

// handleRecentHops pages over the newest hop receipts. The SQL index
// serves this when configured; otherwise the object store is scanned.
func (s *Server) handleRecentHops(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	if s.hopIndex != nil {
		hops, err := s.hopIndex.Recent(r.Context(), limit)
		if err != nil {
			writeFailure(w, r, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"hops": hops, "count": len(hops)})
		return
	}

	keys, err := s.store.List(r.Context(), "hops/", 0)
	if err != nil {
		writeFailure(w, r, s.log, err)
		return
	}
	if len(keys) > limit {
		keys = keys[len(keys)-limit:]
	}
	hops := make([]ledger.HopReceipt, 0, len(keys))
	for _, k := range keys {
		raw, err := s.store.GetBytes(r.Context(), k)
		if err != nil {
			continue
		}
		var hr ledger.HopReceipt
		if json.Unmarshal(raw, &hr) == nil {
			hops = append(hops, hr)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"hops": hops, "count": len(hops)})
}

// handleRegister accepts a signed service advertisement.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeKind(w, KindInvalidJSON, "unreadable body")
		return
	}

	var payload map[string]any
	proof := UnwrappedProof(r.Context())
	if proof != nil {
		if err := json.Unmarshal(body, &payload); err != nil {
			writeKind(w, KindInvalidJSON, "payload is not valid JSON")
			return
		}
	} else {
		var wrapped struct {
			Payload map[string]any     `json:"payload"`
			Proof   *envelope.Envelope `json:"proof"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil || wrapped.Proof == nil || wrapped.Payload == nil {
			writeKind(w, KindProofMissing, "body must be {payload, proof}")
			return
		}
		payload, proof = wrapped.Payload, wrapped.Proof
	}

	rec, err := s.registry.Register(r.Context(), payload, proof)
	if err != nil {
		writeFailure(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": rec.ID, "expires_ts": rec.ExpiresTS})
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := registry.ListFilter{
		Service:        q.Get("service"),
		SFT:            q.Get("sft"),
		IncludeExpired: q.Get("include_expired") == "1" || q.Get("include_expired") == "true",
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = n
		}
	}
	recs, err := s.registry.List(r.Context(), f)
	if err != nil {
		writeFailure(w, r, s.log, err)
		return
	}
	if recs == nil {
		recs = []*registry.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	rec, err := s.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteService(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r, "registry.delete") {
		return
	}
	if err := s.registry.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeFailure(w, r, s.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
