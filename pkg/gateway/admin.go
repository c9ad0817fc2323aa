package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sort"

	"github.com/odin-mesh/gateway/pkg/ledger"
	"github.com/odin-mesh/gateway/pkg/roaming"
)

// requireAdmin gates an endpoint behind the admin token. Admin actions
// must be enabled explicitly and every attempt is audit-logged.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request, action string) bool {
	presented := r.Header.Get(HeaderAdminKey)
	allowed := s.cfg.EnableAdmin &&
		s.cfg.AdminToken != "" &&
		subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.AdminToken)) == 1

	s.log.Info("admin action",
		"action", action,
		"allowed", allowed,
		"remote", r.RemoteAddr,
		"trace_id", TraceID(r.Context()),
	)
	if !allowed {
		writeKind(w, KindAdminForbidden, "admin access denied")
		return false
	}
	return true
}

func (s *Server) handleReloadPolicy(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r, "reload.policy") {
		return
	}
	if err := s.policy.Reload(); err != nil {
		writeFailure(w, r, s.log, err)
		return
	}
	s.metrics.Reloads.WithLabelValues("policy").Inc()
	s.journalAdmin(ledger.KindPolicyReload, "policy")
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "target": "policy"})
}

func (s *Server) handleReloadMaps(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r, "reload.maps") {
		return
	}
	if err := s.maps.Reload(); err != nil {
		writeFailure(w, r, s.log, err)
		return
	}
	if s.schemas != nil {
		if err := s.schemas.Reload(); err != nil {
			writeFailure(w, r, s.log, err)
			return
		}
	}
	s.metrics.Reloads.WithLabelValues("maps").Inc()
	s.journalAdmin(ledger.KindMapsReload, "maps")
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"target": "maps",
		"maps":   s.maps.IDs(),
	})
}

func (s *Server) handleRotateKeys(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r, "rotate.keys") {
		return
	}
	kid, err := s.keys.Rotate()
	if err != nil {
		writeKind(w, KindKeystore, err.Error())
		return
	}
	s.metrics.Reloads.WithLabelValues("keys").Inc()
	s.journalAdmin(ledger.KindKeyRotate, kid)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "active_kid": kid})
}

func (s *Server) journalAdmin(kind, detail string) {
	if s.journal == nil {
		return
	}
	_ = s.journal.Append(kind, map[string]string{"detail": detail})
}

// handleMintPass issues a roaming pass. Admin-gated: passes grant
// cross-realm capability and minting is an operator action.
func (s *Server) handleMintPass(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r, "roaming.mint") {
		return
	}
	var req struct {
		AgentDID   string   `json:"agent_did"`
		Audience   string   `json:"audience"`
		RealmSrc   string   `json:"realm_src"`
		RealmDst   string   `json:"realm_dst"`
		Scope      []string `json:"scope"`
		TTLSeconds int      `json:"ttl_seconds"`
		Bind       string   `json:"bind,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeKind(w, KindInvalidJSON, "body is not valid JSON")
		return
	}

	pass, meta, err := s.minter.Mint(roaming.MintRequest{
		AgentDID:   req.AgentDID,
		Audience:   req.Audience,
		RealmSrc:   req.RealmSrc,
		RealmDst:   req.RealmDst,
		Scope:      req.Scope,
		TTLSeconds: req.TTLSeconds,
		Bind:       req.Bind,
	})
	if err != nil {
		writeKind(w, KindInvalidJSON, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pass":      pass,
		"exp":       meta.Exp,
		"jti":       meta.JTI,
		"scope":     meta.Scope,
		"realm_dst": meta.RealmDst,
	})
}

// handleRoamingConfig reports the verifier's trust posture. Issuer
// keyset URLs are public discovery data, so the whole anchor is safe to
// serve.
func (s *Server) handleRoamingConfig(w http.ResponseWriter, r *http.Request) {
	anchors := make([]roaming.TrustAnchor, 0, len(s.roaming.Anchors))
	for _, a := range s.roaming.Anchors {
		anchors = append(anchors, a)
	}
	sort.Slice(anchors, func(i, j int) bool { return anchors[i].Iss < anchors[j].Iss })
	writeJSON(w, http.StatusOK, map[string]any{
		"audience":        s.roaming.Audience,
		"max_ttl_seconds": int(roaming.MaxTTL.Seconds()),
		"trust_anchors":   anchors,
	})
}
