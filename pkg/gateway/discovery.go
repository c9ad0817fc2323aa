package gateway

import (
	"net/http"
)

// handleDiscovery serves the well-known gateway description: the
// absolute keyset URL, advertised SFT maps, the endpoint map, and the
// runtime enforcement posture. Short cache so posture changes surface
// quickly.
func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	endpoints := map[string]string{
		"envelope":  "/v1/envelope",
		"translate": "/v1/translate",
		"bridge":    "/v1/bridge/{target}",
		"verify":    "/v1/verify",
		"receipts":  "/v1/receipts/{cid}",
		"registry":  "/v1/registry/services",
		"roaming":   "/v1/roaming/config",
		"jwks":      "/.well-known/odin/jwks.json",
		"metrics":   "/metrics",
		"health":    "/health",
	}

	doc := map[string]any{
		"jwks_url":  s.absoluteURL(r, "/.well-known/odin/jwks.json"),
		"sft_maps":  s.maps.IDs(),
		"endpoints": endpoints,
		"policy": map[string]any{
			"enforce_routes":  s.cfg.EnforceRoutes,
			"enforce_require": s.cfg.EnforceRequire,
			"sign_routes":     s.cfg.SignRoutes,
			"sign_embed":      s.cfg.SignEmbed,
		},
		"capabilities": map[string]bool{
			"translate": true,
			"bridge":    true,
			"registry":  true,
			"roaming":   len(s.roaming.Anchors) > 0,
			"admin":     s.cfg.EnableAdmin,
		},
		"proof_version": ProofVersion,
	}

	w.Header().Set("Cache-Control", "public, max-age=60")
	writeJSON(w, http.StatusOK, doc)
}

// handleJWKS serves the public keyset. Private material never reaches
// this document.
func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=60")
	writeJSON(w, http.StatusOK, s.keys.PublicDocument())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
