package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/odin-mesh/gateway/pkg/ledger"
	"github.com/odin-mesh/gateway/pkg/storage"
)

// Agent is an operator-managed mesh participant. Records live in the
// receipt store under agents/ and are admin-only on both ends.
type Agent struct {
	DID          string   `json:"agent_did"`
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Status       string   `json:"status"`
	RegisteredTS int64    `json:"registered_ts"`
	UpdatedTS    int64    `json:"updated_ts"`
}

// Agent status values.
const (
	AgentActive    = "active"
	AgentSuspended = "suspended"
	AgentRetired   = "retired"
)

func validAgentStatus(s string) bool {
	return s == AgentActive || s == AgentSuspended || s == AgentRetired
}

func agentKey(did string) string {
	return "agents/" + url.PathEscape(did) + ".json"
}

// handleRegisterAgent creates an agent record in status active.
// Re-registering an existing DID is rejected; use the status endpoint.
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r, "agent.register") {
		return
	}
	var req struct {
		DID          string   `json:"agent_did"`
		Name         string   `json:"name"`
		Capabilities []string `json:"capabilities"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DID == "" {
		writeKind(w, KindInvalidJSON, "body must carry agent_did")
		return
	}

	now := time.Now().UnixMilli()
	agent := Agent{
		DID:          req.DID,
		Name:         req.Name,
		Capabilities: req.Capabilities,
		Status:       AgentActive,
		RegisteredTS: now,
		UpdatedTS:    now,
	}
	data, err := json.Marshal(agent)
	if err != nil {
		writeFailure(w, r, s.log, err)
		return
	}
	if err := s.store.PutBytes(r.Context(), agentKey(req.DID), data, "application/json"); err != nil {
		if errors.Is(err, storage.ErrConflictingWrite) {
			writeKind(w, KindAgentExists, "agent already registered: "+req.DID)
			return
		}
		writeFailure(w, r, s.log, err)
		return
	}
	if s.journal != nil {
		_ = s.journal.Append(ledger.KindAgentRegister, map[string]string{"agent_did": req.DID})
	}
	writeJSON(w, http.StatusOK, agent)
}

// handleAgentStatus moves an agent to a new status.
func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r, "agent.status") {
		return
	}
	did := r.PathValue("did")
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !validAgentStatus(req.Status) {
		writeKind(w, KindInvalidJSON, "status must be active, suspended, or retired")
		return
	}

	key := agentKey(did)
	data, err := s.store.GetBytes(r.Context(), key)
	if errors.Is(err, storage.ErrNotFound) {
		writeKind(w, KindAgentNotFound, "no agent registered as "+did)
		return
	}
	if err != nil {
		writeFailure(w, r, s.log, err)
		return
	}
	var agent Agent
	if err := json.Unmarshal(data, &agent); err != nil {
		writeFailure(w, r, s.log, err)
		return
	}

	agent.Status = req.Status
	agent.UpdatedTS = time.Now().UnixMilli()
	updated, err := json.Marshal(agent)
	if err != nil {
		writeFailure(w, r, s.log, err)
		return
	}
	// The store is write-once per key, so replace is delete then put.
	if err := s.store.Delete(r.Context(), key); err != nil {
		writeFailure(w, r, s.log, err)
		return
	}
	if err := s.store.PutBytes(r.Context(), key, updated, "application/json"); err != nil {
		writeFailure(w, r, s.log, err)
		return
	}
	if s.journal != nil {
		_ = s.journal.Append(ledger.KindAgentStatus, map[string]string{
			"agent_did": did,
			"status":    req.Status,
		})
	}
	writeJSON(w, http.StatusOK, agent)
}

// handleListAgents returns every agent record, ordered by DID.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r, "agent.list") {
		return
	}
	agentKeys, err := s.store.List(r.Context(), "agents/", 0)
	if err != nil {
		writeFailure(w, r, s.log, err)
		return
	}
	agents := make([]Agent, 0, len(agentKeys))
	for _, k := range agentKeys {
		raw, err := s.store.GetBytes(r.Context(), k)
		if err != nil {
			continue
		}
		var a Agent
		if json.Unmarshal(raw, &a) == nil && a.DID != "" {
			agents = append(agents, a)
		}
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].DID < agents[j].DID })
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents, "count": len(agents)})
}
