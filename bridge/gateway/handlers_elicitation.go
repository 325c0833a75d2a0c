package gateway

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/agentbridge/bridge/bridge/auth"
	"github.com/agentbridge/bridge/bridge/degradation"
	kernelerrors "github.com/agentbridge/bridge/infrastructure/errors"
	"github.com/agentbridge/bridge/infrastructure/httputil"
)

type createElicitationRequest struct {
	ToAgent    string          `json:"to_agent"`
	ExpertPool string          `json:"expert_pool"`
	Operation  string          `json:"operation"`
	Payload    json.RawMessage `json:"payload"`
	TTLSeconds int             `json:"ttl_seconds,omitempty"`
}

// createElicitationResponse never carries the response key: only the bound
// to_agent can retrieve it, via GET elicitations/{id}/key.
type createElicitationResponse struct {
	ID        string `json:"id"`
	ToAgent   string `json:"to_agent"`
	ExpiresAt string `json:"expires_at"`
}

func (s *Server) createElicitation(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())

	if s.degradation != nil && s.degradation.State() == degradation.StateEmergency {
		writeKernelError(w, r, kernelerrors.Degraded(s.degradation.State().String()))
		return
	}

	if err := s.limiter.Check(auth.OperationClass("elicitation:create"), claims.AgentID); err != nil {
		s.sampleRateLimited(r.Context(), claims.AgentID, "elicitation:create")
		writeKernelError(w, r, err)
		return
	}

	var req createElicitationRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if !hasCapability(claims, "elicitation:create", claims.AgentID) {
		s.recordAuthzFailure(r.Context(), claims.AgentID, "elicitation:create")
		writeKernelError(w, r, kernelerrors.Forbidden("missing elicitation:create capability"))
		return
	}
	if req.ToAgent == "" {
		writeKernelError(w, r, kernelerrors.InvalidInput("to_agent", "required"))
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	id, err := s.coordinator.Create(r.Context(), claims.AgentID, req.ToAgent, req.ExpertPool, req.Operation, req.Payload, nil, ttl)
	if err != nil {
		writeKernelError(w, r, err)
		return
	}

	elic, _ := s.coordinator.Get(id)
	resp := createElicitationResponse{ID: id, ToAgent: req.ToAgent}
	if elic != nil {
		resp.ExpiresAt = elic.ExpiresAt.Format(time.RFC3339)
	}
	httputil.WriteJSON(w, http.StatusCreated, resp)
}

// elicitationKey serves GET /v1/elicitations/{id}/key: the only path by
// which the response key ever leaves the coordinator, and only to the
// elicitation's bound to_agent.
func (s *Server) elicitationKey(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	claims, _ := claimsFromContext(r.Context())

	key, err := s.coordinator.DeriveResponseKey(r.Context(), id, claims.AgentID)
	if err != nil {
		writeKernelError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"response_key_hex": hex.EncodeToString(key)})
}

type respondElicitationRequest struct {
	Payload   json.RawMessage `json:"payload"`
	Approved  bool            `json:"approved"`
	Reason    string          `json:"reason,omitempty"`
	Signature string          `json:"signature_hex"`
}

func (s *Server) respondElicitation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	claims, _ := claimsFromContext(r.Context())

	var req respondElicitationRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	// The responder identity is always the caller's authenticated claim,
	// never a client-supplied field: otherwise any holder of a valid
	// session token could claim to be the bound to_agent.
	if err := s.coordinator.Respond(r.Context(), id, claims.AgentID, req.Payload, req.Approved, req.Reason, req.Signature); err != nil {
		writeKernelError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) getElicitation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	elic, ok := s.coordinator.Get(id)
	if !ok {
		writeKernelError(w, r, kernelerrors.NotFound("elicitation", id))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, elic)
}

// pendingElicitations serves GET /v1/elicitations/pending/{agent}: every
// still-open elicitation bound to that agent as its to_agent.
func (s *Server) pendingElicitations(w http.ResponseWriter, r *http.Request) {
	agent := mux.Vars(r)["agent"]
	httputil.WriteJSON(w, http.StatusOK, s.coordinator.PendingForAgent(agent))
}
