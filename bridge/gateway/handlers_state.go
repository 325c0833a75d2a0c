package gateway

import (
	"net/http"

	kernelerrors "github.com/agentbridge/bridge/infrastructure/errors"
	"github.com/agentbridge/bridge/infrastructure/httputil"
)

type degradationStateResponse struct {
	State string `json:"state"`
}

// getState serves GET /v1/state: the degradation controller's current
// state, so a caller can decide whether to expect writes to be refused.
func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	state := "unknown"
	if s.degradation != nil {
		state = s.degradation.State().String()
	}
	httputil.WriteJSON(w, http.StatusOK, degradationStateResponse{State: state})
}

type degradationActionRequest struct {
	Reason string `json:"reason"`
}

// requestRecovery serves the admin-only EMERGENCY -> RECOVERING transition:
// an operator declaring the failure's root cause has been addressed.
func (s *Server) requestRecovery(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())
	if !hasCapability(claims, "admin:degrade", claims.AgentID) {
		s.recordAuthzFailure(r.Context(), claims.AgentID, "admin:degrade")
		writeKernelError(w, r, kernelerrors.Forbidden("missing admin:degrade capability"))
		return
	}
	var req degradationActionRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if err := s.degradation.RequestRecovery(r.Context(), req.Reason); err != nil {
		writeKernelError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, degradationStateResponse{State: s.degradation.State().String()})
}

// confirmRecovered serves the admin-only RECOVERING -> NORMAL transition:
// an operator confirming a full health check passed, on top of the
// controller's own clean-sample/recovery-window requirement.
func (s *Server) confirmRecovered(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())
	if !hasCapability(claims, "admin:degrade", claims.AgentID) {
		s.recordAuthzFailure(r.Context(), claims.AgentID, "admin:degrade")
		writeKernelError(w, r, kernelerrors.Forbidden("missing admin:degrade capability"))
		return
	}
	var req degradationActionRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if err := s.degradation.ConfirmRecovered(r.Context(), req.Reason); err != nil {
		writeKernelError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, degradationStateResponse{State: s.degradation.State().String()})
}
