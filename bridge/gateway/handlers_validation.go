package gateway

import (
	"net/http"

	"github.com/agentbridge/bridge/bridge/auth"
	"github.com/agentbridge/bridge/bridge/dispatcher"
	kernelerrors "github.com/agentbridge/bridge/infrastructure/errors"
	"github.com/agentbridge/bridge/infrastructure/httputil"
)

type validateRequest struct {
	Fingerprint string                 `json:"fingerprint"`
	Operation   string                 `json:"operation"`
	Params      map[string]interface{} `json:"params"`
}

type validateResponse struct {
	Approved  bool   `json:"approved"`
	DecidedBy string `json:"decided_by"`
	Reason    string `json:"reason,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// validate is the speed-layer entry point: memory, policy, and pattern
// tiers are tried in order within the dispatcher's latency budget before
// falling back to expert elicitation.
func (s *Server) validate(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())
	if err := s.limiter.Check(auth.OperationClass("validate"), claims.AgentID); err != nil {
		s.sampleRateLimited(r.Context(), claims.AgentID, "validate")
		writeKernelError(w, r, err)
		return
	}

	var req validateRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.Operation == "" {
		writeKernelError(w, r, kernelerrors.InvalidInput("operation", "required"))
		return
	}
	if req.Fingerprint == "" {
		writeKernelError(w, r, kernelerrors.InvalidInput("fingerprint", "required"))
		return
	}

	decision, err := s.dispatcher.Dispatch(r.Context(), dispatcher.Request{
		Fingerprint: req.Fingerprint,
		Operation:   req.Operation,
		Agent:       claims.AgentID,
		Params:      req.Params,
	})
	if err != nil {
		writeKernelError(w, r, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, validateResponse{
		Approved:  decision.Approved,
		DecidedBy: decision.DecidedBy,
		Reason:    decision.Reason,
		LatencyMS: decision.Latency.Milliseconds(),
	})
}
