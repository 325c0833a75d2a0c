package event

import (
	"context"
	"encoding/json"
)

// SecurityPayload is the payload shape carried by every TypeSecurityEvent.
// kind identifies the specific violation (e.g. "UnauthorizedResponse",
// "ReplayAttempt", "RateLimited") so a projection can count or alert on it
// without parsing free text.
type SecurityPayload struct {
	Kind    string `json:"kind"`
	AgentID string `json:"agent_id,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// AppendSecurityEvent records a SecurityEvent on streamID. It is best-effort:
// a failure to append the audit record must never block the primary
// rejection the caller is already returning, so errors are swallowed here
// and left to the store's own logging.
func AppendSecurityEvent(ctx context.Context, store *Store, streamID, kind, agentID, detail string) {
	if store == nil {
		return
	}
	payload, err := json.Marshal(SecurityPayload{Kind: kind, AgentID: agentID, Detail: detail})
	if err != nil {
		return
	}
	_, _ = store.Append(ctx, []Event{{
		StreamID: streamID,
		Type:     TypeSecurityEvent,
		Payload:  payload,
	}})
}
