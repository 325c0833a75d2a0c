package auth

import (
	"encoding/json"

	"github.com/agentbridge/bridge/bridge/event"
)

// AgentRecord is the folded state for one agent, as seen through the
// projection built from AgentRegistered/AgentRevoked/CapabilityGranted/
// TokenRevoked events.
type AgentRecord struct {
	AgentID      string        `json:"agent_id"`
	Capabilities CapabilitySet `json:"capabilities"`
	Revoked      bool          `json:"revoked"`
	RevokedTokens map[string]bool `json:"revoked_tokens,omitempty"`
}

// Registry is the folded projection state: agent id -> record.
type Registry map[string]*AgentRecord

// registeredPayload is the wire shape of an AgentRegistered event payload.
type registeredPayload struct {
	AgentID      string   `json:"agent_id"`
	Capabilities []string `json:"capabilities"`
}

type capabilityGrantedPayload struct {
	AgentID      string   `json:"agent_id"`
	Capabilities []string `json:"capabilities"`
}

type tokenRevokedPayload struct {
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
}

// Apply folds one event into the agent registry. It is deterministic and
// side-effect free, suitable for use as projection.Apply.
func Apply(state interface{}, e event.Event) (interface{}, error) {
	reg, _ := state.(Registry)
	if reg == nil {
		reg = make(Registry)
	}

	switch e.Type {
	case event.TypeAgentRegistered:
		var p registeredPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return reg, err
		}
		reg[p.AgentID] = &AgentRecord{
			AgentID:      p.AgentID,
			Capabilities: ParseCapabilities(p.Capabilities),
		}
	case event.TypeAgentRevoked:
		var p registeredPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return reg, err
		}
		if rec, ok := reg[p.AgentID]; ok {
			rec.Revoked = true
		}
	case event.TypeCapabilityGranted:
		var p capabilityGrantedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return reg, err
		}
		if rec, ok := reg[p.AgentID]; ok {
			rec.Capabilities = append(rec.Capabilities, ParseCapabilities(p.Capabilities)...)
		}
	case event.TypeTokenRevoked:
		var p tokenRevokedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return reg, err
		}
		if rec, ok := reg[p.AgentID]; ok {
			if rec.RevokedTokens == nil {
				rec.RevokedTokens = make(map[string]bool)
			}
			rec.RevokedTokens[p.SessionID] = true
		}
	}
	return reg, nil
}

// Authorized reports whether agentID may perform resourceAction on a
// resource owned by ownerID, and that its session has not been revoked.
func (r Registry) Authorized(agentID, sessionID, resourceAction, ownerID string) bool {
	rec, ok := r[agentID]
	if !ok || rec.Revoked {
		return false
	}
	if rec.RevokedTokens[sessionID] {
		return false
	}
	return rec.Capabilities.Authorize(resourceAction, ownerID, agentID)
}
