package auth

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbridge/bridge/bridge/event"
)

func applyAll(t *testing.T, events []event.Event) Registry {
	t.Helper()
	var state interface{}
	for _, e := range events {
		var err error
		state, err = Apply(state, e)
		require.NoError(t, err)
	}
	reg, _ := state.(Registry)
	return reg
}

func marshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestApply_RegistersAgentWithCapabilities(t *testing.T) {
	reg := applyAll(t, []event.Event{
		{Type: event.TypeAgentRegistered, Payload: marshal(t, registeredPayload{
			AgentID: "agent-1", Capabilities: []string{"event:append:own"},
		})},
	})

	require.Contains(t, reg, "agent-1")
	assert.False(t, reg["agent-1"].Revoked)
	assert.True(t, reg.Authorized("agent-1", "", "event:append", "agent-1"))
}

func TestApply_RevocationBlocksAuthorization(t *testing.T) {
	reg := applyAll(t, []event.Event{
		{Type: event.TypeAgentRegistered, Payload: marshal(t, registeredPayload{
			AgentID: "agent-1", Capabilities: []string{"event:append:all"},
		})},
		{Type: event.TypeAgentRevoked, Payload: marshal(t, registeredPayload{AgentID: "agent-1"})},
	})

	assert.False(t, reg.Authorized("agent-1", "", "event:append", "agent-2"))
}

func TestApply_CapabilityGrantedAppendsScopes(t *testing.T) {
	reg := applyAll(t, []event.Event{
		{Type: event.TypeAgentRegistered, Payload: marshal(t, registeredPayload{AgentID: "agent-1"})},
		{Type: event.TypeCapabilityGranted, Payload: marshal(t, capabilityGrantedPayload{
			AgentID: "agent-1", Capabilities: []string{"elicitation:create:all"},
		})},
	})

	assert.True(t, reg.Authorized("agent-1", "", "elicitation:create", "agent-2"))
}

func TestApply_TokenRevokedBlocksSpecificSession(t *testing.T) {
	reg := applyAll(t, []event.Event{
		{Type: event.TypeAgentRegistered, Payload: marshal(t, registeredPayload{
			AgentID: "agent-1", Capabilities: []string{"event:append:all"},
		})},
		{Type: event.TypeTokenRevoked, Payload: marshal(t, tokenRevokedPayload{
			AgentID: "agent-1", SessionID: "session-1",
		})},
	})

	assert.False(t, reg.Authorized("agent-1", "session-1", "event:append", "agent-2"))
	assert.True(t, reg.Authorized("agent-1", "session-2", "event:append", "agent-2"))
}

func TestApply_UnknownAgentIsNeverAuthorized(t *testing.T) {
	reg := applyAll(t, nil)
	assert.False(t, reg.Authorized("ghost", "", "event:append", "ghost"))
}
