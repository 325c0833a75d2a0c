package event

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), "test-node")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestEvent(streamID string) Event {
	return Event{
		StreamID: streamID,
		Type:     TypeAgentRegistered,
		Payload:  json.RawMessage(`{"ok":true}`),
	}
}

func TestStore_AppendAssignsMonotonicIDs(t *testing.T) {
	s := openTestStore(t)

	ids, err := s.Append(context.Background(), []Event{newTestEvent("agent:1"), newTestEvent("agent:1")})
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Less(t, string(ids[0]), string(ids[1]))
}

func TestStore_AppendRejectsUnknownType(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Append(context.Background(), []Event{{
		StreamID: "agent:1",
		Type:     "NotARealType",
		Payload:  json.RawMessage(`{}`),
	}})
	assert.Error(t, err)
}

func TestStore_AppendRejectsEmptyPayload(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Append(context.Background(), []Event{{
		StreamID: "agent:1",
		Type:     TypeAgentRegistered,
	}})
	assert.Error(t, err)
}

func TestStore_OnCommitNotifiesInOrder(t *testing.T) {
	s := openTestStore(t)

	var seen []Event
	s.OnCommit(func(e Event) { seen = append(seen, e) })

	_, err := s.Append(context.Background(), []Event{newTestEvent("agent:1"), newTestEvent("agent:2")})
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.Equal(t, "agent:1", seen[0].StreamID)
	assert.Equal(t, "agent:2", seen[1].StreamID)
}

func TestStore_ReopenRecoversHashChain(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir, "node-a")
	require.NoError(t, err)
	_, err = s1.Append(context.Background(), []Event{newTestEvent("agent:1")})
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(dir, "node-a")
	require.NoError(t, err)
	defer s2.Close()

	ids, err := s2.Append(context.Background(), []Event{newTestEvent("agent:2")})
	require.NoError(t, err)
	require.Len(t, ids, 1)
}
