package projection

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbridge/bridge/bridge/event"
)

type counterState struct{ count int }

func countingApply(state interface{}, e event.Event) (interface{}, error) {
	s, _ := state.(counterState)
	s.count++
	return s, nil
}

func openTestStore(t *testing.T) *event.Store {
	t.Helper()
	s, err := event.Open(t.TempDir(), "test-node")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testEvent(streamID string) event.Event {
	return event.Event{
		StreamID: streamID,
		Type:     event.TypeAgentRegistered,
		Payload:  json.RawMessage(`{}`),
	}
}

func TestEngine_BootstrapFoldsExistingHistory(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Append(context.Background(), []event.Event{testEvent("agent:1"), testEvent("agent:2")})
	require.NoError(t, err)

	engine := New("counter", store, event.Filter{}, countingApply, counterState{}, nil)
	require.NoError(t, engine.Bootstrap(context.Background()))

	assert.Equal(t, 2, engine.State().(counterState).count)
}

func TestEngine_OnCommitFoldsNewEvents(t *testing.T) {
	store := openTestStore(t)
	engine := New("counter", store, event.Filter{}, countingApply, counterState{}, nil)
	require.NoError(t, engine.Bootstrap(context.Background()))

	_, err := store.Append(context.Background(), []event.Event{testEvent("agent:1")})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return engine.State().(counterState).count == 1
	}, time.Second, time.Millisecond)
}

func TestEngine_AwaitIDUnblocksOnceFolded(t *testing.T) {
	store := openTestStore(t)
	engine := New("counter", store, event.Filter{}, countingApply, counterState{}, nil)
	require.NoError(t, engine.Bootstrap(context.Background()))

	ids, err := store.Append(context.Background(), []event.Event{testEvent("agent:1")})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, engine.AwaitID(ctx, ids[0]))
}

func TestEngine_AwaitIDTimesOutIfNeverFolded(t *testing.T) {
	store := openTestStore(t)
	engine := New("counter", store, event.Filter{}, countingApply, counterState{}, nil)
	require.NoError(t, engine.Bootstrap(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := engine.AwaitID(ctx, event.ID("99999999999999999999.0000000000.never"))
	assert.Error(t, err)
}
