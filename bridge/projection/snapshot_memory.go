package projection

import (
	"context"
	"encoding/json"

	"github.com/agentbridge/bridge/bridge/event"
	"github.com/agentbridge/bridge/infrastructure/state"
)

// MemorySnapshotStore is the single-node counterpart to
// PostgresSnapshotStore: a SnapshotStore for deployments that don't run a
// shared Postgres instance, backed by infrastructure/state's CAS-guarded
// in-process store instead of a hand-rolled map. A snapshot is still only
// an optimization — losing it on restart just means Bootstrap replays the
// full log instead of a snapshot-plus-tail.
type MemorySnapshotStore struct {
	backend *state.PersistentState
}

type memorySnapshotEnvelope struct {
	LastApplied event.ID        `json:"last_applied"`
	State       json.RawMessage `json:"state"`
}

// NewMemorySnapshotStore builds a SnapshotStore over a fresh in-process
// state.PersistentState.
func NewMemorySnapshotStore() (*MemorySnapshotStore, error) {
	backend, err := state.NewPersistentState(state.Config{
		Backend:   state.NewMemoryBackend(0),
		KeyPrefix: "projection-snapshot:",
	})
	if err != nil {
		return nil, err
	}
	return &MemorySnapshotStore{backend: backend}, nil
}

// Save stores the latest snapshot for projection, using CompareAndSwap
// against the previous value so concurrent snapshot attempts from the same
// projection never interleave into a corrupt write.
func (s *MemorySnapshotStore) Save(projection string, lastApplied event.ID, st json.RawMessage) error {
	raw, err := json.Marshal(memorySnapshotEnvelope{LastApplied: lastApplied, State: st})
	if err != nil {
		return err
	}

	ctx := context.Background()
	prior, loadErr := s.backend.Load(ctx, projection)
	if loadErr != nil {
		ok, err := s.backend.SaveIfAbsent(ctx, projection, raw)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		prior, loadErr = s.backend.Load(ctx, projection)
		if loadErr != nil {
			return loadErr
		}
	}

	if swapped, err := s.backend.CompareAndSwap(ctx, projection, prior, raw); err != nil {
		return err
	} else if swapped {
		return nil
	}
	// Lost the race to a concurrent Save; the loser's snapshot is strictly
	// older or identical in intent, so there is nothing to retry.
	return nil
}

// Load fetches the latest snapshot for projection, if one exists.
func (s *MemorySnapshotStore) Load(projection string) (event.ID, json.RawMessage, bool, error) {
	raw, err := s.backend.Load(context.Background(), projection)
	if err == state.ErrNotFound {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, err
	}
	var env memorySnapshotEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, false, err
	}
	return env.LastApplied, env.State, true, nil
}
