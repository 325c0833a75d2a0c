package projection

import (
	"encoding/json"

	"github.com/agentbridge/bridge/bridge/event"
)

// SnapshotStore persists periodic point-in-time captures of a projection's
// folded state, so Bootstrap can start from a recent snapshot plus a short
// tail replay instead of reading the entire log from genesis.
type SnapshotStore interface {
	Save(projection string, lastApplied event.ID, state json.RawMessage) error
	Load(projection string) (lastApplied event.ID, state json.RawMessage, found bool, err error)
}

// BootstrapFromSnapshot is an alternative to Engine.Bootstrap that seeds the
// projection from the most recent snapshot (if any) and then replays only
// the tail of the log committed after it.
func (e *Engine) BootstrapFromSnapshot(store SnapshotStore, decode func(json.RawMessage) (interface{}, error)) error {
	lastApplied, raw, found, err := store.Load(e.name)
	if err != nil {
		return err
	}
	if found {
		state, err := decode(raw)
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.state = state
		e.lastApplied = lastApplied
		e.mu.Unlock()
	}

	tailFilter := e.filter
	tailFilter.Since = lastApplied
	tail, err := e.store.ReadAll(tailFilter)
	if err != nil {
		return err
	}
	for _, ev := range tail {
		if err := e.foldLocked(ev); err != nil {
			return err
		}
	}
	e.store.OnCommit(e.onCommit)
	return nil
}

// Snapshot captures the current state for SnapshotStore.Save. encode
// marshals the projection's internal state representation.
func (e *Engine) Snapshot(encode func(interface{}) (json.RawMessage, error)) (event.ID, json.RawMessage, error) {
	e.mu.RLock()
	state := e.state
	lastApplied := e.lastApplied
	e.mu.RUnlock()
	raw, err := encode(state)
	return lastApplied, raw, err
}
