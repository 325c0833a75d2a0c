// Package projection maintains read-optimized, eventually-consistent views
// built by deterministic replay of the event log. Each projection owns one
// aggregate family and exposes read-your-writes via AwaitID.
package projection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentbridge/bridge/bridge/event"
	"github.com/agentbridge/bridge/infrastructure/logging"
	"github.com/agentbridge/bridge/infrastructure/metrics"
)

// Apply folds one event into a projection's in-memory state. It must be a
// pure function of (state, event) -> state; the same event replayed twice
// from the same starting state must produce the same result.
type Apply func(state interface{}, e event.Event) (interface{}, error)

// Engine drives a single projection: it tails the log (via the store's
// commit notifications; there is no periodic catch-up read), applies events in order,
// and lets callers block until a specific event ID has been folded in.
type Engine struct {
	name    string
	store   *event.Store
	filter  event.Filter
	apply   Apply
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu          sync.RWMutex
	state       interface{}
	lastApplied event.ID

	waitMu  sync.Mutex
	waiters map[event.ID][]chan struct{}
}

// New constructs a projection engine. initial is the zero state for the
// aggregate family (e.g. an empty map).
func New(name string, store *event.Store, filter event.Filter, apply Apply, initial interface{}, logger *logging.Logger) *Engine {
	return &Engine{
		name:    name,
		store:   store,
		filter:  filter,
		apply:   apply,
		logger:  logger,
		state:   initial,
		waiters: make(map[event.ID][]chan struct{}),
	}
}

// UseMetrics attaches a Prometheus metrics sink; each fold's duration is
// then recorded against it. Optional — a projection with no metrics sink
// folds exactly as before.
func (e *Engine) UseMetrics(m *metrics.Metrics) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics = m
}

// Bootstrap replays the entire matching log history synchronously, then
// subscribes to future commits. Call this once before serving reads.
func (e *Engine) Bootstrap(ctx context.Context) error {
	events, err := e.store.ReadAll(e.filter)
	if err != nil {
		return fmt.Errorf("projection %s: bootstrap read: %w", e.name, err)
	}
	for _, ev := range events {
		if err := e.foldLocked(ev); err != nil {
			return fmt.Errorf("projection %s: bootstrap apply %s: %w", e.name, ev.ID, err)
		}
	}
	e.store.OnCommit(e.onCommit)
	return nil
}

// onCommit is invoked by the store synchronously after each durable append.
// It must not block; folding is cheap in-memory work.
func (e *Engine) onCommit(ev event.Event) {
	if !e.matchesOrdered(ev) {
		return
	}
	if err := e.foldLocked(ev); err != nil && e.logger != nil {
		e.logger.WithField("projection", e.name).WithField("event_id", string(ev.ID)).
			Error("projection apply failed: " + err.Error())
	}
}

func (e *Engine) matchesOrdered(ev event.Event) bool {
	f := e.filter
	f.Since = "" // onCommit sees events strictly in commit order already
	return f.Matches(ev)
}

func (e *Engine) foldLocked(ev event.Event) error {
	start := time.Now()
	e.mu.Lock()
	next, err := e.apply(e.state, ev)
	if err == nil {
		e.state = next
		e.lastApplied = ev.ID
	}
	m := e.metrics
	e.mu.Unlock()
	if m != nil {
		m.RecordProjectionFold("projection", e.name, time.Since(start))
	}
	if err != nil {
		return err
	}
	e.wakeWaiters(ev.ID)
	return nil
}

// State returns the current folded state. Callers must type-assert.
func (e *Engine) State() interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// LastApplied returns the ID of the most recently folded event.
func (e *Engine) LastApplied() event.ID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastApplied
}

// AwaitID blocks until id has been folded into the projection or ctx expires.
// This gives callers read-your-writes: after an Append returns an ID, the
// caller can AwaitID that same ID before issuing a dependent read.
func (e *Engine) AwaitID(ctx context.Context, id event.ID) error {
	e.mu.RLock()
	caughtUp := !event.Less(e.lastApplied, id) // lastApplied >= id
	e.mu.RUnlock()
	if caughtUp {
		return nil
	}

	ch := make(chan struct{})
	e.waitMu.Lock()
	e.waiters[id] = append(e.waiters[id], ch)
	e.waitMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) wakeWaiters(upTo event.ID) {
	e.waitMu.Lock()
	defer e.waitMu.Unlock()
	for id, chans := range e.waiters {
		if event.Less(upTo, id) {
			continue
		}
		for _, ch := range chans {
			close(ch)
		}
		delete(e.waiters, id)
	}
}

// AwaitTimeout is a convenience wrapper around AwaitID with a fixed budget,
// matching the gateway's read-your-writes latency contract.
func (e *Engine) AwaitTimeout(id event.ID, d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return e.AwaitID(ctx, id)
}
