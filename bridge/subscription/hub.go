// Package subscription fans out committed events to live subscribers with
// bounded buffers and lag detection, and lets a subscriber resume from a
// cursor by replaying the log instead of ever blocking the writer.
package subscription

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/agentbridge/bridge/bridge/event"
	"github.com/agentbridge/bridge/infrastructure/logging"
	"github.com/agentbridge/bridge/pkg/pgnotify"
)

// DefaultBufferSize is the per-subscriber bounded channel capacity.
const DefaultBufferSize = 256

// Subscription is a live, filtered view of the log's commit stream.
type Subscription struct {
	id       string
	filter   event.Filter
	ch       chan event.Event
	lagged   int32 // atomic bool: 1 once this subscriber has dropped events
	closed   chan struct{}
	closeOne sync.Once
}

// Events returns the channel of delivered events. It is closed when the
// subscription is cancelled.
func (s *Subscription) Events() <-chan event.Event { return s.ch }

// Lagged reports whether this subscriber has fallen behind and had events
// dropped. A lagged subscriber should resume from its last seen ID via
// Hub.Resume rather than continuing to read Events().
func (s *Subscription) Lagged() bool { return atomic.LoadInt32(&s.lagged) == 1 }

// ID returns the subscription's opaque identifier.
func (s *Subscription) ID() string { return s.id }

func (s *Subscription) close() {
	s.closeOne.Do(func() { close(s.closed) })
}

// Hub is the fan-out point for one Store. Construct one Hub per store; New
// registers the Hub's publish method with store.OnCommit.
type Hub struct {
	store  *event.Store
	logger *logging.Logger

	mu   sync.RWMutex
	subs map[string]*Subscription
	next uint64

	relay       *pgnotify.Bus
	relayChan   string
	relayNodeID string
}

// New builds a Hub over store. It wires itself as the store's commit
// notifier, so construct the Hub after the store is open and before serving
// any subscribers.
func New(store *event.Store, logger *logging.Logger) *Hub {
	h := &Hub{store: store, logger: logger, subs: make(map[string]*Subscription)}
	store.OnCommit(h.publish)
	return h
}

// Subscribe registers a new live subscription matching filter. The returned
// Subscription must be cancelled via Hub.Cancel when the caller is done.
func (h *Hub) Subscribe(filter event.Filter) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	sub := &Subscription{
		id:     idFor(h.next),
		filter: filter,
		ch:     make(chan event.Event, DefaultBufferSize),
		closed: make(chan struct{}),
	}
	h.subs[sub.id] = sub
	return sub
}

// Cancel removes a subscription and closes its channel.
func (h *Hub) Cancel(sub *Subscription) {
	h.mu.Lock()
	delete(h.subs, sub.id)
	h.mu.Unlock()
	sub.close()
	close(sub.ch)
}

// publish is called synchronously by the store after every commit. It must
// never block: a full subscriber buffer marks that subscriber lagged and
// drops the event rather than stall the writer or other subscribers.
func (h *Hub) publish(ev event.Event) {
	h.deliverLocal(ev)
	h.relayOut(ev)
}

func (h *Hub) deliverLocal(ev event.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.filter.Matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			if atomic.CompareAndSwapInt32(&sub.lagged, 0, 1) {
				if h.logger != nil {
					h.logger.WithField("subscription", sub.id).Warn("subscriber buffer full, marking lagged")
				}
			}
		}
	}
}

// UseRelay makes this Hub's commits visible to other gateway instances that
// don't hold this node's event.Store file directly: every event this node
// commits is also published on the given PostgreSQL NOTIFY channel, and
// every event another node publishes on it is fanned out to this Hub's local
// subscribers. nodeID must match the ID this Hub's own store commits under
// (event.Metadata.Node), so an event this node relays out is never
// re-delivered to itself when the notification echoes back from Postgres.
func (h *Hub) UseRelay(bus *pgnotify.Bus, channel, nodeID string) error {
	h.mu.Lock()
	h.relay = bus
	h.relayChan = channel
	h.relayNodeID = nodeID
	h.mu.Unlock()

	return bus.Subscribe(channel, func(_ context.Context, msg pgnotify.Event) error {
		var ev event.Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			if h.logger != nil {
				h.logger.WithField("channel", channel).Warn("relay: undecodable event: " + err.Error())
			}
			return nil
		}
		if ev.Metadata.Node == nodeID {
			return nil // our own commit echoing back from Postgres
		}
		h.deliverLocal(ev)
		return nil
	})
}

func (h *Hub) relayOut(ev event.Event) {
	h.mu.RLock()
	bus, channel, nodeID := h.relay, h.relayChan, h.relayNodeID
	h.mu.RUnlock()
	if bus == nil || ev.Metadata.Node != nodeID {
		return
	}
	if err := bus.Publish(context.Background(), channel, ev); err != nil && h.logger != nil {
		h.logger.WithField("channel", channel).Warn("relay: publish failed: " + err.Error())
	}
}

// Resume replays the log from the given cursor (exclusive) and delivers
// matching events to fn, in order, without touching the live subscriber
// fan-out. Callers typically call Resume after detecting Lagged(), then
// re-Subscribe once caught up to avoid missing events in the gap between
// the replay finishing and the new live subscription starting; in practice
// callers re-subscribe first, note the new subscription's first delivered
// ID as the upper bound, then Resume up to (but not re-delivering) that ID.
func (h *Hub) Resume(ctx context.Context, filter event.Filter, fn func(event.Event) bool) error {
	return h.store.Read(filter, func(ev event.Event) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		return fn(ev)
	})
}

func idFor(n uint64) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	if n == 0 {
		return "0"
	}
	buf := make([]byte, 0, 16)
	for n > 0 {
		buf = append(buf, alphabet[n%uint64(len(alphabet))])
		n /= uint64(len(alphabet))
	}
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return "sub-" + string(buf)
}
