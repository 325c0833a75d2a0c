package subscription

import (
	"github.com/agentbridge/bridge/bridge/event"
)

// Cursor tracks the last event ID a consumer has durably observed, so it can
// hand that ID back (e.g. as an HTTP Last-Event-ID header) to resume exactly
// where it left off after a reconnect.
type Cursor struct {
	last event.ID
}

// NewCursor starts a cursor at an optional known position (empty to start
// from the beginning of the stream).
func NewCursor(last event.ID) *Cursor {
	return &Cursor{last: last}
}

// Advance records id as observed, if it is newer than what is tracked.
func (c *Cursor) Advance(id event.ID) {
	if event.Less(c.last, id) {
		c.last = id
	}
}

// Value returns the current position.
func (c *Cursor) Value() event.ID { return c.last }

// FilterFrom returns a copy of filter scoped to resume after this cursor.
func (c *Cursor) FilterFrom(filter event.Filter) event.Filter {
	filter.Since = c.last
	return filter
}
