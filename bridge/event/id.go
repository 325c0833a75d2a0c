package event

import (
	"fmt"
	"sync"
	"time"
)

// ID is a totally-ordered, globally unique event identifier built from a
// hybrid logical clock: wall-clock nanoseconds, a same-nanosecond sequence
// counter, and a node identifier for tie-breaking across writers. IDs compare
// correctly with plain string comparison because each field is fixed-width
// and zero-padded.
type ID string

// Clock generates monotonically increasing IDs for a single writer. A writer
// must use exactly one Clock; concurrent goroutines appending through the
// same store share its Clock under a mutex.
type Clock struct {
	mu     sync.Mutex
	nodeID string
	lastNS int64
	seq    uint32
}

// NewClock constructs a Clock scoped to nodeID, which should be stable for
// the lifetime of a single store (e.g. a hostname or instance UUID).
func NewClock(nodeID string) *Clock {
	return &Clock{nodeID: nodeID}
}

// Next returns the next ID. If called again within the same wall-clock
// nanosecond it increments the sequence counter instead of reusing a
// timestamp, which preserves total order even under clock regression: the
// effective timestamp never moves backward relative to the previous ID, only
// the sequence resets when the clock moves forward again.
func (c *Clock) Next() ID {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UnixNano()
	if now <= c.lastNS {
		c.seq++
		now = c.lastNS
	} else {
		c.lastNS = now
		c.seq = 0
	}

	return ID(fmt.Sprintf("%020d.%010d.%s", now, c.seq, c.nodeID))
}

// Less reports whether id a sorts strictly before id b. Since IDs are
// fixed-width zero-padded decimal fields, plain string comparison already
// gives the correct order; Less exists for call-site clarity.
func Less(a, b ID) bool {
	return a < b
}
