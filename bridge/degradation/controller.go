// Package degradation implements the kernel's own health state machine:
// NORMAL, EMERGENCY, and RECOVERING, driven by write-latency and backlog
// signals rather than external request failures.
package degradation

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/agentbridge/bridge/bridge/event"
	kernelerrors "github.com/agentbridge/bridge/infrastructure/errors"
	"github.com/agentbridge/bridge/infrastructure/logging"
	"github.com/agentbridge/bridge/infrastructure/metrics"
)

// State is one of the controller's three states.
type State int

const (
	StateNormal State = iota
	StateEmergency
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateEmergency:
		return "emergency"
	case StateRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// Config configures the thresholds that drive state transitions.
type Config struct {
	// LatencyThreshold is the write-latency sample above which a breach is
	// recorded.
	LatencyThreshold time.Duration
	// BacklogThreshold is the event-log queue depth above which a breach is
	// recorded.
	BacklogThreshold int
	// BreachesToEmergency is how many consecutive breaches move NORMAL ->
	// EMERGENCY.
	BreachesToEmergency int
	// RecoveryWindow is the minimum time the controller must spend in
	// RECOVERING before ConfirmRecovered may return it to NORMAL. A value
	// <= 0 selects the 30s default.
	RecoveryWindow time.Duration
	// CleanSamplesToRecover is how many consecutive clean samples while
	// RECOVERING are required before returning to NORMAL.
	CleanSamplesToRecover int
	OnStateChange         func(from, to State, reason string)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		LatencyThreshold:      150 * time.Millisecond,
		BacklogThreshold:      5000,
		BreachesToEmergency:   3,
		RecoveryWindow:        30 * time.Second,
		CleanSamplesToRecover: 5,
	}
}

// Controller tracks system health and exposes the current degradation
// state. Components (the gateway, the dispatcher) consult State() to decide
// whether to shed load or require stricter elicitation fallback.
type Controller struct {
	mu          sync.RWMutex
	cfg         Config
	state       State
	breaches    int
	cleanStreak int
	enteredAt   time.Time
	logger      *logging.Logger
	store       *event.Store
	metrics     *metrics.Metrics
}

// UseMetrics attaches a Prometheus metrics sink; every transition's resulting
// state is then recorded against it as a gauge. Optional.
func (c *Controller) UseMetrics(m *metrics.Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// degradationStateValue maps a State to the numeric scale the
// degradation_state gauge publishes: 0=normal, 1=recovering, 2=emergency.
func degradationStateValue(s State) float64 {
	switch s {
	case StateRecovering:
		return 1
	case StateEmergency:
		return 2
	default:
		return 0
	}
}

// New builds a controller in the NORMAL state. store receives a
// SystemDegraded/SystemRecovering/SystemRecovered event on every transition;
// it may be nil in tests that don't need the audit trail.
func New(cfg Config, store *event.Store, logger *logging.Logger) *Controller {
	if cfg.BreachesToEmergency <= 0 {
		cfg.BreachesToEmergency = 3
	}
	if cfg.CleanSamplesToRecover <= 0 {
		cfg.CleanSamplesToRecover = 5
	}
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = 30 * time.Second
	}
	return &Controller{cfg: cfg, state: StateNormal, logger: logger, store: store, enteredAt: time.Now()}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Observe records one health sample (a write latency and a backlog depth)
// and applies the automatic transition rules: NORMAL -> EMERGENCY on a
// sustained breach, and RECOVERING -> EMERGENCY if signals regress during
// the recovery window. Both move the system INTO a more severe state and
// need no operator involvement. The reverse transitions, EMERGENCY ->
// RECOVERING and RECOVERING -> NORMAL, are never automatic: they require an
// operator to call RequestRecovery / ConfirmRecovered.
func (c *Controller) Observe(latency time.Duration, backlog int) {
	breached := latency > c.cfg.LatencyThreshold || backlog > c.cfg.BacklogThreshold

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateNormal:
		if breached {
			c.breaches++
			if c.breaches >= c.cfg.BreachesToEmergency {
				c.transition(context.Background(), StateEmergency, "breach threshold exceeded")
			}
		} else {
			c.breaches = 0
		}
	case StateEmergency:
		// Clean signals alone are not enough to leave EMERGENCY; an
		// operator must call RequestRecovery once the root cause is
		// addressed.
	case StateRecovering:
		if breached {
			c.transition(context.Background(), StateEmergency, "regressed during recovery window")
			return
		}
		c.cleanStreak++
	}
}

// RequestRecovery moves the controller from EMERGENCY to RECOVERING. It is
// the explicit operator action §4.7 requires after the failure's root cause
// has been addressed; reason should record that justification for the audit
// trail. Called only after the caller has checked the operator holds the
// admin:degrade capability.
func (c *Controller) RequestRecovery(ctx context.Context, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateEmergency {
		return kernelerrors.InvalidInput("state", "RequestRecovery is only valid from emergency")
	}
	c.transition(ctx, StateRecovering, reason)
	return nil
}

// ConfirmRecovered moves the controller from RECOVERING to NORMAL. It
// requires both a satisfied recovery window of clean samples and the
// explicit operator confirmation §4.7 calls "full health check passes and
// explicit operator approval" — Observe alone never makes this transition.
func (c *Controller) ConfirmRecovered(ctx context.Context, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRecovering {
		return kernelerrors.InvalidInput("state", "ConfirmRecovered is only valid from recovering")
	}
	if c.cleanStreak < c.cfg.CleanSamplesToRecover || time.Since(c.enteredAt) < c.cfg.RecoveryWindow {
		return kernelerrors.InvalidInput("state", "recovery window not yet satisfied")
	}
	c.transition(ctx, StateNormal, reason)
	return nil
}

func (c *Controller) transition(ctx context.Context, to State, reason string) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.breaches = 0
	c.cleanStreak = 0
	c.enteredAt = time.Now()

	if c.logger != nil {
		c.logger.LogDegradationTransition(ctx, from.String(), to.String(), reason)
	}
	if c.metrics != nil {
		c.metrics.SetDegradationState("degradation", degradationStateValue(to))
	}
	c.appendTransitionEvent(ctx, from, to, reason)
	if c.cfg.OnStateChange != nil {
		go c.cfg.OnStateChange(from, to, reason)
	}
}

type degradationEventPayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// appendTransitionEvent records the transition on the log as the type §4.7
// names for its destination state, so every subscriber watching the log
// (not just the in-process OnStateChange hook) sees degradation changes.
func (c *Controller) appendTransitionEvent(ctx context.Context, from, to State, reason string) {
	if c.store == nil {
		return
	}
	var typ event.Type
	switch to {
	case StateEmergency:
		typ = event.TypeSystemDegraded
	case StateRecovering:
		typ = event.TypeSystemRecovering
	case StateNormal:
		typ = event.TypeSystemRecovered
	default:
		return
	}
	payload, err := json.Marshal(degradationEventPayload{From: from.String(), To: to.String(), Reason: reason})
	if err != nil {
		return
	}
	_, _ = c.store.Append(ctx, []event.Event{{
		StreamID: "system:degradation",
		Type:     typ,
		Payload:  payload,
	}})
}
