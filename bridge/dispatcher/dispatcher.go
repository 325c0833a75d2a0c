// Package dispatcher implements the speed-layer: a tiered validator that
// answers most requests from an in-memory cache or a compiled policy, falls
// back to a pattern classifier, and only escalates to a human/expert
// elicitation when no tier can decide with sufficient confidence.
package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentbridge/bridge/bridge/event"
	"github.com/agentbridge/bridge/infrastructure/errors"
	"github.com/agentbridge/bridge/infrastructure/logging"
	"github.com/agentbridge/bridge/infrastructure/metrics"
)

// Decision is the outcome of dispatching one validation request.
type Decision struct {
	Approved  bool
	DecidedBy string // "memory", "policy", "pattern", or "expert"
	Reason    string
	Latency   time.Duration
}

// Request is one validation request entering the speed layer.
type Request struct {
	Fingerprint string // stable cache key, e.g. hash of (agent, operation, params)
	Operation   string
	Agent       string
	Params      map[string]interface{}
}

// Tier is one stage of the dispatcher. A tier either decides (ok=true) or
// defers to the next tier (ok=false). A tier must never block longer than
// its configured budget; callers enforce that with a context deadline.
type Tier interface {
	Name() string
	Evaluate(ctx context.Context, req Request) (decision Decision, ok bool, err error)
}

// Escalator creates an elicitation when every tier defers.
type Escalator interface {
	Escalate(ctx context.Context, req Request) (Decision, error)
}

// Dispatcher runs a request through tiers in order and escalates if none
// decide. It is the only component on the hot path that must meet the
// end-to-end latency budget.
type Dispatcher struct {
	tiers     []Tier
	escalator Escalator
	logger    *logging.Logger
	budget    time.Duration
	coalescer *Coalescer
	store     *event.Store
	metrics   *metrics.Metrics
}

// UseMetrics attaches a Prometheus metrics sink; every decision reached is
// then recorded against it by deciding tier and outcome. Optional.
func (d *Dispatcher) UseMetrics(m *metrics.Metrics) {
	d.metrics = m
}

// New builds a dispatcher over tiers, evaluated in the given order
// (typically memory, policy, pattern). Concurrent requests sharing the same
// fingerprint are coalesced into a single tier pass. Every decision reached,
// regardless of which tier or the escalator decided it, is appended to store
// as a ValidationDecided event carrying the full tier trace; store may be
// nil in tests that don't need the audit trail.
func New(tiers []Tier, escalator Escalator, budget time.Duration, store *event.Store, logger *logging.Logger) *Dispatcher {
	if budget <= 0 {
		budget = 100 * time.Millisecond
	}
	return &Dispatcher{tiers: tiers, escalator: escalator, budget: budget, logger: logger, store: store, coalescer: NewCoalescer()}
}

// tierTraceEntry records one tier's verdict during a single dispatch pass,
// so the resulting ValidationDecided event shows not just who decided but
// what every earlier tier said.
type tierTraceEntry struct {
	Tier     string `json:"tier"`
	Deferred bool   `json:"deferred"`
	Error    string `json:"error,omitempty"`
}

type validationDecidedPayload struct {
	Fingerprint string            `json:"fingerprint"`
	Operation   string            `json:"operation"`
	Agent       string            `json:"agent"`
	DecidedBy   string            `json:"decided_by"`
	Approved    bool              `json:"approved"`
	Reason      string            `json:"reason,omitempty"`
	LatencyMS   int64             `json:"latency_ms"`
	TierTrace   []tierTraceEntry  `json:"tier_trace"`
}

// Dispatch evaluates req against each tier in order, returning the first
// decision reached. If no tier decides within budget, it escalates.
// Concurrent callers with the same fingerprint share a single pass.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Decision, error) {
	return d.coalescer.Do(ctx, req.Fingerprint, func() (Decision, error) {
		return d.dispatch(ctx, req)
	})
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) (Decision, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, d.budget)
	defer cancel()

	var trace []tierTraceEntry

	for _, tier := range d.tiers {
		decision, ok, err := tier.Evaluate(ctx, req)
		if err != nil {
			trace = append(trace, tierTraceEntry{Tier: tier.Name(), Deferred: true, Error: err.Error()})
			if d.logger != nil {
				d.logger.WithField("tier", tier.Name()).WithField("fingerprint", req.Fingerprint).
					Error("tier evaluation error: " + err.Error())
			}
			continue
		}
		if ok {
			decision.DecidedBy = tier.Name()
			decision.Latency = time.Since(start)
			trace = append(trace, tierTraceEntry{Tier: tier.Name(), Deferred: false})
			if d.logger != nil {
				d.logger.LogSpeedLayerDecision(ctx, req.Fingerprint, decision.DecidedBy, decisionLabel(decision), decision.Latency)
			}
			d.recordDecision(ctx, req, decision, trace)
			return decision, nil
		}
		trace = append(trace, tierTraceEntry{Tier: tier.Name(), Deferred: true})
	}

	if d.escalator == nil {
		return Decision{}, errors.Unavailable("no tier decided and no escalator configured")
	}

	decision, err := d.escalator.Escalate(ctx, req)
	decision.Latency = time.Since(start)
	if err != nil {
		return decision, err
	}
	decision.DecidedBy = "expert"
	trace = append(trace, tierTraceEntry{Tier: "expert", Deferred: false})
	if d.logger != nil {
		d.logger.LogSpeedLayerDecision(ctx, req.Fingerprint, "expert", decisionLabel(decision), decision.Latency)
	}
	d.recordDecision(ctx, req, decision, trace)
	return decision, nil
}

// recordDecision appends the ValidationDecided event that gives every speed-
// layer verdict an entry in the audit log, regardless of which tier (or the
// expert escalator) reached it. Best-effort: an append failure here must not
// fail the decision already returned to the caller.
func (d *Dispatcher) recordDecision(ctx context.Context, req Request, decision Decision, trace []tierTraceEntry) {
	if d.metrics != nil {
		d.metrics.RecordSpeedLayerDecision("dispatcher", decision.DecidedBy, decision.Approved)
	}
	if d.store == nil {
		return
	}
	payload, err := json.Marshal(validationDecidedPayload{
		Fingerprint: req.Fingerprint,
		Operation:   req.Operation,
		Agent:       req.Agent,
		DecidedBy:   decision.DecidedBy,
		Approved:    decision.Approved,
		Reason:      decision.Reason,
		LatencyMS:   decision.Latency.Milliseconds(),
		TierTrace:   trace,
	})
	if err != nil {
		return
	}
	streamID := "dispatch:" + req.Fingerprint
	_, _ = d.store.Append(ctx, []event.Event{{
		StreamID: streamID,
		Type:     event.TypeValidationDecided,
		Payload:  payload,
	}})
}

func decisionLabel(d Decision) string {
	if d.Approved {
		return "approved"
	}
	return "denied"
}
