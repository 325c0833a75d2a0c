package auth

import (
	"sync"

	"golang.org/x/time/rate"

	kernelerrors "github.com/agentbridge/bridge/infrastructure/errors"
)

// OperationClass groups operations that share a token bucket, e.g. all
// event appends share a budget separate from all elicitation creations.
type OperationClass string

// ClassLimit configures the bucket for one operation class.
type ClassLimit struct {
	RequestsPerSecond float64
	Burst             int
}

// RateLimiter enforces a per-agent, per-operation-class token bucket. Each
// bucket is created lazily on first use and never proactively refilled by a
// background goroutine; golang.org/x/time/rate computes the available
// tokens from elapsed wall-clock time on each Allow call.
type RateLimiter struct {
	mu       sync.Mutex
	limits   map[OperationClass]ClassLimit
	limiters map[OperationClass]map[string]*rate.Limiter
}

// NewRateLimiter builds a limiter configured with per-class budgets.
func NewRateLimiter(limits map[OperationClass]ClassLimit) *RateLimiter {
	return &RateLimiter{
		limits:   limits,
		limiters: make(map[OperationClass]map[string]*rate.Limiter),
	}
}

func (r *RateLimiter) bucket(class OperationClass, agentID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	perAgent, ok := r.limiters[class]
	if !ok {
		perAgent = make(map[string]*rate.Limiter)
		r.limiters[class] = perAgent
	}
	limiter, ok := perAgent[agentID]
	if !ok {
		cfg := r.limits[class]
		if cfg.RequestsPerSecond <= 0 {
			cfg.RequestsPerSecond = 10
		}
		if cfg.Burst <= 0 {
			cfg.Burst = int(cfg.RequestsPerSecond)
			if cfg.Burst == 0 {
				cfg.Burst = 1
			}
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
		perAgent[agentID] = limiter
	}
	return limiter
}

// Allow reports whether agentID may perform one more operation of class,
// consuming a token if so.
func (r *RateLimiter) Allow(class OperationClass, agentID string) bool {
	return r.bucket(class, agentID).Allow()
}

// Check returns a KernelError ready to surface to the caller when the
// budget is exhausted, or nil when the operation is allowed.
func (r *RateLimiter) Check(class OperationClass, agentID string) error {
	if r.Allow(class, agentID) {
		return nil
	}
	return kernelerrors.RateLimited(string(class), "1s")
}

// Reset drops every tracked bucket, used by tests and by operational reset
// endpoints. It is never called on a timer.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters = make(map[OperationClass]map[string]*rate.Limiter)
}

// Cleanup bounds memory by dropping all buckets once the tracked agent count
// crosses a threshold, mirroring the gateway's existing rate limiter
// behavior. Call periodically from an operational sweep, not a hot path.
func (r *RateLimiter) Cleanup(maxTrackedAgents int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for class, perAgent := range r.limiters {
		if len(perAgent) > maxTrackedAgents {
			r.limiters[class] = make(map[string]*rate.Limiter)
		}
	}
}

// String implements fmt.Stringer for log messages.
func (c OperationClass) String() string { return string(c) }
