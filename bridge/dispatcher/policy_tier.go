package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// Policy is one declarative rule: a short JavaScript expression
// evaluated against the request, returning a boolean (approve) or
// undefined (defer to the next tier).
type Policy struct {
	Operation string
	Name      string
	Source    string // JS expression, e.g. "params.amount < 1000"
}

// PolicyTier evaluates policies in a sandboxed goja runtime. Each
// call gets a fresh runtime scoped to the request so one request can never
// observe another's globals; a 20ms wall-clock budget, enforced with
// vm.Interrupt, bounds runaway scripts.
type PolicyTier struct {
	mu       sync.RWMutex
	byOp     map[string][]Policy
	putCache func(fingerprint string, d Decision)
}

// NewPolicyTier builds a policy tier from an initial rule set.
func NewPolicyTier(policies []Policy, putCache func(string, Decision)) *PolicyTier {
	t := &PolicyTier{byOp: make(map[string][]Policy), putCache: putCache}
	t.Replace(policies)
	return t
}

func (t *PolicyTier) Name() string { return "policy" }

// Replace swaps the entire rule set atomically, used when a PolicyUpdated
// event is folded into the policy projection.
func (t *PolicyTier) Replace(policies []Policy) {
	byOp := make(map[string][]Policy)
	for _, p := range policies {
		byOp[p.Operation] = append(byOp[p.Operation], p)
	}
	t.mu.Lock()
	t.byOp = byOp
	t.mu.Unlock()
}

// Evaluate runs every policy registered for req.Operation in order; the
// first one that returns a definite boolean decides.
func (t *PolicyTier) Evaluate(ctx context.Context, req Request) (Decision, bool, error) {
	t.mu.RLock()
	policies := t.byOp[req.Operation]
	t.mu.RUnlock()

	for _, p := range policies {
		approved, decided, err := t.run(ctx, p, req)
		if err != nil {
			return Decision{}, false, fmt.Errorf("dispatcher: policy %s: %w", p.Name, err)
		}
		if decided {
			d := Decision{Approved: approved, Reason: "policy:" + p.Name}
			if t.putCache != nil {
				t.putCache(req.Fingerprint, d)
			}
			return d, true, nil
		}
	}
	return Decision{}, false, nil
}

func (t *PolicyTier) run(ctx context.Context, p Policy, req Request) (approved bool, decided bool, err error) {
	vm := goja.New()

	deadline := time.Now().Add(20 * time.Millisecond)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-time.After(time.Until(deadline)):
			vm.Interrupt("policy evaluation exceeded its time budget")
		case <-done:
		}
	}()

	if err := vm.Set("operation", req.Operation); err != nil {
		return false, false, err
	}
	if err := vm.Set("agent", req.Agent); err != nil {
		return false, false, err
	}
	if err := vm.Set("params", req.Params); err != nil {
		return false, false, err
	}

	val, err := vm.RunString(p.Source)
	if err != nil {
		return false, false, err
	}
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return false, false, nil
	}
	return val.ToBoolean(), true, nil
}
