package dispatcher

import "context"

// ElicitFunc creates an expert elicitation for req and blocks until it is
// answered or expires, returning the response's approval and any free-text
// reason. It is supplied by bridge/elicitation at wiring time so this
// package does not need to import it directly.
type ElicitFunc func(ctx context.Context, req Request) (approved bool, reason string, err error)

// ExpertEscalator is the terminal tier: when memory, policy, and pattern all
// defer, it opens an elicitation with the expert pool and waits.
type ExpertEscalator struct {
	elicit ElicitFunc
}

// NewExpertEscalator builds an escalator around an elicitation-creating
// function.
func NewExpertEscalator(elicit ElicitFunc) *ExpertEscalator {
	return &ExpertEscalator{elicit: elicit}
}

func (e *ExpertEscalator) Escalate(ctx context.Context, req Request) (Decision, error) {
	approved, reason, err := e.elicit(ctx, req)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Approved: approved, Reason: reason}, nil
}
