package pipeline

import (
	"context"

	"github.com/tributary-ai/aicentral-gateway/internal/types"
)

// Executor runs one request through an ordered list of steps and then the
// endpoint selector. It holds per-request state and must not be reused.
type Executor struct {
	steps    []Step
	selector EndpointSelector

	// reached is the number of steps that have been entered
	reached     int
	selectorRan bool
}

// NewExecutor creates an executor for a single request
func NewExecutor(steps []Step, selector EndpointSelector) *Executor {
	return &Executor{
		steps:    steps,
		selector: selector,
	}
}

// Run starts the chain at the first step
func (e *Executor) Run(ctx context.Context, req *types.Request, call *types.IncomingCallDetails) (*types.DownstreamResponse, error) {
	return e.nextAt(0)(ctx, req, call)
}

// nextAt returns the continuation bound to the step at index
func (e *Executor) nextAt(index int) Next {
	return func(ctx context.Context, req *types.Request, call *types.IncomingCallDetails) (*types.DownstreamResponse, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if index < len(e.steps) {
			if index+1 > e.reached {
				e.reached = index + 1
			}
			return e.steps[index].Handle(ctx, req, call, e.nextAt(index+1))
		}

		if e.selector == nil {
			return nil, ErrNoSelector
		}
		e.selectorRan = true
		return e.selector.Handle(ctx, req, call, true)
	}
}

// EnteredSteps returns the steps that were invoked, in configured order
func (e *Executor) EnteredSteps() []Step {
	return e.steps[:e.reached]
}

// SelectorRan reports whether the chain reached the endpoint selector
func (e *Executor) SelectorRan() bool {
	return e.selectorRan
}
