package routing

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/aicentral-gateway/internal/clock"
	"github.com/tributary-ai/aicentral-gateway/internal/endpoints"
	"github.com/tributary-ai/aicentral-gateway/internal/pipeline"
	"github.com/tributary-ai/aicentral-gateway/internal/types"
)

// Strategy names
const (
	StrategySingle               = "single"
	StrategyRandom               = "random"
	StrategyPriorityWithFallback = "priority_with_fallback"
	StrategyHighestCapacity      = "highest_capacity"
)

var (
	_ pipeline.EndpointSelector = (*SingleSelector)(nil)
	_ pipeline.EndpointSelector = (*RandomSelector)(nil)
	_ pipeline.EndpointSelector = (*PriorityWithFallbackSelector)(nil)
)

// orderFunc arranges eligible candidates into attempt order
type orderFunc func(candidates []endpoints.Dispatcher) []endpoints.Dispatcher

// SingleSelector always sends to one endpoint
type SingleSelector struct {
	endpoint endpoints.Dispatcher
	logger   *logrus.Logger
}

// NewSingleSelector creates a selector with no failover
func NewSingleSelector(endpoint endpoints.Dispatcher, logger *logrus.Logger) *SingleSelector {
	return &SingleSelector{endpoint: endpoint, logger: logger}
}

// Handle implements pipeline.EndpointSelector
func (s *SingleSelector) Handle(ctx context.Context, req *types.Request, call *types.IncomingCallDetails, isLastChance bool) (*types.DownstreamResponse, error) {
	return handleSingle(ctx, req, call, s.endpoint, isLastChance, &Decision{Strategy: StrategySingle})
}

// ContainedEndpoints implements pipeline.EndpointSelector
func (s *SingleSelector) ContainedEndpoints() []endpoints.Dispatcher {
	return []endpoints.Dispatcher{s.endpoint}
}

func handleSingle(ctx context.Context, req *types.Request, call *types.IncomingCallDetails, endpoint endpoints.Dispatcher, isLastChance bool, decision *Decision) (*types.DownstreamResponse, error) {
	decision.Candidates = []string{endpoint.ID()}
	decision.Attempted = []string{endpoint.ID()}

	resp, err := endpoint.Handle(ctx, req, call, isLastChance)
	if err == nil {
		decision.Selected = endpoint.ID()
		logSelected(req, resp, decision)
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%s selector cancelled: %w", decision.Strategy, ctx.Err())
	}

	req.Log().WithError(err).WithFields(decision.fields()).Error("Endpoint failed with no failover available")
	return nil, fmt.Errorf("%s selector: %w: %v", decision.Strategy, pipeline.ErrEndpointsExhausted, err)
}

// logSelected logs the final outcome. A non-success response here came from
// the last candidate and is passed through, so the attempt set is exhausted.
func logSelected(req *types.Request, resp *types.DownstreamResponse, decision *Decision) {
	entry := req.Log().WithFields(decision.fields())
	if resp.Succeeded() {
		entry.Debug("Endpoint selected")
		return
	}
	entry.WithFields(logrus.Fields{
		"status_code":    resp.StatusCode,
		"failed_servers": req.FailedHosts(),
	}).Error("All endpoints failed, returning last backend response")
}

// RandomSelector tries every eligible endpoint once, in a fresh random order
// per request, failing over sequentially.
type RandomSelector struct {
	strategy  string
	endpoints []endpoints.Dispatcher
	order     orderFunc
	clock     clock.Clock
	logger    *logrus.Logger
}

// NewRandomSelector creates a random failover selector
func NewRandomSelector(eps []endpoints.Dispatcher, c clock.Clock, logger *logrus.Logger) *RandomSelector {
	return newOrderedSelector(StrategyRandom, eps, shuffle, c, logger)
}

func newOrderedSelector(strategy string, eps []endpoints.Dispatcher, order orderFunc, c clock.Clock, logger *logrus.Logger) *RandomSelector {
	if c == nil {
		c = clock.Real()
	}
	return &RandomSelector{
		strategy:  strategy,
		endpoints: append([]endpoints.Dispatcher(nil), eps...),
		order:     order,
		clock:     c,
		logger:    logger,
	}
}

func shuffle(candidates []endpoints.Dispatcher) []endpoints.Dispatcher {
	ordered := make([]endpoints.Dispatcher, len(candidates))
	for i, j := range rand.Perm(len(candidates)) {
		ordered[i] = candidates[j]
	}
	return ordered
}

// Handle implements pipeline.EndpointSelector
func (s *RandomSelector) Handle(ctx context.Context, req *types.Request, call *types.IncomingCallDetails, isLastChance bool) (*types.DownstreamResponse, error) {
	if preferred := affinityMatch(s.endpoints, call, s.clock); preferred != nil {
		return handleSingle(ctx, req, call, preferred, isLastChance, &Decision{Strategy: s.strategy, Affinity: true})
	}
	return s.handleStrategy(ctx, req, call, isLastChance)
}

// ContainedEndpoints implements pipeline.EndpointSelector
func (s *RandomSelector) ContainedEndpoints() []endpoints.Dispatcher {
	return append([]endpoints.Dispatcher(nil), s.endpoints...)
}

func (s *RandomSelector) handleStrategy(ctx context.Context, req *types.Request, call *types.IncomingCallDetails, isLastChance bool) (*types.DownstreamResponse, error) {
	decision := &Decision{Strategy: s.strategy}
	now := s.clock.Now()

	eligible := make([]endpoints.Dispatcher, 0, len(s.endpoints))
	for _, endpoint := range s.endpoints {
		if endpoint.Available(now) {
			eligible = append(eligible, endpoint)
			continue
		}
		decision.Skipped = append(decision.Skipped, endpoint.ID())
		req.Log().WithField("endpoint", endpoint.ID()).Warn("Endpoint is blocked, skipping")
	}

	ordered := s.order(eligible)
	for _, endpoint := range ordered {
		decision.Candidates = append(decision.Candidates, endpoint.ID())
	}

	for i, endpoint := range ordered {
		last := isLastChance && i == len(ordered)-1
		decision.Attempted = append(decision.Attempted, endpoint.ID())

		resp, err := endpoint.Handle(ctx, req, call, last)
		if err == nil {
			decision.Selected = endpoint.ID()
			logSelected(req, resp, decision)
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s selector cancelled: %w", s.strategy, ctx.Err())
		}

		req.Log().WithError(err).WithFields(logrus.Fields{
			"endpoint": endpoint.ID(),
			"host":     endpoint.Host(),
		}).Warn("Endpoint failed, failing over")
	}

	entry := req.Log().WithFields(decision.fields())
	if isLastChance {
		entry.Error("All endpoints exhausted")
	} else {
		entry.Warn("Endpoint tier exhausted")
	}
	return nil, fmt.Errorf("%s selector: %w", s.strategy, pipeline.ErrEndpointsExhausted)
}

// PriorityWithFallbackSelector exhausts the priority endpoints before trying
// any fallback endpoint.
type PriorityWithFallbackSelector struct {
	priority *RandomSelector
	fallback *RandomSelector
	clock    clock.Clock
	logger   *logrus.Logger
}

// NewPriorityWithFallbackSelector creates a two-tier selector
func NewPriorityWithFallbackSelector(priority, fallback []endpoints.Dispatcher, c clock.Clock, logger *logrus.Logger) *PriorityWithFallbackSelector {
	if c == nil {
		c = clock.Real()
	}
	return &PriorityWithFallbackSelector{
		priority: newOrderedSelector(StrategyPriorityWithFallback, priority, shuffle, c, logger),
		fallback: newOrderedSelector(StrategyPriorityWithFallback, fallback, shuffle, c, logger),
		clock:    c,
		logger:   logger,
	}
}

// Handle implements pipeline.EndpointSelector
func (s *PriorityWithFallbackSelector) Handle(ctx context.Context, req *types.Request, call *types.IncomingCallDetails, isLastChance bool) (*types.DownstreamResponse, error) {
	if preferred := affinityMatch(s.ContainedEndpoints(), call, s.clock); preferred != nil {
		return handleSingle(ctx, req, call, preferred, isLastChance, &Decision{Strategy: StrategyPriorityWithFallback, Affinity: true})
	}

	if len(s.fallback.endpoints) == 0 {
		return s.priority.handleStrategy(ctx, req, call, isLastChance)
	}

	resp, err := s.priority.handleStrategy(ctx, req, call, false)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	req.Log().WithError(err).Warn("Priority endpoints exhausted, trying fallback endpoints")
	return s.fallback.handleStrategy(ctx, req, call, isLastChance)
}

// ContainedEndpoints implements pipeline.EndpointSelector
func (s *PriorityWithFallbackSelector) ContainedEndpoints() []endpoints.Dispatcher {
	return append(s.priority.ContainedEndpoints(), s.fallback.endpoints...)
}

// affinityMatch returns the preferred endpoint when the call names one of the
// contained endpoints and it is not blocked.
func affinityMatch(eps []endpoints.Dispatcher, call *types.IncomingCallDetails, c clock.Clock) endpoints.Dispatcher {
	if call == nil || call.PreferredEndpointID == "" {
		return nil
	}
	for _, endpoint := range eps {
		if endpoint.IsAffinityMatch(call.PreferredEndpointID) && endpoint.Available(c.Now()) {
			return endpoint
		}
	}
	return nil
}
