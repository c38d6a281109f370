package gateway

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/aicentral-gateway/internal/clock"
	"github.com/tributary-ai/aicentral-gateway/internal/config"
	"github.com/tributary-ai/aicentral-gateway/internal/endpoints"
	"github.com/tributary-ai/aicentral-gateway/internal/limits"
	"github.com/tributary-ai/aicentral-gateway/internal/pipeline"
	"github.com/tributary-ai/aicentral-gateway/internal/routing"
	"github.com/tributary-ai/aicentral-gateway/internal/security"
	"github.com/tributary-ai/aicentral-gateway/internal/telemetry"
)

// Env carries the shared state factories build components against
type Env struct {
	Clock    clock.Clock
	Health   *endpoints.HealthTracker
	Recorder *telemetry.UsageRecorder
	Logger   *logrus.Logger
}

// EndpointFactory builds a dispatcher for one endpoint type
type EndpointFactory func(cfg endpoints.Config, opts endpoints.Options) (*endpoints.Endpoint, error)

// SelectorFactory builds an endpoint selector over resolved dispatchers
type SelectorFactory func(env Env, cfg config.SelectorConfig, resolve func([]string) []endpoints.Dispatcher) (pipeline.EndpointSelector, error)

// StepFactory builds a pipeline step
type StepFactory func(env Env, cfg config.StepConfig) (pipeline.Step, error)

// AuthFactory builds an auth gate
type AuthFactory func(env Env, name string, cfg security.Config) (pipeline.Step, error)

// Registry maps configuration type tags to constructors
type Registry struct {
	endpoints map[string]EndpointFactory
	selectors map[string]SelectorFactory
	steps     map[string]StepFactory
	auth      map[string]AuthFactory
}

// NewRegistry returns a registry holding the built-in components
func NewRegistry() *Registry {
	r := &Registry{
		endpoints: make(map[string]EndpointFactory),
		selectors: make(map[string]SelectorFactory),
		steps:     make(map[string]StepFactory),
		auth:      make(map[string]AuthFactory),
	}

	r.RegisterEndpoint(endpoints.TypeAzureOpenAI, endpoints.NewAzureDispatcher)
	r.RegisterEndpoint(endpoints.TypeOpenAI, endpoints.NewOpenAIDispatcher)

	r.RegisterSelector(config.SelectorSingle, func(env Env, cfg config.SelectorConfig, resolve func([]string) []endpoints.Dispatcher) (pipeline.EndpointSelector, error) {
		eps := resolve(cfg.Endpoints)
		if len(eps) != 1 {
			return nil, fmt.Errorf("endpoint selector %s: single needs exactly one endpoint", cfg.Name)
		}
		return routing.NewSingleSelector(eps[0], env.Logger), nil
	})
	r.RegisterSelector(config.SelectorRandom, func(env Env, cfg config.SelectorConfig, resolve func([]string) []endpoints.Dispatcher) (pipeline.EndpointSelector, error) {
		return routing.NewRandomSelector(resolve(cfg.Endpoints), env.Clock, env.Logger), nil
	})
	r.RegisterSelector(config.SelectorPriorityWithFallback, func(env Env, cfg config.SelectorConfig, resolve func([]string) []endpoints.Dispatcher) (pipeline.EndpointSelector, error) {
		return routing.NewPriorityWithFallbackSelector(resolve(cfg.Priority), resolve(cfg.Fallback), env.Clock, env.Logger), nil
	})
	r.RegisterSelector(config.SelectorHighestCapacity, func(env Env, cfg config.SelectorConfig, resolve func([]string) []endpoints.Dispatcher) (pipeline.EndpointSelector, error) {
		return routing.NewHighestCapacitySelector(resolve(cfg.Endpoints), env.Health, env.Clock, env.Logger), nil
	})

	r.RegisterStep(config.StepBulkhead, func(env Env, cfg config.StepConfig) (pipeline.Step, error) {
		return limits.NewBulkheadStep(cfg.Name, cfg.Bulkhead, env.Logger)
	})
	r.RegisterStep(config.StepRequestRateLimit, func(env Env, cfg config.StepConfig) (pipeline.Step, error) {
		return limits.NewRequestRateLimitStep(cfg.Name, cfg.RateLimit, env.Clock, env.Logger)
	})
	r.RegisterStep(config.StepTokenRateLimit, func(env Env, cfg config.StepConfig) (pipeline.Step, error) {
		return limits.NewTokenRateLimitStep(cfg.Name, cfg.RateLimit, env.Clock, env.Logger)
	})
	r.RegisterStep(config.StepUsageLogger, func(env Env, cfg config.StepConfig) (pipeline.Step, error) {
		return telemetry.NewUsageLoggerStep(cfg.Name, env.Recorder)
	})

	for _, authType := range []string{security.AuthTypeAPIKey, security.AuthTypeJWT, security.AuthTypeAnonymous} {
		r.RegisterAuth(authType, func(env Env, name string, cfg security.Config) (pipeline.Step, error) {
			return security.NewAuthStep(name, cfg, env.Logger)
		})
	}

	return r
}

// RegisterEndpoint adds or replaces an endpoint type
func (r *Registry) RegisterEndpoint(endpointType string, factory EndpointFactory) {
	r.endpoints[endpointType] = factory
}

// RegisterSelector adds or replaces a selector type
func (r *Registry) RegisterSelector(selectorType string, factory SelectorFactory) {
	r.selectors[selectorType] = factory
}

// RegisterStep adds or replaces a step type
func (r *Registry) RegisterStep(stepType string, factory StepFactory) {
	r.steps[stepType] = factory
}

// RegisterAuth adds or replaces an auth provider type
func (r *Registry) RegisterAuth(authType string, factory AuthFactory) {
	r.auth[authType] = factory
}

func (r *Registry) endpoint(endpointType string) (EndpointFactory, error) {
	factory, ok := r.endpoints[endpointType]
	if !ok {
		return nil, fmt.Errorf("%w: endpoint type %q", ErrUnknownType, endpointType)
	}
	return factory, nil
}

func (r *Registry) selector(selectorType string) (SelectorFactory, error) {
	factory, ok := r.selectors[selectorType]
	if !ok {
		return nil, fmt.Errorf("%w: endpoint selector type %q", ErrUnknownType, selectorType)
	}
	return factory, nil
}

func (r *Registry) step(stepType string) (StepFactory, error) {
	factory, ok := r.steps[stepType]
	if !ok {
		return nil, fmt.Errorf("%w: step type %q", ErrUnknownType, stepType)
	}
	return factory, nil
}

func (r *Registry) authProvider(authType string) (AuthFactory, error) {
	if authType == "" {
		authType = security.AuthTypeAnonymous
	}
	factory, ok := r.auth[authType]
	if !ok {
		return nil, fmt.Errorf("%w: auth provider type %q", ErrUnknownType, authType)
	}
	return factory, nil
}
