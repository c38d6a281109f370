// Package gateway assembles endpoints, selectors, steps and pipelines from
// configuration and owns the state they share.
package gateway

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/aicentral-gateway/internal/clock"
	"github.com/tributary-ai/aicentral-gateway/internal/config"
	"github.com/tributary-ai/aicentral-gateway/internal/endpoints"
	"github.com/tributary-ai/aicentral-gateway/internal/pipeline"
	"github.com/tributary-ai/aicentral-gateway/internal/telemetry"
	"github.com/tributary-ai/aicentral-gateway/internal/types"
)

var (
	// ErrUnknownType is returned for a component type no factory is registered for
	ErrUnknownType = errors.New("unknown component type")

	// ErrNoPipeline is returned when no pipeline matches a request
	ErrNoPipeline = errors.New("no pipeline matches the request")
)

// Options customises gateway assembly
type Options struct {
	Registry *Registry
	Clock    clock.Clock
	Metrics  *telemetry.Metrics

	// Client is shared by every endpoint when set, mainly for tests
	Client *http.Client
}

// Gateway is the assembled request-handling graph
type Gateway struct {
	clock     clock.Clock
	health    *endpoints.HealthTracker
	metrics   *telemetry.Metrics
	recorder  *telemetry.UsageRecorder
	endpoints []*endpoints.Endpoint
	pipelines []*pipeline.Pipeline
	closers   []io.Closer
	logger    *logrus.Logger
}

// New builds the gateway described by cfg
func New(cfg *config.Config, opts Options, logger *logrus.Logger) (*Gateway, error) {
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}

	g := &Gateway{
		clock:    c,
		health:   endpoints.NewHealthTracker(c),
		metrics:  metrics,
		recorder: telemetry.NewUsageRecorder(cfg.Telemetry, metrics, logger),
		logger:   logger,
	}

	if err := g.build(cfg, registry, opts); err != nil {
		g.Close()
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"endpoints": len(g.endpoints),
		"pipelines": len(g.pipelines),
	}).Info("Gateway assembled")

	return g, nil
}

func (g *Gateway) build(cfg *config.Config, registry *Registry, opts Options) error {
	env := Env{
		Clock:    g.clock,
		Health:   g.health,
		Recorder: g.recorder,
		Logger:   g.logger,
	}

	byID := make(map[string]endpoints.Dispatcher, len(cfg.Endpoints))
	for _, epCfg := range cfg.Endpoints {
		factory, err := registry.endpoint(epCfg.Type)
		if err != nil {
			return fmt.Errorf("endpoint %s: %w", epCfg.ID, err)
		}
		ep, err := factory(epCfg, endpoints.Options{
			Health: g.health,
			Retry:  cfg.Dispatch,
			Logger: g.logger,
			Client: opts.Client,
		})
		if err != nil {
			return fmt.Errorf("failed to create endpoint: %w", err)
		}
		g.endpoints = append(g.endpoints, ep)
		byID[ep.ID()] = ep
	}

	resolve := func(ids []string) []endpoints.Dispatcher {
		eps := make([]endpoints.Dispatcher, 0, len(ids))
		for _, id := range ids {
			if ep, ok := byID[id]; ok {
				eps = append(eps, ep)
			}
		}
		return eps
	}

	selectors := make(map[string]pipeline.EndpointSelector, len(cfg.EndpointSelectors))
	for _, selCfg := range cfg.EndpointSelectors {
		factory, err := registry.selector(selCfg.Type)
		if err != nil {
			return fmt.Errorf("endpoint selector %s: %w", selCfg.Name, err)
		}
		selector, err := factory(env, selCfg, resolve)
		if err != nil {
			return fmt.Errorf("failed to create endpoint selector: %w", err)
		}
		selectors[selCfg.Name] = selector
	}

	authSteps := make(map[string]pipeline.Step, len(cfg.AuthProviders))
	for _, authCfg := range cfg.AuthProviders {
		factory, err := registry.authProvider(authCfg.Type)
		if err != nil {
			return fmt.Errorf("auth provider %s: %w", authCfg.Name, err)
		}
		step, err := factory(env, authCfg.Name, authCfg.Config)
		if err != nil {
			return fmt.Errorf("failed to create auth provider: %w", err)
		}
		authSteps[authCfg.Name] = step
	}

	// Steps are shared by every pipeline naming them, so limits apply across pipelines
	steps := make(map[string]pipeline.Step, len(cfg.Steps))
	for _, stepCfg := range cfg.Steps {
		factory, err := registry.step(stepCfg.Type)
		if err != nil {
			return fmt.Errorf("step %s: %w", stepCfg.Name, err)
		}
		step, err := factory(env, stepCfg)
		if err != nil {
			return fmt.Errorf("failed to create step: %w", err)
		}
		steps[stepCfg.Name] = step
		if closer, ok := step.(io.Closer); ok {
			g.closers = append(g.closers, closer)
		}
	}

	for _, pCfg := range cfg.Pipelines {
		selector, ok := selectors[pCfg.EndpointSelector]
		if !ok {
			return fmt.Errorf("pipeline %s: unknown endpoint selector %q", pCfg.Name, pCfg.EndpointSelector)
		}

		var auth pipeline.Step
		if pCfg.AuthProvider != "" {
			if auth, ok = authSteps[pCfg.AuthProvider]; !ok {
				return fmt.Errorf("pipeline %s: unknown auth provider %q", pCfg.Name, pCfg.AuthProvider)
			}
		}

		named := make([]pipeline.NamedStep, 0, len(pCfg.Steps))
		for _, name := range pCfg.Steps {
			step, ok := steps[name]
			if !ok {
				return fmt.Errorf("pipeline %s: unknown step %q", pCfg.Name, name)
			}
			named = append(named, pipeline.NamedStep{Name: name, Step: step})
		}

		p, err := pipeline.New(pipeline.Config{
			Name:     pCfg.Name,
			Match:    pipeline.RouteMatch{Host: pCfg.Host, PathPrefix: pCfg.PathPrefix},
			Auth:     auth,
			Steps:    named,
			Selector: selector,
		}, g.logger)
		if err != nil {
			return err
		}
		g.pipelines = append(g.pipelines, p)
	}

	return nil
}

// Route returns the first pipeline matching the request
func (g *Gateway) Route(r *http.Request) (*pipeline.Pipeline, error) {
	for _, p := range g.pipelines {
		if p.Matches(r) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: host %s path %s", ErrNoPipeline, r.Host, r.URL.Path)
}

// Pipelines returns the pipelines in configuration order
func (g *Gateway) Pipelines() []*pipeline.Pipeline {
	return g.pipelines
}

// Metrics returns the gateway's Prometheus collectors
func (g *Gateway) Metrics() *telemetry.Metrics {
	return g.metrics
}

// Health returns the shared endpoint health tracker
func (g *Gateway) Health() *endpoints.HealthTracker {
	return g.health
}

// EndpointStatuses reports the health of every configured endpoint
func (g *Gateway) EndpointStatuses() []types.EndpointStatus {
	statuses := make([]types.EndpointStatus, 0, len(g.endpoints))
	for _, ep := range g.endpoints {
		statuses = append(statuses, ep.Status())
	}
	return statuses
}

// Close stops background work and flushes pending usage events
func (g *Gateway) Close() error {
	var errs []error
	for _, closer := range g.closers {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	g.closers = nil
	g.recorder.Stop()
	return errors.Join(errs...)
}
