package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/aicentral-gateway/internal/endpoints"
	"github.com/tributary-ai/aicentral-gateway/internal/types"
)

// RouteMatch selects the requests a pipeline serves
type RouteMatch struct {
	Host       string `yaml:"host"`        // empty or "*" matches any host
	PathPrefix string `yaml:"path_prefix"` // empty matches any path
}

// Matches reports whether the request falls under this route
func (m RouteMatch) Matches(r *http.Request) bool {
	if m.Host != "" && m.Host != "*" {
		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if !strings.EqualFold(host, m.Host) {
			return false
		}
	}
	return m.PathPrefix == "" || strings.HasPrefix(r.URL.Path, m.PathPrefix)
}

// Pipeline binds a route, an auth gate, ordered steps and an endpoint
// selector into one routable unit. It is built once and shared by all requests.
type Pipeline struct {
	name     string
	match    RouteMatch
	steps    []NamedStep
	selector EndpointSelector
	logger   *logrus.Logger
}

// Config describes how to assemble a pipeline
type Config struct {
	Name     string
	Match    RouteMatch
	Auth     Step
	Steps    []NamedStep
	Selector EndpointSelector
}

// New creates a pipeline. The auth step, when present, always runs first.
func New(cfg Config, logger *logrus.Logger) (*Pipeline, error) {
	if cfg.Selector == nil {
		return nil, fmt.Errorf("pipeline %s: %w", cfg.Name, ErrNoSelector)
	}

	steps := make([]NamedStep, 0, len(cfg.Steps)+1)
	if cfg.Auth != nil {
		steps = append(steps, NamedStep{Name: "auth", Step: cfg.Auth})
	}
	steps = append(steps, cfg.Steps...)

	return &Pipeline{
		name:     cfg.Name,
		match:    cfg.Match,
		steps:    steps,
		selector: cfg.Selector,
		logger:   logger,
	}, nil
}

// Name returns the pipeline name
func (p *Pipeline) Name() string {
	return p.name
}

// Matches reports whether this pipeline serves the request
func (p *Pipeline) Matches(r *http.Request) bool {
	return p.match.Matches(r)
}

// Endpoints returns every endpoint reachable from this pipeline
func (p *Pipeline) Endpoints() []endpoints.Dispatcher {
	return p.selector.ContainedEndpoints()
}

// Execute runs the request through the pipeline and returns the response to
// write, with gateway headers applied. Only cancellation is returned as an error.
func (p *Pipeline) Execute(ctx context.Context, req *types.Request, call *types.IncomingCallDetails) (*types.DownstreamResponse, error) {
	req.Pipeline = p.name
	req.Logger = req.Log().WithField("pipeline", p.name)

	steps := make([]Step, len(p.steps))
	for i, s := range p.steps {
		steps[i] = s.Step
	}

	executor := NewExecutor(steps, p.selector)
	resp, err := executor.Run(ctx, req, call)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			req.Log().WithError(err).Info("Request cancelled")
			return nil, ctxErr
		}
		resp = p.errorResponse(req, resp, err)
	}
	if resp == nil {
		resp = types.NewErrorResponse(http.StatusBadGateway, types.ErrorTypeServer, "NoResponse", "no response was produced")
	}

	resp.Header = p.buildResponseHeaders(ctx, req, resp, executor)
	return resp, nil
}

func (p *Pipeline) errorResponse(req *types.Request, resp *types.DownstreamResponse, err error) *types.DownstreamResponse {
	switch {
	case errors.Is(err, ErrEndpointsExhausted):
		return types.NewErrorResponse(http.StatusServiceUnavailable, types.ErrorTypeServer, "EndpointsExhausted",
			"all downstream endpoints failed or are unavailable")
	case resp != nil:
		req.Log().WithError(err).Warn("Pipeline returned an error with a response")
		return resp
	default:
		req.Log().WithError(err).Error("Pipeline failed")
		return types.NewErrorResponse(http.StatusBadGateway, types.ErrorTypeServer, "GatewayError", err.Error())
	}
}

// buildResponseHeaders runs innermost first: the selector stage, then each
// entered step in reverse order.
func (p *Pipeline) buildResponseHeaders(ctx context.Context, req *types.Request, resp *types.DownstreamResponse, executor *Executor) http.Header {
	header := http.Header{}
	for name, values := range resp.Header {
		header[name] = append([]string(nil), values...)
	}

	applyGatewayHeaders(req, resp, header)

	entered := executor.EnteredSteps()
	for i := len(entered) - 1; i >= 0; i-- {
		entered[i].BuildResponseHeaders(ctx, req, resp, header)
	}
	return header
}
