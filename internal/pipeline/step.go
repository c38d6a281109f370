package pipeline

import (
	"context"
	"errors"
	"net/http"

	"github.com/tributary-ai/aicentral-gateway/internal/endpoints"
	"github.com/tributary-ai/aicentral-gateway/internal/types"
)

var (
	// ErrEndpointsExhausted is returned when every candidate endpoint failed or was blocked
	ErrEndpointsExhausted = errors.New("all endpoints failed or are unavailable")

	// ErrNoSelector is returned when a pipeline is built without an endpoint selector
	ErrNoSelector = errors.New("pipeline has no endpoint selector")
)

// Next continues the chain with the following step, or the endpoint selector
// once every step has run.
type Next func(ctx context.Context, req *types.Request, call *types.IncomingCallDetails) (*types.DownstreamResponse, error)

// Step is one unit of the pipeline. A step may call next, skip it and return
// its own response, or transform what next returns.
type Step interface {
	Handle(ctx context.Context, req *types.Request, call *types.IncomingCallDetails, next Next) (*types.DownstreamResponse, error)

	// BuildResponseHeaders runs after the chain returns, in reverse step order
	BuildResponseHeaders(ctx context.Context, req *types.Request, resp *types.DownstreamResponse, header http.Header)
}

// EndpointSelector is the terminal stage of a pipeline
type EndpointSelector interface {
	Handle(ctx context.Context, req *types.Request, call *types.IncomingCallDetails, isLastChance bool) (*types.DownstreamResponse, error)
	ContainedEndpoints() []endpoints.Dispatcher
}

// NamedStep pairs a step with the id it was configured under
type NamedStep struct {
	Name string
	Step Step
}
