package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/tributary-ai/aicentral-gateway/internal/pipeline"
	"github.com/tributary-ai/aicentral-gateway/internal/types"
)

var _ pipeline.Step = (*UsageLoggerStep)(nil)

// UsageLoggerStep hands a usage event for every completed request to the recorder
type UsageLoggerStep struct {
	name     string
	recorder *UsageRecorder
}

// NewUsageLoggerStep creates a usage logging step
func NewUsageLoggerStep(name string, recorder *UsageRecorder) (*UsageLoggerStep, error) {
	if recorder == nil {
		return nil, fmt.Errorf("usage logger %s: recorder is required", name)
	}
	return &UsageLoggerStep{name: name, recorder: recorder}, nil
}

// Handle implements pipeline.Step
func (s *UsageLoggerStep) Handle(ctx context.Context, req *types.Request, call *types.IncomingCallDetails, next pipeline.Next) (*types.DownstreamResponse, error) {
	resp, err := next(ctx, req, call)

	// abandoned requests are not usage
	if ctx.Err() != nil {
		return resp, err
	}

	event := &UsageEvent{
		RequestID:   req.ID,
		Pipeline:    req.Pipeline,
		Client:      req.ClientName(),
		CallType:    string(call.CallType),
		Model:       call.ModelName,
		FailedHosts: req.FailedHosts(),
	}
	if resp != nil {
		usage := resp.Usage
		event.EndpointID = usage.EndpointID
		event.BackendHost = usage.BackendHost
		event.DeploymentName = usage.DeploymentName
		event.StatusCode = resp.StatusCode
		event.PromptTokens = usage.PromptTokens
		event.CompletionTokens = usage.CompletionTokens
		event.TotalTokens = usage.TotalTokens
		event.EstimatedPromptTokens = usage.EstimatedPromptTokens
		event.Duration = usage.Duration
		event.Streamed = usage.Streamed
		event.Succeeded = resp.Succeeded()
	}
	if err != nil {
		event.Error = err.Error()
		if errors.Is(err, pipeline.ErrEndpointsExhausted) {
			event.StatusCode = http.StatusServiceUnavailable
		}
	}

	s.recorder.Record(event)
	return resp, err
}

// BuildResponseHeaders implements pipeline.Step
func (s *UsageLoggerStep) BuildResponseHeaders(context.Context, *types.Request, *types.DownstreamResponse, http.Header) {
}
