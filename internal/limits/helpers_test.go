package limits

import (
	"context"
	"net/http"

	"github.com/tributary-ai/aicentral-gateway/internal/endpoints"
	"github.com/tributary-ai/aicentral-gateway/internal/types"
)

type staticSelector struct {
	status int
	calls  int
}

func (s *staticSelector) Handle(context.Context, *types.Request, *types.IncomingCallDetails, bool) (*types.DownstreamResponse, error) {
	s.calls++
	header := http.Header{}
	header.Set("x-ratelimit-remaining-requests", "999")
	return &types.DownstreamResponse{
		StatusCode: s.status,
		Header:     header,
		Usage:      types.UsageInfo{BackendHost: "backend.example.com", Succeeded: true},
	}, nil
}

func (s *staticSelector) ContainedEndpoints() []endpoints.Dispatcher {
	return nil
}
