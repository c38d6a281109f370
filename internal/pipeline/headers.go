package pipeline

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/tributary-ai/aicentral-gateway/internal/types"
)

// Hop-by-hop and length headers are owned by the server writing the response
var strippedResponseHeaders = []string{
	"Content-Length",
	"Transfer-Encoding",
	"Connection",
	"Keep-Alive",
}

// applyGatewayHeaders replaces backend rate-limit headers with the gateway's
// own observability headers.
func applyGatewayHeaders(req *types.Request, resp *types.DownstreamResponse, header http.Header) {
	for name := range header {
		if strings.HasPrefix(strings.ToLower(name), "x-ratelimit-") {
			header.Del(name)
		}
	}
	for _, name := range strippedResponseHeaders {
		header.Del(name)
	}

	header.Set(types.HeaderDuration, strconv.FormatInt(resp.Usage.Duration.Milliseconds(), 10))

	if resp.Succeeded() && resp.Usage.BackendHost != "" {
		header.Set(types.HeaderServer, resp.Usage.BackendHost)
	}
	if failed := req.FailedHosts(); len(failed) > 0 {
		header.Set(types.HeaderFailedServers, strings.Join(failed, ","))
	}
	if resp.Succeeded() && resp.Usage.EndpointID != "" {
		header.Set(types.HeaderAffinity, resp.Usage.EndpointID)
	}
}
