package limits

import (
	"fmt"

	"github.com/tributary-ai/aicentral-gateway/internal/types"
)

// Scope decides how limiter partitions are keyed
type Scope string

const (
	// ScopeClient partitions by authenticated caller
	ScopeClient Scope = "client"

	// ScopeEndpoint shares one partition across every caller of the pipeline
	ScopeEndpoint Scope = "endpoint"
)

const endpointPartition = "__endpoint__"

// ParseScope validates a configured scope, defaulting to client
func ParseScope(raw string) (Scope, error) {
	switch Scope(raw) {
	case "", ScopeClient:
		return ScopeClient, nil
	case ScopeEndpoint:
		return ScopeEndpoint, nil
	default:
		return "", fmt.Errorf("unknown limit scope: %s", raw)
	}
}

// PartitionKey returns the counter key for a request
func PartitionKey(req *types.Request, scope Scope) string {
	if scope == ScopeEndpoint {
		return endpointPartition
	}
	return "client:" + req.ClientName()
}
