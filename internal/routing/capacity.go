package routing

import (
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/aicentral-gateway/internal/clock"
	"github.com/tributary-ai/aicentral-gateway/internal/endpoints"
)

// CapacitySource reports the last observed headroom of an endpoint
type CapacitySource interface {
	Capacity(id string) endpoints.Capacity
}

// NewHighestCapacitySelector creates a failover selector that tries the
// endpoint reporting the most headroom first. Ranking is recomputed on every
// request from the shared tracker.
func NewHighestCapacitySelector(eps []endpoints.Dispatcher, source CapacitySource, c clock.Clock, logger *logrus.Logger) *RandomSelector {
	return newOrderedSelector(StrategyHighestCapacity, eps, rankByCapacity(source), c, logger)
}

func rankByCapacity(source CapacitySource) orderFunc {
	return func(candidates []endpoints.Dispatcher) []endpoints.Dispatcher {
		type ranked struct {
			endpoint endpoints.Dispatcher
			tokens   int64
			requests int64
			latency  int64
		}

		entries := make([]ranked, len(candidates))
		for i, endpoint := range candidates {
			capacity := source.Capacity(endpoint.ID())

			// endpoints that never reported are assumed to have full headroom
			entry := ranked{
				endpoint: endpoint,
				tokens:   math.MaxInt64,
				requests: math.MaxInt64,
				latency:  int64(capacity.AverageLatency),
			}
			if capacity.KnowsTokens {
				entry.tokens = capacity.RemainingTokens
			}
			if capacity.KnowsRequests {
				entry.requests = capacity.RemainingRequests
			}
			entries[i] = entry
		}

		sort.SliceStable(entries, func(i, j int) bool {
			if entries[i].tokens != entries[j].tokens {
				return entries[i].tokens > entries[j].tokens
			}
			if entries[i].requests != entries[j].requests {
				return entries[i].requests > entries[j].requests
			}
			return entries[i].latency < entries[j].latency
		})

		ordered := make([]endpoints.Dispatcher, len(entries))
		for i, entry := range entries {
			ordered[i] = entry.endpoint
		}
		return ordered
	}
}
