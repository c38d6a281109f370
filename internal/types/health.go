package types

import "time"

// EndpointStatus is a point-in-time view of one endpoint's health
type EndpointStatus struct {
	EndpointID        string     `json:"endpoint_id"`
	Host              string     `json:"host"`
	Status            string     `json:"status"` // "healthy", "blocked"
	BlockedUntil      *time.Time `json:"blocked_until,omitempty"`
	LastFailureReason string     `json:"last_failure_reason,omitempty"`
	RemainingRequests *int64     `json:"remaining_requests,omitempty"`
	RemainingTokens   *int64     `json:"remaining_tokens,omitempty"`
	AverageLatencyMs  float64    `json:"average_latency_ms"`
	ObservedResponses int64      `json:"observed_responses"`
}
