package endpoints

import (
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tributary-ai/aicentral-gateway/internal/clock"
	"github.com/tributary-ai/aicentral-gateway/internal/types"
)

const latencySmoothing = 0.3

// HealthTracker holds per-endpoint health and capacity state shared by all
// requests. It is owned by the gateway instance.
type HealthTracker struct {
	clock   clock.Clock
	records map[string]*endpointHealth
	mutex   sync.RWMutex
}

// endpointHealth is the record for one endpoint id.
// blockedUntil only moves forward; it holds unix nanoseconds, zero meaning never blocked.
type endpointHealth struct {
	blockedUntil atomic.Int64
	lastFailure  atomic.Value

	mutex             sync.Mutex
	remainingRequests int64
	remainingTokens   int64
	knowsRequests     bool
	knowsTokens       bool
	latencyEWMA       float64
	observed          int64
}

// Capacity is the headroom an endpoint last reported
type Capacity struct {
	RemainingRequests int64
	RemainingTokens   int64
	KnowsRequests     bool
	KnowsTokens       bool
	AverageLatency    time.Duration
	Observed          int64
}

// NewHealthTracker creates an empty tracker
func NewHealthTracker(c clock.Clock) *HealthTracker {
	if c == nil {
		c = clock.Real()
	}
	return &HealthTracker{
		clock:   c,
		records: make(map[string]*endpointHealth),
	}
}

// Now returns the tracker's clock reading
func (h *HealthTracker) Now() time.Time {
	return h.clock.Now()
}

func (h *HealthTracker) getOrCreate(id string) *endpointHealth {
	h.mutex.RLock()
	rec, exists := h.records[id]
	h.mutex.RUnlock()
	if exists {
		return rec
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	rec, exists = h.records[id]
	if !exists {
		rec = &endpointHealth{}
		h.records[id] = rec
	}
	return rec
}

// Block marks the endpoint unavailable until the given time. An earlier
// deadline never replaces a later one. Returns true if the deadline moved.
func (h *HealthTracker) Block(id string, until time.Time, reason string) bool {
	rec := h.getOrCreate(id)
	rec.lastFailure.Store(reason)

	target := until.UnixNano()
	for {
		current := rec.blockedUntil.Load()
		if current >= target {
			return false
		}
		if rec.blockedUntil.CompareAndSwap(current, target) {
			return true
		}
	}
}

// RecordFailure notes a failure reason without blocking the endpoint
func (h *HealthTracker) RecordFailure(id string, reason string) {
	h.getOrCreate(id).lastFailure.Store(reason)
}

// BlockedUntil returns the current block deadline, if any
func (h *HealthTracker) BlockedUntil(id string) (time.Time, bool) {
	until := h.getOrCreate(id).blockedUntil.Load()
	if until == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, until), true
}

// Available reports whether the endpoint may be attempted at now.
// An endpoint blocked until T becomes eligible strictly after T.
func (h *HealthTracker) Available(id string, now time.Time) bool {
	until := h.getOrCreate(id).blockedUntil.Load()
	return until == 0 || now.UnixNano() > until
}

// ObserveResponse updates capacity statistics from a backend response
func (h *HealthTracker) ObserveResponse(id string, header http.Header, latency time.Duration) {
	rec := h.getOrCreate(id)

	rec.mutex.Lock()
	defer rec.mutex.Unlock()

	if v, ok := parseHeaderInt(header, "x-ratelimit-remaining-requests"); ok {
		rec.remainingRequests = v
		rec.knowsRequests = true
	}
	if v, ok := parseHeaderInt(header, "x-ratelimit-remaining-tokens"); ok {
		rec.remainingTokens = v
		rec.knowsTokens = true
	}

	ms := float64(latency.Milliseconds())
	if rec.observed == 0 {
		rec.latencyEWMA = ms
	} else {
		rec.latencyEWMA = latencySmoothing*ms + (1-latencySmoothing)*rec.latencyEWMA
	}
	rec.observed++
}

// Capacity returns the last observed headroom for an endpoint
func (h *HealthTracker) Capacity(id string) Capacity {
	rec := h.getOrCreate(id)

	rec.mutex.Lock()
	defer rec.mutex.Unlock()

	return Capacity{
		RemainingRequests: rec.remainingRequests,
		RemainingTokens:   rec.remainingTokens,
		KnowsRequests:     rec.knowsRequests,
		KnowsTokens:       rec.knowsTokens,
		AverageLatency:    time.Duration(rec.latencyEWMA * float64(time.Millisecond)),
		Observed:          rec.observed,
	}
}

// Status returns a snapshot suitable for the health endpoint
func (h *HealthTracker) Status(id, host string) types.EndpointStatus {
	now := h.Now()
	capacity := h.Capacity(id)

	status := types.EndpointStatus{
		EndpointID:        id,
		Host:              host,
		Status:            "healthy",
		AverageLatencyMs:  float64(capacity.AverageLatency.Milliseconds()),
		ObservedResponses: capacity.Observed,
	}

	if until, blocked := h.BlockedUntil(id); blocked && !now.After(until) {
		status.Status = "blocked"
		status.BlockedUntil = &until
	}
	if reason, ok := h.getOrCreate(id).lastFailure.Load().(string); ok {
		status.LastFailureReason = reason
	}
	if capacity.KnowsRequests {
		v := capacity.RemainingRequests
		status.RemainingRequests = &v
	}
	if capacity.KnowsTokens {
		v := capacity.RemainingTokens
		status.RemainingTokens = &v
	}

	return status
}

func parseHeaderInt(header http.Header, name string) (int64, bool) {
	raw := header.Get(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
