package endpoints

import (
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tributary-ai/aicentral-gateway/internal/clock"
)

func TestHealthTracker_BlockOnlyMovesForward(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	health := NewHealthTracker(clock.NewFake(start))

	assert.True(t, health.Available("a", start))

	assert.True(t, health.Block("a", start.Add(10*time.Second), "first"))
	assert.False(t, health.Block("a", start.Add(5*time.Second), "earlier"))

	until, blocked := health.BlockedUntil("a")
	assert.True(t, blocked)
	assert.Equal(t, start.Add(10*time.Second).UnixNano(), until.UnixNano())

	assert.False(t, health.Available("a", start.Add(10*time.Second)))
	assert.True(t, health.Available("a", start.Add(10*time.Second+time.Nanosecond)))
	assert.True(t, health.Available("b", start))
}

func TestHealthTracker_ConcurrentBlocks(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	health := NewHealthTracker(clock.NewFake(start))

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(seconds int) {
			defer wg.Done()
			health.Block("shared", start.Add(time.Duration(seconds)*time.Second), "429")
		}(i)
	}
	wg.Wait()

	until, blocked := health.BlockedUntil("shared")
	assert.True(t, blocked)
	assert.Equal(t, start.Add(50*time.Second).UnixNano(), until.UnixNano())
}

func TestHealthTracker_ObserveResponse(t *testing.T) {
	health := NewHealthTracker(nil)

	header := http.Header{}
	header.Set("x-ratelimit-remaining-tokens", "1000")
	health.ObserveResponse("a", header, 100*time.Millisecond)

	header = http.Header{}
	header.Set("x-ratelimit-remaining-requests", "not-a-number")
	health.ObserveResponse("a", header, 200*time.Millisecond)

	capacity := health.Capacity("a")
	assert.True(t, capacity.KnowsTokens)
	assert.False(t, capacity.KnowsRequests)
	assert.Equal(t, int64(1000), capacity.RemainingTokens)
	assert.Equal(t, int64(2), capacity.Observed)
	// 0.3*200 + 0.7*100
	assert.InDelta(t, 130.0, float64(capacity.AverageLatency)/float64(time.Millisecond), 0.01)
}

func TestHealthTracker_Status(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := clock.NewFake(start)
	health := NewHealthTracker(fake)

	health.Block("a", start.Add(time.Minute), "rate limited")
	status := health.Status("a", "a.example.com")
	assert.Equal(t, "blocked", status.Status)
	assert.NotNil(t, status.BlockedUntil)
	assert.Nil(t, status.RemainingTokens)

	fake.Advance(2 * time.Minute)
	status = health.Status("a", "a.example.com")
	assert.Equal(t, "healthy", status.Status)
	assert.Nil(t, status.BlockedUntil)
	assert.Equal(t, "rate limited", status.LastFailureReason)
}
