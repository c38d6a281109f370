package limits

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tributary-ai/aicentral-gateway/internal/clock"
	"github.com/tributary-ai/aicentral-gateway/internal/pipeline"
	"github.com/tributary-ai/aicentral-gateway/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestRequest(subject string) *types.Request {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req := types.NewRequest("req", r, nil, logrus.NewEntry(testLogger()))
	if subject != "" {
		req.Identity = &types.Identity{Subject: subject}
	}
	return req
}

// countingNext is a terminal continuation reporting fixed token usage
type countingNext struct {
	mu     sync.Mutex
	calls  int
	tokens int
	status int
}

func (c *countingNext) next(_ context.Context, _ *types.Request, _ *types.IncomingCallDetails) (*types.DownstreamResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	status := c.status
	if status == 0 {
		status = http.StatusOK
	}
	return &types.DownstreamResponse{
		StatusCode: status,
		Header:     http.Header{},
		Usage:      types.UsageInfo{TotalTokens: c.tokens, Succeeded: status < 300},
	}, nil
}

func (c *countingNext) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestWindowLimiter_TryAcquire(t *testing.T) {
	fake := clock.NewFake(epoch)
	limiter := NewWindowLimiter(3, time.Minute, fake, testLogger())

	for i := 0; i < 3; i++ {
		lease := limiter.TryAcquire("k", 1)
		require.True(t, lease.Allowed)
		assert.Equal(t, int64(2-i), lease.Remaining)
	}

	fake.Advance(20 * time.Second)
	lease := limiter.TryAcquire("k", 1)
	assert.False(t, lease.Allowed)
	assert.Equal(t, int64(0), lease.Remaining)
	assert.Equal(t, 40*time.Second, lease.RetryAfter)
	assert.Equal(t, epoch.Add(time.Minute), lease.ResetTime)

	assert.True(t, limiter.TryAcquire("other", 1).Allowed)

	fake.Advance(40 * time.Second)
	assert.True(t, limiter.TryAcquire("k", 1).Allowed)
}

func TestWindowLimiter_WindowsAdvanceInWholeSteps(t *testing.T) {
	fake := clock.NewFake(epoch)
	limiter := NewWindowLimiter(1, time.Minute, fake, testLogger())

	require.True(t, limiter.TryAcquire("k", 1).Allowed)

	fake.Advance(150 * time.Second)
	lease := limiter.TryAcquire("k", 1)
	require.True(t, lease.Allowed)
	assert.Equal(t, epoch.Add(3*time.Minute), lease.ResetTime)

	fake.Advance(29 * time.Second)
	assert.False(t, limiter.TryAcquire("k", 1).Allowed)

	fake.Advance(time.Second)
	assert.True(t, limiter.TryAcquire("k", 1).Allowed)
}

func TestWindowLimiter_ConsumeNeverOverdraws(t *testing.T) {
	limiter := NewWindowLimiter(100, time.Minute, clock.NewFake(epoch), testLogger())

	assert.Equal(t, int64(70), limiter.Consume("k", 70))
	assert.Equal(t, int64(30), limiter.Consume("k", 70))
	assert.Equal(t, int64(0), limiter.Consume("k", 10))
	assert.Equal(t, int64(0), limiter.Consume("k", -5))

	lease := limiter.Probe("k")
	assert.False(t, lease.Allowed)
	assert.Equal(t, int64(0), lease.Remaining)
}

func TestWindowLimiter_ConcurrentAcquireNeverExceedsLimit(t *testing.T) {
	limiter := NewWindowLimiter(50, time.Hour, clock.NewFake(epoch), testLogger())

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.TryAcquire("shared", 1).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, allowed)
}

func TestWindowLimiter_CleanupStops(t *testing.T) {
	fake := clock.NewFake(epoch)
	limiter := NewWindowLimiter(1, time.Second, fake, testLogger())
	limiter.TryAcquire("old", 1)

	limiter.StartCleanup(time.Millisecond)
	fake.Advance(time.Minute)

	assert.Eventually(t, func() bool {
		limiter.mutex.RLock()
		defer limiter.mutex.RUnlock()
		return len(limiter.partitions) == 0
	}, time.Second, 5*time.Millisecond)

	limiter.Stop()
	limiter.Stop()
}

func TestRequestRateLimitStep_RejectsBeforeBackend(t *testing.T) {
	fake := clock.NewFake(epoch)
	step, err := NewRequestRateLimitStep("per-client", RateLimitConfig{PermitLimit: 2, Window: time.Minute}, fake, testLogger())
	require.NoError(t, err)

	backend := &countingNext{}
	req := newTestRequest("alice")

	for i := 0; i < 2; i++ {
		resp, err := step.Handle(context.Background(), req, &types.IncomingCallDetails{}, backend.next)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	fake.Advance(15 * time.Second)
	resp, err := step.Handle(context.Background(), req, &types.IncomingCallDetails{}, backend.next)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "45", resp.Header.Get("Retry-After"))
	assert.Equal(t, 2, backend.count())

	// other clients have their own partition
	resp, err = step.Handle(context.Background(), newTestRequest("bob"), &types.IncomingCallDetails{}, backend.next)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	header := http.Header{}
	step.BuildResponseHeaders(context.Background(), req, resp, header)
	assert.Equal(t, "2", header.Get("x-ratelimit-limit-requests"))
	assert.Equal(t, "0", header.Get("x-ratelimit-remaining-requests"))

	fake.Advance(45 * time.Second)
	resp, err = step.Handle(context.Background(), req, &types.IncomingCallDetails{}, backend.next)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequestRateLimitStep_EndpointScope(t *testing.T) {
	step, err := NewRequestRateLimitStep("shared", RateLimitConfig{PermitLimit: 1, Window: time.Minute, Scope: "endpoint"}, clock.NewFake(epoch), testLogger())
	require.NoError(t, err)

	backend := &countingNext{}
	resp, _ := step.Handle(context.Background(), newTestRequest("alice"), &types.IncomingCallDetails{}, backend.next)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = step.Handle(context.Background(), newTestRequest("bob"), &types.IncomingCallDetails{}, backend.next)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestTokenRateLimitStep_DebitsActualUsage(t *testing.T) {
	fake := clock.NewFake(epoch)
	step, err := NewTokenRateLimitStep("tokens", RateLimitConfig{PermitLimit: 100, Window: time.Minute}, fake, testLogger())
	require.NoError(t, err)

	backend := &countingNext{tokens: 40}
	req := newTestRequest("alice")

	// 40 + 40 + 20 (bounded by what was left)
	for i := 0; i < 3; i++ {
		resp, err := step.Handle(context.Background(), req, &types.IncomingCallDetails{}, backend.next)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	assert.Equal(t, int64(0), step.Limiter().Probe(PartitionKey(req, ScopeClient)).Remaining)

	resp, err := step.Handle(context.Background(), req, &types.IncomingCallDetails{}, backend.next)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, 0, resp.Usage.TotalTokens)
	assert.Equal(t, 3, backend.count())

	fake.Advance(time.Minute)
	resp, err = step.Handle(context.Background(), req, &types.IncomingCallDetails{}, backend.next)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 4, backend.count())

	header := http.Header{}
	step.BuildResponseHeaders(context.Background(), req, resp, header)
	assert.Equal(t, "100", header.Get("x-ratelimit-limit-tokens"))
	assert.Equal(t, "60", header.Get("x-ratelimit-remaining-tokens"))
}

func TestTokenRateLimitStep_FailedCallsAreFree(t *testing.T) {
	step, err := NewTokenRateLimitStep("tokens", RateLimitConfig{PermitLimit: 10, Window: time.Minute}, clock.NewFake(epoch), testLogger())
	require.NoError(t, err)

	backend := &countingNext{tokens: 50, status: http.StatusInternalServerError}
	req := newTestRequest("alice")

	for i := 0; i < 3; i++ {
		resp, err := step.Handle(context.Background(), req, &types.IncomingCallDetails{}, backend.next)
		require.NoError(t, err)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	}
	assert.Equal(t, int64(10), step.Limiter().Probe(PartitionKey(req, ScopeClient)).Remaining)
}

func TestRateLimitConfigValidation(t *testing.T) {
	_, err := NewRequestRateLimitStep("bad", RateLimitConfig{PermitLimit: 0, Window: time.Minute}, nil, testLogger())
	assert.Error(t, err)

	_, err = NewTokenRateLimitStep("bad", RateLimitConfig{PermitLimit: 1}, nil, testLogger())
	assert.Error(t, err)

	_, err = NewTokenRateLimitStep("bad", RateLimitConfig{PermitLimit: 1, Window: time.Second, Scope: "galaxy"}, nil, testLogger())
	assert.Error(t, err)
}

func TestRateLimitStep_CloseStopsCleanup(t *testing.T) {
	step, err := NewRequestRateLimitStep("cleanup", RateLimitConfig{
		PermitLimit:     1,
		Window:          time.Minute,
		CleanupInterval: time.Millisecond,
	}, nil, testLogger())
	require.NoError(t, err)
	require.NoError(t, step.Close())
}

func TestBulkhead_SerializesRequests(t *testing.T) {
	bulkhead, err := NewBulkheadStep("one-at-a-time", BulkheadConfig{MaxConcurrency: 1}, testLogger())
	require.NoError(t, err)

	firstStarted := make(chan struct{})
	releaseFirst := make(chan struct{})
	secondStarted := make(chan struct{})

	first := func(context.Context, *types.Request, *types.IncomingCallDetails) (*types.DownstreamResponse, error) {
		close(firstStarted)
		<-releaseFirst
		return &types.DownstreamResponse{StatusCode: http.StatusOK}, nil
	}
	second := func(context.Context, *types.Request, *types.IncomingCallDetails) (*types.DownstreamResponse, error) {
		close(secondStarted)
		return &types.DownstreamResponse{StatusCode: http.StatusOK}, nil
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := bulkhead.Handle(context.Background(), newTestRequest("a"), &types.IncomingCallDetails{}, first)
		assert.NoError(t, err)
	}()
	<-firstStarted

	go func() {
		defer wg.Done()
		_, err := bulkhead.Handle(context.Background(), newTestRequest("b"), &types.IncomingCallDetails{}, second)
		assert.NoError(t, err)
	}()

	select {
	case <-secondStarted:
		t.Fatal("second request reached the backend while the first held the permit")
	case <-time.After(50 * time.Millisecond):
	}

	close(releaseFirst)

	select {
	case <-secondStarted:
	case <-time.After(time.Second):
		t.Fatal("second request never acquired the permit")
	}
	wg.Wait()
}

func TestBulkhead_CancelledWaitReleasesNothing(t *testing.T) {
	bulkhead, err := NewBulkheadStep("one", BulkheadConfig{MaxConcurrency: 1}, testLogger())
	require.NoError(t, err)

	holding := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		bulkhead.Handle(context.Background(), newTestRequest("a"), &types.IncomingCallDetails{},
			func(context.Context, *types.Request, *types.IncomingCallDetails) (*types.DownstreamResponse, error) {
				close(holding)
				<-release
				return nil, nil
			})
	}()
	<-holding

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	called := false
	_, err = bulkhead.Handle(ctx, newTestRequest("b"), &types.IncomingCallDetails{},
		func(context.Context, *types.Request, *types.IncomingCallDetails) (*types.DownstreamResponse, error) {
			called = true
			return nil, nil
		})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)

	close(release)
	<-done

	// the permit returned by the first request is available again
	_, err = bulkhead.Handle(context.Background(), newTestRequest("c"), &types.IncomingCallDetails{},
		func(context.Context, *types.Request, *types.IncomingCallDetails) (*types.DownstreamResponse, error) {
			return &types.DownstreamResponse{StatusCode: http.StatusOK}, nil
		})
	assert.NoError(t, err)
}

func TestBulkhead_ReleasesOnPanic(t *testing.T) {
	bulkhead, err := NewBulkheadStep("one", BulkheadConfig{MaxConcurrency: 1}, testLogger())
	require.NoError(t, err)

	assert.Panics(t, func() {
		bulkhead.Handle(context.Background(), newTestRequest("a"), &types.IncomingCallDetails{},
			func(context.Context, *types.Request, *types.IncomingCallDetails) (*types.DownstreamResponse, error) {
				panic("backend exploded")
			})
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = bulkhead.Handle(ctx, newTestRequest("b"), &types.IncomingCallDetails{},
		func(context.Context, *types.Request, *types.IncomingCallDetails) (*types.DownstreamResponse, error) {
			return &types.DownstreamResponse{StatusCode: http.StatusOK}, nil
		})
	assert.NoError(t, err)
}

func TestBulkhead_InvalidConfig(t *testing.T) {
	_, err := NewBulkheadStep("zero", BulkheadConfig{}, testLogger())
	assert.Error(t, err)
}

func TestStepsComposeInPipeline(t *testing.T) {
	fake := clock.NewFake(epoch)
	limiter, err := NewRequestRateLimitStep("requests", RateLimitConfig{PermitLimit: 1, Window: time.Minute}, fake, testLogger())
	require.NoError(t, err)
	bulkhead, err := NewBulkheadStep("bulkhead", BulkheadConfig{MaxConcurrency: 2}, testLogger())
	require.NoError(t, err)

	selector := &staticSelector{status: http.StatusOK}
	p, err := pipeline.New(pipeline.Config{
		Name: "limited",
		Steps: []pipeline.NamedStep{
			{Name: "bulkhead", Step: bulkhead},
			{Name: "requests", Step: limiter},
		},
		Selector: selector,
	}, testLogger())
	require.NoError(t, err)

	resp, err := p.Execute(context.Background(), newTestRequest("alice"), &types.IncomingCallDetails{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0", resp.Header.Get("x-ratelimit-remaining-requests"))

	resp, err = p.Execute(context.Background(), newTestRequest("alice"), &types.IncomingCallDetails{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, 1, selector.calls)
}
