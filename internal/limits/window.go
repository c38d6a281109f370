package limits

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/aicentral-gateway/internal/clock"
)

// Lease is the outcome of a limiter check
type Lease struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	ResetTime  time.Time
	RetryAfter time.Duration
}

// WindowLimiter keeps a fixed-window counter per partition. The unit is
// whatever the caller acquires: requests or tokens.
type WindowLimiter struct {
	limit  int64
	window time.Duration
	clock  clock.Clock
	logger *logrus.Logger

	partitions map[string]*windowCounter
	mutex      sync.RWMutex

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	cleanupDone   chan struct{}
	stopped       bool
}

// windowCounter is one partition. Windows are aligned to the first use of
// the partition and advance in whole-window steps.
type windowCounter struct {
	mutex       sync.Mutex
	windowStart time.Time
	used        int64
}

// NewWindowLimiter creates a limiter allowing limit units per window
func NewWindowLimiter(limit int64, window time.Duration, c clock.Clock, logger *logrus.Logger) *WindowLimiter {
	if c == nil {
		c = clock.Real()
	}
	if window <= 0 {
		window = time.Minute
	}
	return &WindowLimiter{
		limit:      limit,
		window:     window,
		clock:      c,
		logger:     logger,
		partitions: make(map[string]*windowCounter),
	}
}

// TryAcquire takes permits from the partition if they are all available
func (l *WindowLimiter) TryAcquire(key string, permits int64) Lease {
	now := l.clock.Now()
	counter := l.getOrCreateCounter(key)

	counter.mutex.Lock()
	defer counter.mutex.Unlock()

	counter.roll(now, l.window)
	if counter.used+permits <= l.limit {
		counter.used += permits
		return l.lease(counter, true, now)
	}
	return l.lease(counter, false, now)
}

// Probe reports whether the partition has any capacity left without taking any
func (l *WindowLimiter) Probe(key string) Lease {
	now := l.clock.Now()
	counter := l.getOrCreateCounter(key)

	counter.mutex.Lock()
	defer counter.mutex.Unlock()

	counter.roll(now, l.window)
	return l.lease(counter, counter.used < l.limit, now)
}

// Consume takes up to permits from the partition, never more than remain,
// and returns how many were taken.
func (l *WindowLimiter) Consume(key string, permits int64) int64 {
	if permits <= 0 {
		return 0
	}
	now := l.clock.Now()
	counter := l.getOrCreateCounter(key)

	counter.mutex.Lock()
	defer counter.mutex.Unlock()

	counter.roll(now, l.window)
	taken := min(permits, l.limit-counter.used)
	if taken < 0 {
		taken = 0
	}
	counter.used += taken
	return taken
}

// Reset clears a partition
func (l *WindowLimiter) Reset(key string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	delete(l.partitions, key)
}

// Limit returns the configured permits per window
func (l *WindowLimiter) Limit() int64 {
	return l.limit
}

func (l *WindowLimiter) lease(counter *windowCounter, allowed bool, now time.Time) Lease {
	reset := counter.windowStart.Add(l.window)
	lease := Lease{
		Allowed:   allowed,
		Limit:     l.limit,
		Remaining: max(l.limit-counter.used, 0),
		ResetTime: reset,
	}
	if !allowed {
		lease.RetryAfter = reset.Sub(now)
	}
	return lease
}

func (c *windowCounter) roll(now time.Time, window time.Duration) {
	if c.windowStart.IsZero() {
		c.windowStart = now
		return
	}
	if elapsed := now.Sub(c.windowStart); elapsed >= window {
		c.windowStart = c.windowStart.Add(elapsed.Truncate(window))
		c.used = 0
	}
}

func (l *WindowLimiter) getOrCreateCounter(key string) *windowCounter {
	l.mutex.RLock()
	counter, exists := l.partitions[key]
	l.mutex.RUnlock()
	if exists {
		return counter
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	counter, exists = l.partitions[key]
	if !exists {
		counter = &windowCounter{}
		l.partitions[key] = counter
	}
	return counter
}

// StartCleanup periodically drops partitions idle for two windows
func (l *WindowLimiter) StartCleanup(interval time.Duration) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.cleanupTicker != nil || l.stopped {
		return
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	l.cleanupTicker = time.NewTicker(interval)
	l.stopCleanup = make(chan struct{})
	l.cleanupDone = make(chan struct{})

	go func(ticker *time.Ticker, stop, done chan struct{}) {
		defer close(done)
		for {
			select {
			case <-ticker.C:
				l.cleanup()
			case <-stop:
				return
			}
		}
	}(l.cleanupTicker, l.stopCleanup, l.cleanupDone)
}

func (l *WindowLimiter) cleanup() {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	cutoff := l.clock.Now().Add(-2 * l.window)

	removed := 0
	for key, counter := range l.partitions {
		counter.mutex.Lock()
		if counter.windowStart.Before(cutoff) {
			delete(l.partitions, key)
			removed++
		}
		counter.mutex.Unlock()
	}

	if removed > 0 && l.logger != nil {
		l.logger.WithField("removed_partitions", removed).Debug("Rate limit cleanup completed")
	}
}

// Stop stops the cleanup goroutine and waits for it to exit
func (l *WindowLimiter) Stop() {
	l.mutex.Lock()
	if l.stopped {
		l.mutex.Unlock()
		return
	}
	l.stopped = true
	ticker, stop, done := l.cleanupTicker, l.stopCleanup, l.cleanupDone
	l.mutex.Unlock()

	if ticker == nil {
		return
	}
	ticker.Stop()
	close(stop)
	<-done
}
