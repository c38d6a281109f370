// Package telemetry records per-request usage to the log and to Prometheus.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// UsageEvent is the usage record for one request through a pipeline
type UsageEvent struct {
	ID                    string        `json:"id"`
	Timestamp             time.Time     `json:"timestamp"`
	RequestID             string        `json:"request_id"`
	Pipeline              string        `json:"pipeline"`
	Client                string        `json:"client"`
	CallType              string        `json:"call_type"`
	Model                 string        `json:"model"`
	EndpointID            string        `json:"endpoint_id,omitempty"`
	BackendHost           string        `json:"backend_host,omitempty"`
	DeploymentName        string        `json:"deployment_name,omitempty"`
	StatusCode            int           `json:"status_code"`
	PromptTokens          int           `json:"prompt_tokens"`
	CompletionTokens      int           `json:"completion_tokens"`
	TotalTokens           int           `json:"total_tokens"`
	EstimatedPromptTokens int           `json:"estimated_prompt_tokens,omitempty"`
	Duration              time.Duration `json:"duration"`
	Streamed              bool          `json:"streamed,omitempty"`
	Succeeded             bool          `json:"succeeded"`
	FailedHosts           []string      `json:"failed_hosts,omitempty"`
	Error                 string        `json:"error,omitempty"`
}

// RecorderConfig holds usage recorder configuration
type RecorderConfig struct {
	BufferSize    int           `yaml:"buffer_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// UsageRecorder writes usage events off the request path. Events are
// buffered; when the buffer is full new events are dropped, never blocking
// the caller.
type UsageRecorder struct {
	config   RecorderConfig
	logger   *logrus.Logger
	metrics  *Metrics
	buffer   chan *UsageEvent
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
	stopped  bool

	recorded atomic.Int64
	written  atomic.Int64
	dropped  atomic.Int64
}

// NewUsageRecorder creates and starts a recorder. metrics may be nil.
func NewUsageRecorder(config RecorderConfig, metrics *Metrics, logger *logrus.Logger) *UsageRecorder {
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}

	recorder := &UsageRecorder{
		config:   config,
		logger:   logger,
		metrics:  metrics,
		buffer:   make(chan *UsageEvent, config.BufferSize),
		stopChan: make(chan struct{}),
	}

	recorder.wg.Add(1)
	go recorder.eventProcessor()

	return recorder
}

// Record queues an event. It reports false if the event was dropped.
func (u *UsageRecorder) Record(event *UsageEvent) bool {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.stopped {
		return false
	}

	select {
	case u.buffer <- event:
		u.recorded.Add(1)
		return true
	default:
		u.dropped.Add(1)
		if u.metrics != nil {
			u.metrics.observeDropped()
		}
		u.logger.WithField("request_id", event.RequestID).Warn("Usage buffer full, dropping event")
		return false
	}
}

// Recorded returns the number of events accepted
func (u *UsageRecorder) Recorded() int64 {
	return u.recorded.Load()
}

// Written returns the number of events flushed
func (u *UsageRecorder) Written() int64 {
	return u.written.Load()
}

// Dropped returns the number of events dropped on a full buffer
func (u *UsageRecorder) Dropped() int64 {
	return u.dropped.Load()
}

// Stop flushes queued events and stops the processor
func (u *UsageRecorder) Stop() {
	u.mu.Lock()
	if u.stopped {
		u.mu.Unlock()
		return
	}
	u.stopped = true
	u.mu.Unlock()

	close(u.stopChan)
	u.wg.Wait()
}

func (u *UsageRecorder) eventProcessor() {
	defer u.wg.Done()

	ticker := time.NewTicker(u.config.FlushInterval)
	defer ticker.Stop()

	events := make([]*UsageEvent, 0, u.config.BatchSize)

	for {
		select {
		case event := <-u.buffer:
			events = append(events, event)
			if len(events) >= u.config.BatchSize {
				u.flushEvents(events)
				events = events[:0]
			}

		case <-ticker.C:
			if len(events) > 0 {
				u.flushEvents(events)
				events = events[:0]
			}

		case <-u.stopChan:
			// Record refuses new events once stopped, so the buffer only drains
			for {
				select {
				case event := <-u.buffer:
					events = append(events, event)
				default:
					u.flushEvents(events)
					return
				}
			}
		}
	}
}

func (u *UsageRecorder) flushEvents(events []*UsageEvent) {
	for _, event := range events {
		u.writeEvent(event)
	}
}

func (u *UsageRecorder) writeEvent(event *UsageEvent) {
	fields := logrus.Fields{
		"usage_event":       true,
		"event_id":          event.ID,
		"request_id":        event.RequestID,
		"pipeline":          event.Pipeline,
		"client":            event.Client,
		"call_type":         event.CallType,
		"model":             event.Model,
		"endpoint":          event.EndpointID,
		"backend_host":      event.BackendHost,
		"deployment":        event.DeploymentName,
		"status_code":       event.StatusCode,
		"prompt_tokens":     event.PromptTokens,
		"completion_tokens": event.CompletionTokens,
		"total_tokens":      event.TotalTokens,
		"duration_ms":       event.Duration.Milliseconds(),
		"streamed":          event.Streamed,
	}
	if event.EstimatedPromptTokens > 0 {
		fields["estimated_prompt_tokens"] = event.EstimatedPromptTokens
	}
	if len(event.FailedHosts) > 0 {
		fields["failed_hosts"] = event.FailedHosts
	}

	entry := u.logger.WithFields(fields)
	switch {
	case event.Error != "":
		entry.WithField("error", event.Error).Warn("Request failed")
	case !event.Succeeded:
		entry.Info("Request completed with error status")
	default:
		entry.Info("Request completed")
	}

	if u.metrics != nil {
		u.metrics.ObserveUsage(event)
	}
	u.written.Add(1)
}
