package limits

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/tributary-ai/aicentral-gateway/internal/pipeline"
	"github.com/tributary-ai/aicentral-gateway/internal/types"
)

var _ pipeline.Step = (*BulkheadStep)(nil)

// BulkheadConfig configures a concurrency cap
type BulkheadConfig struct {
	MaxConcurrency int64 `yaml:"max_concurrency"`
}

// BulkheadStep caps the number of requests in flight through it. Waiters are
// admitted in arrival order.
type BulkheadStep struct {
	name   string
	max    int64
	sem    *semaphore.Weighted
	logger *logrus.Logger
}

// NewBulkheadStep creates a bulkhead with cfg.MaxConcurrency permits
func NewBulkheadStep(name string, cfg BulkheadConfig, logger *logrus.Logger) (*BulkheadStep, error) {
	if cfg.MaxConcurrency <= 0 {
		return nil, fmt.Errorf("bulkhead %s: max_concurrency must be positive", name)
	}
	return &BulkheadStep{
		name:   name,
		max:    cfg.MaxConcurrency,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrency),
		logger: logger,
	}, nil
}

// Handle implements pipeline.Step
func (b *BulkheadStep) Handle(ctx context.Context, req *types.Request, call *types.IncomingCallDetails, next pipeline.Next) (*types.DownstreamResponse, error) {
	waitStart := time.Now()
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("bulkhead %s wait cancelled: %w", b.name, err)
	}
	defer b.sem.Release(1)

	if waited := time.Since(waitStart); waited > 100*time.Millisecond {
		req.Log().WithFields(logrus.Fields{
			"bulkhead": b.name,
			"wait_ms":  waited.Milliseconds(),
		}).Debug("Request queued in bulkhead")
	}

	return next(ctx, req, call)
}

// BuildResponseHeaders implements pipeline.Step
func (b *BulkheadStep) BuildResponseHeaders(context.Context, *types.Request, *types.DownstreamResponse, http.Header) {
}
