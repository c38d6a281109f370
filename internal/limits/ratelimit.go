package limits

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/aicentral-gateway/internal/clock"
	"github.com/tributary-ai/aicentral-gateway/internal/pipeline"
	"github.com/tributary-ai/aicentral-gateway/internal/types"
)

var (
	_ pipeline.Step = (*RequestRateLimitStep)(nil)
	_ pipeline.Step = (*TokenRateLimitStep)(nil)
)

// RateLimitConfig holds fixed-window configuration
type RateLimitConfig struct {
	PermitLimit     int64         `yaml:"permit_limit"`
	Window          time.Duration `yaml:"window"`
	Scope           string        `yaml:"scope"` // "client" or "endpoint"
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

func (c RateLimitConfig) validate(name string) (Scope, error) {
	if c.PermitLimit <= 0 {
		return "", fmt.Errorf("rate limiter %s: permit_limit must be positive", name)
	}
	if c.Window <= 0 {
		return "", fmt.Errorf("rate limiter %s: window must be positive", name)
	}
	scope, err := ParseScope(c.Scope)
	if err != nil {
		return "", fmt.Errorf("rate limiter %s: %w", name, err)
	}
	return scope, nil
}

// RequestRateLimitStep admits at most PermitLimit requests per window and
// partition, rejecting the rest before the backend is called.
type RequestRateLimitStep struct {
	name    string
	scope   Scope
	limiter *WindowLimiter
	logger  *logrus.Logger
}

// NewRequestRateLimitStep creates a fixed-window request limiter
func NewRequestRateLimitStep(name string, cfg RateLimitConfig, c clock.Clock, logger *logrus.Logger) (*RequestRateLimitStep, error) {
	scope, err := cfg.validate(name)
	if err != nil {
		return nil, err
	}
	step := &RequestRateLimitStep{
		name:    name,
		scope:   scope,
		limiter: NewWindowLimiter(cfg.PermitLimit, cfg.Window, c, logger),
		logger:  logger,
	}
	if cfg.CleanupInterval > 0 {
		step.limiter.StartCleanup(cfg.CleanupInterval)
	}
	return step, nil
}

// Close stops background partition cleanup
func (s *RequestRateLimitStep) Close() error {
	s.limiter.Stop()
	return nil
}

// Limiter exposes the underlying counters
func (s *RequestRateLimitStep) Limiter() *WindowLimiter {
	return s.limiter
}

// Handle implements pipeline.Step
func (s *RequestRateLimitStep) Handle(ctx context.Context, req *types.Request, call *types.IncomingCallDetails, next pipeline.Next) (*types.DownstreamResponse, error) {
	key := PartitionKey(req, s.scope)
	lease := s.limiter.TryAcquire(key, 1)
	if !lease.Allowed {
		req.Log().WithFields(logrus.Fields{
			"limiter":     s.name,
			"partition":   key,
			"retry_after": lease.RetryAfter,
		}).Warn("Request rate limit exceeded")
		return rejection(lease, "request"), nil
	}
	return next(ctx, req, call)
}

// BuildResponseHeaders implements pipeline.Step
func (s *RequestRateLimitStep) BuildResponseHeaders(_ context.Context, req *types.Request, _ *types.DownstreamResponse, header http.Header) {
	lease := s.limiter.Probe(PartitionKey(req, s.scope))
	header.Set("x-ratelimit-limit-requests", strconv.FormatInt(lease.Limit, 10))
	header.Set("x-ratelimit-remaining-requests", strconv.FormatInt(lease.Remaining, 10))
}

// TokenRateLimitStep limits tokens per window and partition. Admission only
// checks that some capacity is left; the backend's reported usage is debited
// after a successful call.
type TokenRateLimitStep struct {
	name    string
	scope   Scope
	limiter *WindowLimiter
	logger  *logrus.Logger
}

// NewTokenRateLimitStep creates a token limiter
func NewTokenRateLimitStep(name string, cfg RateLimitConfig, c clock.Clock, logger *logrus.Logger) (*TokenRateLimitStep, error) {
	scope, err := cfg.validate(name)
	if err != nil {
		return nil, err
	}
	step := &TokenRateLimitStep{
		name:    name,
		scope:   scope,
		limiter: NewWindowLimiter(cfg.PermitLimit, cfg.Window, c, logger),
		logger:  logger,
	}
	if cfg.CleanupInterval > 0 {
		step.limiter.StartCleanup(cfg.CleanupInterval)
	}
	return step, nil
}

// Close stops background partition cleanup
func (s *TokenRateLimitStep) Close() error {
	s.limiter.Stop()
	return nil
}

// Limiter exposes the underlying counters
func (s *TokenRateLimitStep) Limiter() *WindowLimiter {
	return s.limiter
}

// Handle implements pipeline.Step
func (s *TokenRateLimitStep) Handle(ctx context.Context, req *types.Request, call *types.IncomingCallDetails, next pipeline.Next) (*types.DownstreamResponse, error) {
	key := PartitionKey(req, s.scope)
	if lease := s.limiter.Probe(key); !lease.Allowed {
		req.Log().WithFields(logrus.Fields{
			"limiter":     s.name,
			"partition":   key,
			"retry_after": lease.RetryAfter,
		}).Warn("Token rate limit exceeded")
		return rejection(lease, "token"), nil
	}

	resp, err := next(ctx, req, call)
	if err != nil || resp == nil || !resp.Succeeded() {
		return resp, err
	}

	tokens := int64(resp.Usage.TotalTokens)
	if tokens == 0 {
		tokens = int64(resp.Usage.EstimatedPromptTokens)
	}
	taken := s.limiter.Consume(key, tokens)

	req.Log().WithFields(logrus.Fields{
		"limiter":   s.name,
		"partition": key,
		"tokens":    tokens,
		"consumed":  taken,
	}).Debug("Tokens debited")

	return resp, nil
}

// BuildResponseHeaders implements pipeline.Step
func (s *TokenRateLimitStep) BuildResponseHeaders(_ context.Context, req *types.Request, _ *types.DownstreamResponse, header http.Header) {
	lease := s.limiter.Probe(PartitionKey(req, s.scope))
	header.Set("x-ratelimit-limit-tokens", strconv.FormatInt(lease.Limit, 10))
	header.Set("x-ratelimit-remaining-tokens", strconv.FormatInt(lease.Remaining, 10))
}

func rejection(lease Lease, unit string) *types.DownstreamResponse {
	resp := types.NewErrorResponse(http.StatusTooManyRequests, types.ErrorTypeRateLimit, "RateLimitExceeded",
		fmt.Sprintf("%s rate limit exceeded, retry after %s", unit, lease.RetryAfter.Round(time.Second)))

	seconds := int64(math.Ceil(lease.RetryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	resp.Header.Set("Retry-After", strconv.FormatInt(seconds, 10))
	return resp
}
