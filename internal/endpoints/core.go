package endpoints

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/aicentral-gateway/internal/types"
)

const defaultTimeout = 100 * time.Second

// Inbound headers that are never forwarded to a backend
var skippedRequestHeaders = map[string]bool{
	"Authorization":        true,
	"Api-Key":              true,
	"Host":                 true,
	"Content-Length":       true,
	"Connection":           true,
	"Accept-Encoding":      true,
	"X-Aicentral-Affinity": true,
}

// requestShaper adapts the outbound request to a backend protocol
type requestShaper interface {
	targetURL(base string, call *types.IncomingCallDetails, deployment string, query url.Values) string
	shapeBody(body []byte, deployment string) ([]byte, error)
}

// Endpoint is a Dispatcher for one configured backend. Azure and OpenAI
// flavours differ only in their requestShaper and auth.
type Endpoint struct {
	config  Config
	host    string
	baseURL string
	shaper  requestShaper
	auth    BackendAuth
	client  *http.Client
	health  *HealthTracker
	retry   RetryPolicy
	logger  *logrus.Logger
}

// Options carries the shared collaborators of every endpoint
type Options struct {
	Health *HealthTracker
	Retry  RetryPolicy
	Logger *logrus.Logger

	// Client overrides the HTTP client, mainly for tests
	Client *http.Client

	// Auth overrides the authenticator built from Config.Auth
	Auth BackendAuth
}

func newEndpoint(cfg Config, shaper requestShaper, opts Options) (*Endpoint, error) {
	if cfg.ID == "" {
		return nil, errors.New("endpoint id is required")
	}

	parsed, err := url.Parse(cfg.URL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("endpoint %s has invalid url %q", cfg.ID, cfg.URL)
	}

	auth := opts.Auth
	if auth == nil {
		auth, err = NewBackendAuth(cfg.Type, cfg.Auth, cfg.Organization)
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", cfg.ID, err)
		}
	}

	client := opts.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	health := opts.Health
	if health == nil {
		health = NewHealthTracker(nil)
	}

	retry := opts.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Endpoint{
		config:  cfg,
		host:    parsed.Host,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		shaper:  shaper,
		auth:    auth,
		client:  client,
		health:  health,
		retry:   retry,
		logger:  logger,
	}, nil
}

// ID returns the endpoint id
func (e *Endpoint) ID() string {
	return e.config.ID
}

// Host returns the backend host name
func (e *Endpoint) Host() string {
	return e.host
}

// IsAffinityMatch reports whether the id names this endpoint
func (e *Endpoint) IsAffinityMatch(endpointID string) bool {
	return endpointID != "" && endpointID == e.config.ID
}

// Available reports whether the endpoint is outside any back-off window
func (e *Endpoint) Available(now time.Time) bool {
	return e.health.Available(e.config.ID, now)
}

// Status returns the endpoint's current health snapshot
func (e *Endpoint) Status() types.EndpointStatus {
	return e.health.Status(e.config.ID, e.host)
}

// Deployment returns the backend deployment for an incoming model name
func (e *Endpoint) Deployment(model string) (string, bool) {
	if model == "" {
		return "", false
	}
	deployment, ok := e.config.ModelMappings[model]
	return deployment, ok && deployment != ""
}

// Handle implements Dispatcher
func (e *Endpoint) Handle(ctx context.Context, req *types.Request, call *types.IncomingCallDetails, isLastChance bool) (*types.DownstreamResponse, error) {
	logger := req.Log().WithFields(logrus.Fields{
		"endpoint": e.config.ID,
		"host":     e.host,
	})

	deployment, ok := e.Deployment(call.ModelName)
	if !ok {
		resp := types.NewErrorResponse(http.StatusNotFound, types.ErrorTypeInvalidRequest, "DeploymentNotFound",
			fmt.Sprintf("model %q is not available on this endpoint", call.ModelName))
		resp.Usage.EndpointID = e.config.ID
		resp.Usage.BackendHost = e.host

		logger.WithField("model", call.ModelName).Debug("Model not mapped on endpoint")
		if isLastChance {
			return resp, nil
		}
		return resp, &FailureError{EndpointID: e.config.ID, Host: e.host, StatusCode: http.StatusNotFound, Err: ErrUnmappedModel}
	}

	if !e.Available(e.health.Now()) {
		return nil, &FailureError{EndpointID: e.config.ID, Host: e.host, Err: ErrEndpointBlocked}
	}

	started := time.Now()
	var lastErr error

	for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := calculateBackoffDelay(e.retry, attempt-1)
			logger.WithFields(logrus.Fields{
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
			}).Debug("Retrying downstream call after backoff delay")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("request cancelled during retry backoff: %w", ctx.Err())
			}
		}

		attemptStarted := time.Now()
		httpResp, body, err := e.send(ctx, req, call, deployment)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("downstream call to %s cancelled: %w", e.config.ID, ctx.Err())
			}
			lastErr = err
			logger.WithError(err).WithField("attempt", attempt).Warn("Downstream call failed")
			continue
		}

		e.health.ObserveResponse(e.config.ID, httpResp.Header, time.Since(attemptStarted))

		if httpResp.StatusCode >= 500 && attempt < e.retry.MaxAttempts {
			lastErr = fmt.Errorf("status %d", httpResp.StatusCode)
			logger.WithFields(logrus.Fields{
				"attempt":     attempt,
				"status_code": httpResp.StatusCode,
			}).Warn("Downstream returned server error")
			continue
		}

		return e.complete(req, call, deployment, httpResp, body, time.Since(started), isLastChance, logger)
	}

	req.RecordFailedHost(e.host)
	e.health.RecordFailure(e.config.ID, lastErr.Error())
	return nil, &FailureError{
		EndpointID: e.config.ID,
		Host:       e.host,
		Err:        fmt.Errorf("%w after %d attempts: %v", ErrTransport, e.retry.MaxAttempts, lastErr),
	}
}

// complete classifies a backend response and attaches usage
func (e *Endpoint) complete(req *types.Request, call *types.IncomingCallDetails, deployment string, httpResp *http.Response, body []byte, duration time.Duration, isLastChance bool, logger *logrus.Entry) (*types.DownstreamResponse, error) {
	resp := &types.DownstreamResponse{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header.Clone(),
		Body:       body,
		Usage: types.UsageInfo{
			EndpointID:     e.config.ID,
			BackendHost:    e.host,
			DeploymentName: deployment,
			Duration:       duration,
			StatusCode:     httpResp.StatusCode,
			Succeeded:      httpResp.StatusCode >= 200 && httpResp.StatusCode < 300,
		},
	}

	usage, found, streamed := parseUsage(body, httpResp.Header.Get("Content-Type"))
	resp.Usage.Streamed = streamed
	if found {
		resp.Usage.PromptTokens = usage.PromptTokens
		resp.Usage.CompletionTokens = usage.CompletionTokens
		resp.Usage.TotalTokens = usage.TotalTokens
	}
	if resp.Usage.PromptTokens == 0 {
		resp.Usage.EstimatedPromptTokens = estimateTokens(call.PromptText)
	}

	if resp.Usage.Succeeded {
		return resp, nil
	}

	if httpResp.StatusCode == http.StatusTooManyRequests {
		now := e.health.Now()
		retryAfter := parseRetryAfter(httpResp.Header, now, e.retry.DefaultRetryAfter)
		e.health.Block(e.config.ID, now.Add(retryAfter), "rate limited by backend")
		logger.WithField("retry_after_ms", retryAfter.Milliseconds()).Warn("Downstream rate limited, blocking endpoint")
	} else {
		e.health.RecordFailure(e.config.ID, fmt.Sprintf("status %d", httpResp.StatusCode))
	}

	req.RecordFailedHost(e.host)
	if isLastChance {
		logger.WithField("status_code", httpResp.StatusCode).Warn("Last candidate failed, returning backend response")
		return resp, nil
	}

	return resp, &FailureError{
		EndpointID: e.config.ID,
		Host:       e.host,
		StatusCode: httpResp.StatusCode,
		Err:        ErrDownstreamStatus,
	}
}

// send performs one HTTP exchange and buffers the whole body
func (e *Endpoint) send(ctx context.Context, req *types.Request, call *types.IncomingCallDetails, deployment string) (*http.Response, []byte, error) {
	body, err := e.shaper.shapeBody(req.Body, deployment)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to shape request body: %w", err)
	}

	var query url.Values
	method := http.MethodPost
	if req.HTTP != nil {
		query = req.HTTP.URL.Query()
		method = req.HTTP.Method
	}
	target := e.shaper.targetURL(e.baseURL, call, deployment, query)

	outgoing, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build downstream request: %w", err)
	}

	for name, values := range req.Header() {
		if skippedRequestHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			outgoing.Header.Add(name, v)
		}
	}
	if outgoing.Header.Get("Content-Type") == "" && len(body) > 0 {
		outgoing.Header.Set("Content-Type", "application/json")
	}

	if err := e.auth.Apply(ctx, req.Header(), outgoing); err != nil {
		return nil, nil, err
	}

	resp, err := e.client.Do(outgoing)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read downstream response: %w", err)
	}
	return resp, payload, nil
}

// calculateBackoffDelay calculates retry delay based on backoff strategy
func calculateBackoffDelay(policy RetryPolicy, attempt int) time.Duration {
	var delay time.Duration

	switch policy.BackoffType {
	case "linear":
		delay = time.Duration(int64(policy.BaseDelay) * int64(attempt))
	default:
		multiplier := math.Pow(2, float64(attempt-1))
		delay = time.Duration(float64(policy.BaseDelay) * multiplier)
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// parseRetryAfter reads retry-after-ms, then Retry-After as seconds or an HTTP date
func parseRetryAfter(header http.Header, now time.Time, fallback time.Duration) time.Duration {
	if raw := header.Get("retry-after-ms"); raw != "" {
		if ms, err := strconv.ParseFloat(raw, 64); err == nil && ms >= 0 {
			return time.Duration(ms * float64(time.Millisecond))
		}
	}

	raw := header.Get("Retry-After")
	if raw == "" {
		return fallback
	}
	if seconds, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return fallback
}
