package endpoints

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tributary-ai/aicentral-gateway/internal/types"
)

// Endpoint types
const (
	TypeAzureOpenAI = "azure_openai"
	TypeOpenAI      = "openai"
)

var (
	// ErrEndpointBlocked is returned when an endpoint is inside a 429 back-off window
	ErrEndpointBlocked = errors.New("endpoint is blocked")

	// ErrUnmappedModel is returned when the endpoint has no deployment for the model
	ErrUnmappedModel = errors.New("model is not mapped on endpoint")

	// ErrDownstreamStatus is returned when the backend answered with a non-success status
	ErrDownstreamStatus = errors.New("downstream returned non-success status")

	// ErrTransport is returned when every attempt failed before a response arrived
	ErrTransport = errors.New("downstream transport failure")
)

// Dispatcher sends calls to one configured backend
type Dispatcher interface {
	ID() string
	Host() string

	// Handle sends the call. When isLastChance is true a non-success backend
	// response is returned to the caller instead of being reported as an error.
	Handle(ctx context.Context, req *types.Request, call *types.IncomingCallDetails, isLastChance bool) (*types.DownstreamResponse, error)

	IsAffinityMatch(endpointID string) bool

	// Available reports whether the endpoint is outside any back-off window
	Available(now time.Time) bool
}

// FailureError describes a failed attempt against one endpoint
type FailureError struct {
	EndpointID string
	Host       string
	StatusCode int
	Err        error
}

func (e *FailureError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("endpoint %s (%s) status %d: %v", e.EndpointID, e.Host, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("endpoint %s (%s): %v", e.EndpointID, e.Host, e.Err)
}

func (e *FailureError) Unwrap() error {
	return e.Err
}

// Config holds the configuration of a single backend endpoint
type Config struct {
	ID            string            `yaml:"id"`
	Type          string            `yaml:"type"` // "azure_openai" or "openai"
	URL           string            `yaml:"url"`
	APIVersion    string            `yaml:"api_version"`
	Organization  string            `yaml:"organization"`
	Auth          AuthConfig        `yaml:"auth"`
	ModelMappings map[string]string `yaml:"model_mappings"`
	Timeout       time.Duration     `yaml:"timeout"`
}

// RetryPolicy controls in-place retries of transient failures
type RetryPolicy struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffType       string        `yaml:"backoff_type"` // "exponential" or "linear"
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	DefaultRetryAfter time.Duration `yaml:"default_retry_after"`
}

// DefaultRetryPolicy returns the policy used when none is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BackoffType:       "exponential",
		BaseDelay:         200 * time.Millisecond,
		MaxDelay:          2 * time.Second,
		DefaultRetryAfter: 10 * time.Second,
	}
}
