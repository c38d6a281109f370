package types

import (
	"net/http"
	"time"
)

// Gateway response headers
const (
	HeaderDuration      = "x-aicentral-duration"
	HeaderServer        = "x-aicentral-server"
	HeaderFailedServers = "x-aicentral-failed-servers"
	HeaderAffinity      = "x-aicentral-affinity"
)

// UsageInfo is the telemetry attached to a downstream attempt
type UsageInfo struct {
	EndpointID            string        `json:"endpoint_id,omitempty"`
	BackendHost           string        `json:"backend_host,omitempty"`
	DeploymentName        string        `json:"deployment_name,omitempty"`
	PromptTokens          int           `json:"prompt_tokens"`
	CompletionTokens      int           `json:"completion_tokens"`
	TotalTokens           int           `json:"total_tokens"`
	EstimatedPromptTokens int           `json:"estimated_prompt_tokens,omitempty"`
	Duration              time.Duration `json:"duration"`
	StatusCode            int           `json:"status_code"`
	Succeeded             bool          `json:"succeeded"`
	Streamed              bool          `json:"streamed,omitempty"`
}

// DownstreamResponse is the result of one backend attempt, or a response
// produced by a step that short-circuited the pipeline.
type DownstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Usage      UsageInfo
}

// Succeeded reports whether the status code is 2xx
func (r *DownstreamResponse) Succeeded() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Usage mirrors the OpenAI usage block
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
