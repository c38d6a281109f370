package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/aicentral-gateway/internal/config"
	"github.com/tributary-ai/aicentral-gateway/internal/endpoints"
	"github.com/tributary-ai/aicentral-gateway/internal/gateway"
)

const chatBody = `{"messages":[{"role":"user","content":"hi"}]}`

func newTestServer(t *testing.T, backend http.Handler, mutate func(*config.Config)) http.Handler {
	t.Helper()

	upstream := httptest.NewServer(backend)
	t.Cleanup(upstream.Close)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := &config.Config{
		Server: config.ServerConfig{MaxRequestSize: 1 << 10},
		Dispatch: endpoints.RetryPolicy{
			MaxAttempts: 1,
		},
		Endpoints: []endpoints.Config{{
			ID:            "east",
			Type:          endpoints.TypeAzureOpenAI,
			URL:           upstream.URL,
			ModelMappings: map[string]string{"gpt-4o": "gpt-4o-east"},
		}},
		EndpointSelectors: []config.SelectorConfig{{Name: "only", Type: config.SelectorSingle, Endpoints: []string{"east"}}},
		Pipelines: []config.PipelineConfig{{
			Name:             "default",
			Host:             "gateway.example.com",
			EndpointSelector: "only",
		}},
	}
	if mutate != nil {
		mutate(cfg)
	}

	gw, err := gateway.New(cfg, gateway.Options{Client: upstream.Client()}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { gw.Close() })

	return NewServer(gw, cfg.Server, logger).Handler()
}

func okBackend() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"1","usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`))
	})
}

func TestHandleProxy_Success(t *testing.T) {
	var gotPath string
	handler := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		okBackend().ServeHTTP(w, r)
	}), nil)

	req := httptest.NewRequest(http.MethodPost, "http://gateway.example.com/openai/deployments/gpt-4o/chat/completions?api-version=2024-06-01", strings.NewReader(chatBody))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/openai/deployments/gpt-4o-east/chat/completions", gotPath)
	assert.Contains(t, w.Body.String(), `"total_tokens":5`)
	assert.NotEmpty(t, w.Header().Get("x-aicentral-server"))
	assert.Equal(t, "east", w.Header().Get("x-aicentral-affinity"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestHandleProxy_NoPipeline(t *testing.T) {
	handler := newTestServer(t, okBackend(), nil)

	req := httptest.NewRequest(http.MethodPost, "http://other.example.com/openai/deployments/gpt-4o/chat/completions", strings.NewReader(chatBody))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NoPipeline")
}

func TestHandleProxy_DetectorErrors(t *testing.T) {
	handler := newTestServer(t, okBackend(), nil)

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
	}{
		{name: "unknown operation path", path: "/api/v2/things", body: chatBody, wantStatus: http.StatusNotFound},
		{name: "openai call without model", path: "/v1/chat/completions", body: chatBody, wantStatus: http.StatusBadRequest},
		{name: "body too large", path: "/openai/deployments/gpt-4o/chat/completions", body: strings.Repeat("x", 2<<10), wantStatus: http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "http://gateway.example.com"+tt.path, strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		})
	}
}

func TestHandleHealthCheck(t *testing.T) {
	handler := newTestServer(t, okBackend(), nil)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://gateway.example.com/health", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status    string `json:"status"`
		Endpoints []struct {
			EndpointID string `json:"endpoint_id"`
			Status     string `json:"status"`
		} `json:"endpoints"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	require.Len(t, body.Endpoints, 1)
	assert.Equal(t, "east", body.Endpoints[0].EndpointID)
}

func TestHandleHealthCheck_Unavailable(t *testing.T) {
	handler := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}), nil)

	req := httptest.NewRequest(http.MethodPost, "http://gateway.example.com/openai/deployments/gpt-4o/chat/completions", strings.NewReader(chatBody))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://gateway.example.com/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"unavailable"`)
}

func TestMetricsEndpoint(t *testing.T) {
	handler := newTestServer(t, okBackend(), func(cfg *config.Config) {
		cfg.Steps = []config.StepConfig{{Name: "usage", Type: config.StepUsageLogger}}
		cfg.Pipelines[0].Steps = []string{"usage"}
	})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://gateway.example.com/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "aicentral_usage_events_dropped_total")
}

func TestCORSPreflight(t *testing.T) {
	handler := newTestServer(t, okBackend(), func(cfg *config.Config) {
		cfg.Server.AllowedOrigins = []string{"https://app.example.com"}
	})

	req := httptest.NewRequest(http.MethodOptions, "http://gateway.example.com/openai/deployments/gpt-4o/chat/completions", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}
