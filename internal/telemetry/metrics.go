package telemetry

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	failedBackends  *prometheus.CounterVec
	droppedEvents   prometheus.Counter
}

// NewMetrics registers the gateway collectors
func NewMetrics() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aicentral_requests_total",
			Help: "Total number of requests completed by the gateway.",
		}, []string{"pipeline", "endpoint", "status"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aicentral_tokens_total",
			Help: "Tokens reported by backends.",
		}, []string{"pipeline", "endpoint", "type"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aicentral_request_duration_seconds",
			Help:    "Backend call duration in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"pipeline", "endpoint"}),
		failedBackends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aicentral_failed_backend_attempts_total",
			Help: "Backend attempts that failed before the request completed.",
		}, []string{"pipeline", "host"}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aicentral_usage_events_dropped_total",
			Help: "Usage events dropped because the recorder buffer was full.",
		}),
	}
	r.MustRegister(m.requestsTotal, m.tokensTotal, m.requestDuration, m.failedBackends, m.droppedEvents)
	return m
}

// Registry exposes the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// ObserveUsage records one completed request
func (m *Metrics) ObserveUsage(event *UsageEvent) {
	endpoint := event.EndpointID
	if endpoint == "" {
		endpoint = "none"
	}

	m.requestsTotal.WithLabelValues(event.Pipeline, endpoint, strconv.Itoa(event.StatusCode)).Inc()
	if event.Duration > 0 {
		m.requestDuration.WithLabelValues(event.Pipeline, endpoint).Observe(event.Duration.Seconds())
	}
	if event.PromptTokens > 0 {
		m.tokensTotal.WithLabelValues(event.Pipeline, endpoint, "prompt").Add(float64(event.PromptTokens))
	}
	if event.CompletionTokens > 0 {
		m.tokensTotal.WithLabelValues(event.Pipeline, endpoint, "completion").Add(float64(event.CompletionTokens))
	}
	for _, host := range event.FailedHosts {
		m.failedBackends.WithLabelValues(event.Pipeline, host).Inc()
	}
}

func (m *Metrics) observeDropped() {
	m.droppedEvents.Inc()
}
