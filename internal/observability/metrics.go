package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the Prometheus exposition of the observability snapshot (§9:
// "core exposes a polling snapshot function... any dashboard push channel is
// a separate concern"). The forwarder and key manager feed it inline with
// the request path; GET /metrics serves whatever promhttp's default handler
// renders from the registry.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal  *prometheus.CounterVec
	attemptsTotal  *prometheus.CounterVec
	overflowTotal  *prometheus.CounterVec
	retryBackoff   *prometheus.HistogramVec
	attemptLatency *prometheus.HistogramVec
}

// NewMetrics builds and registers every collector on a fresh registry, kept
// private to the Application rather than the global default registry so
// tests can construct independent instances.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "olla_requests_total",
		Help: "Client requests completed, by terminal status.",
	}, []string{"status"})

	m.attemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "olla_upstream_attempts_total",
		Help: "Upstream dispatch attempts, by model and HTTP status class.",
	}, []string{"model", "class"})

	m.overflowTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "olla_context_overflow_total",
		Help: "Requests rejected for context overflow, by cause.",
	}, []string{"cause"})

	m.retryBackoff = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "olla_retry_backoff_seconds",
		Help:    "Computed backoff delay before a retried attempt.",
		Buckets: prometheus.DefBuckets,
	}, []string{"model"})

	m.attemptLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "olla_upstream_attempt_latency_seconds",
		Help:    "Upstream attempt latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"model"})

	m.registry.MustRegister(m.requestsTotal, m.attemptsTotal, m.overflowTotal, m.retryBackoff, m.attemptLatency)
	return m
}

// Handler serves the registry in the Prometheus exposition format (§6 GET /metrics).
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest tallies one completed client request by its terminal status
// ("success" or "error", matching domain.RequestTrace.Status).
func (m *Metrics) RecordRequest(status string) {
	m.requestsTotal.WithLabelValues(status).Inc()
}

// RecordOverflow tallies one context-overflow rejection ("genuine" or "transient").
func (m *Metrics) RecordOverflow(cause string) {
	m.overflowTotal.WithLabelValues(cause).Inc()
}

// RecordAttempt tallies one upstream dispatch and its latency, bucketed by
// HTTP status class (e.g. "2xx", "5xx", "err" for transport failures).
func (m *Metrics) RecordAttempt(model, class string, latency time.Duration) {
	m.attemptsTotal.WithLabelValues(model, class).Inc()
	m.attemptLatency.WithLabelValues(model).Observe(latency.Seconds())
}

// RecordBackoff observes a computed retry delay before it's slept.
func (m *Metrics) RecordBackoff(model string, d time.Duration) {
	m.retryBackoff.WithLabelValues(model).Observe(d.Seconds())
}
