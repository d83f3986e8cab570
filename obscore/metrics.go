package obscore

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the Prometheus metrics surface for one orchestration core
// process: HTTP request duration, Planner Loop rounds, tool-call outcomes
// and cache hit rate, modeled after pkg/observability/metrics.go's
// per-concern CounterVec/HistogramVec grouping.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	turnRounds   prometheus.Histogram
	turnOutcomes *prometheus.CounterVec

	toolCalls        *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
}

// NewMetrics builds and registers every collector against a dedicated
// registry, so /metrics never leaks Go runtime defaults the caller did not
// ask for.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orcacore", Subsystem: "http", Name: "requests_total",
		Help: "Total HTTP requests handled, by route and status.",
	}, []string{"route", "method", "status"})

	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "orcacore", Subsystem: "http", Name: "request_duration_seconds",
		Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})

	m.turnRounds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "orcacore", Subsystem: "planner", Name: "turn_rounds",
		Help: "Number of planner rounds a turn took to reach a terminal state.",
		Buckets: prometheus.LinearBuckets(1, 1, 10),
	})

	m.turnOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orcacore", Subsystem: "planner", Name: "turn_outcomes_total",
		Help: "Terminal Planner Loop outcomes by status.",
	}, []string{"status"})

	m.toolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orcacore", Subsystem: "invoker", Name: "tool_calls_total",
		Help: "Tool Invoker dispatches by tool, provider and outcome.",
	}, []string{"tool", "provider", "outcome"})

	m.toolCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "orcacore", Subsystem: "invoker", Name: "tool_call_duration_seconds",
		Help: "Tool call duration in seconds, including retries.", Buckets: prometheus.DefBuckets,
	}, []string{"tool", "provider"})

	m.cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "orcacore", Subsystem: "invoker", Name: "cache_hits_total",
		Help: "Tool Invoker cache hits.",
	})
	m.cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "orcacore", Subsystem: "invoker", Name: "cache_misses_total",
		Help: "Tool Invoker cache misses.",
	})

	m.registry.MustRegister(
		m.httpRequests, m.httpDuration,
		m.turnRounds, m.turnOutcomes,
		m.toolCalls, m.toolCallDuration,
		m.cacheHits, m.cacheMisses,
	)
	return m
}

// Handler returns the /metrics exposition handler over m's private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(route, method string, status int, duration time.Duration) {
	statusStr := http.StatusText(status)
	if statusStr == "" {
		statusStr = "unknown"
	}
	m.httpRequests.WithLabelValues(route, method, statusStr).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordTurn records one terminal Planner Loop outcome.
func (m *Metrics) RecordTurn(status string, rounds int) {
	m.turnOutcomes.WithLabelValues(status).Inc()
	m.turnRounds.Observe(float64(rounds))
}

// RecordToolCall records one completed Tool Invoker dispatch.
func (m *Metrics) RecordToolCall(tool, provider, outcome string, duration time.Duration) {
	m.toolCalls.WithLabelValues(tool, provider, outcome).Inc()
	m.toolCallDuration.WithLabelValues(tool, provider).Observe(duration.Seconds())
}

// RecordCacheLookup records one cache lookup's hit/miss outcome.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if hit {
		m.cacheHits.Inc()
		return
	}
	m.cacheMisses.Inc()
}
