// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for proxy latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	RelayedBytes      prometheus.Counter
	OutcomesRendered  *prometheus.CounterVec

	CircuitBreakerTransitions *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streaming_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streaming_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds, including the full relay.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streaming_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streaming_proxy_upstream_connect_duration_seconds",
			Help:    "Time until the upstream response preamble arrived, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streaming_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		RelayedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streaming_proxy_relayed_bytes_total",
			Help: "Response body bytes relayed from upstream to clients.",
		}),

		OutcomesRendered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streaming_proxy_outcomes_rendered_total",
			Help: "Responses rendered by the proxy itself instead of relayed from upstream.",
		}, []string{"status_code"}),

		CircuitBreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streaming_proxy_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions per backend.",
		}, []string{"backend", "from", "to"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.RelayedBytes,
		m.OutcomesRendered,
		m.CircuitBreakerTransitions,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// NormalizeStatus returns a status code label; codes outside 100–599 become "other".
func NormalizeStatus(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code)
}
