// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Streams run for minutes, up to the relay timeout.
var streamBuckets = []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 600}

// Metrics holds all Prometheus metric collectors for the relay.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration   *prometheus.HistogramVec
	UpstreamResponses  *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec

	RelaysTotal     *prometheus.CounterVec
	RelayDuration   *prometheus.HistogramVec
	ChunksForwarded *prometheus.CounterVec
	BytesForwarded  *prometheus.CounterVec
	ActiveStreams   prometheus.Gauge
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_relay_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stream_relay_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stream_relay_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stream_relay_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_relay_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_relay_circuit_breaker_transitions_total",
			Help: "Circuit breaker state changes by service and new state.",
		}, []string{"service", "state"}),

		RelaysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_relay_relays_total",
			Help: "Finished relays by service and outcome.",
		}, []string{"service", "outcome"}),

		RelayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stream_relay_relay_duration_seconds",
			Help:    "Relay duration from connect to the terminal outcome.",
			Buckets: streamBuckets,
		}, []string{"service", "outcome"}),

		ChunksForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_relay_chunks_forwarded_total",
			Help: "Upstream chunks written downstream.",
		}, []string{"service"}),

		BytesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_relay_bytes_forwarded_total",
			Help: "Upstream bytes written downstream.",
		}, []string{"service"}),

		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stream_relay_active_streams",
			Help: "Relays currently connecting or streaming.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.BreakerTransitions,
		m.RelaysTotal,
		m.RelayDuration,
		m.ChunksForwarded,
		m.BytesForwarded,
		m.ActiveStreams,
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

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{"/relay/stream", "/relay/status", "/healthz", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
