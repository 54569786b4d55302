// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Outcome label values for ProxyRequests.
const (
	OutcomeForwarded    = "forwarded"
	OutcomeFanOut       = "fan_out"
	OutcomeTunnel       = "tunnel"
	OutcomeBlocked      = "blocked"
	OutcomeParseError   = "parse_error"
	OutcomeRoutingError = "routing_error"
	OutcomeConnectError = "connect_error"
	OutcomeForwardError = "forward_error"
	OutcomeTimeout      = "timeout"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	// Admin HTTP surface.
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	ProxyRequests     *prometheus.CounterVec
	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	ActiveConnections *prometheus.GaugeVec
	ActiveTunnels     prometheus.Gauge
	TunnelBytes       *prometheus.CounterVec
	H2PendingStreams  prometheus.Gauge

	FilterBlocks *prometheus.CounterVec

	AggregationsInFlight  prometheus.Gauge
	AggregationsFinalized *prometheus.CounterVec

	Notifications *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ahc_proxy_admin_http_requests_total",
			Help: "Total admin HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ahc_proxy_admin_http_request_duration_seconds",
			Help:    "Admin HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ahc_proxy_admin_http_requests_in_flight",
			Help: "Number of admin HTTP requests currently being processed.",
		}),

		ProxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ahc_proxy_requests_total",
			Help: "Total proxied client requests by protocol, method and outcome.",
		}, []string{"protocol", "method", "outcome"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ahc_proxy_upstream_request_duration_seconds",
			Help:    "Backend exchange latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ahc_proxy_upstream_responses_total",
			Help: "Total backend responses by method and status code.",
		}, []string{"method", "status_code"}),

		ActiveConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ahc_proxy_active_connections",
			Help: "Open client connections by protocol.",
		}, []string{"protocol"}),

		ActiveTunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ahc_proxy_active_tunnels",
			Help: "Open CONNECT tunnels.",
		}),

		TunnelBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ahc_proxy_tunnel_bytes_total",
			Help: "Bytes relayed through CONNECT tunnels by direction.",
		}, []string{"direction"}),

		H2PendingStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ahc_proxy_h2_pending_streams",
			Help: "HTTP/2 streams waiting for the rest of their body.",
		}),

		FilterBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ahc_proxy_filter_blocks_total",
			Help: "Requests blocked by the content filter by rule.",
		}, []string{"rule"}),

		AggregationsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ahc_proxy_aggregations_in_flight",
			Help: "Fan-out requests waiting for backend responses.",
		}),

		AggregationsFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ahc_proxy_aggregations_finalized_total",
			Help: "Finalized fan-out requests by reason (complete or timeout).",
		}, []string{"reason"}),

		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ahc_proxy_notifications_total",
			Help: "Notification events by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.ProxyRequests,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.ActiveConnections,
		m.ActiveTunnels,
		m.TunnelBytes,
		m.H2PendingStreams,
		m.FilterBlocks,
		m.AggregationsInFlight,
		m.AggregationsFinalized,
		m.Notifications,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true, "CONNECT": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed admin path label values (bounded cardinality).
var knownPrefixes = []string{"/healthz", "/proxy/status", "/proxy/route", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
