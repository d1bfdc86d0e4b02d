// Package telemetry holds the Prometheus metrics and OpenTelemetry tracing
// shared by the services and the loopback HTTP server.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "portalguard"

// Metrics holds all Prometheus metrics for portalguard.
// Pass to components that need to record metrics.
type Metrics struct {
	// Gateway.
	GatewayRequests *prometheus.CounterVec
	GatewayDuration *prometheus.HistogramVec
	GatewayRetries  prometheus.Counter
	RateLimitKeys   prometheus.Gauge

	// Session.
	Refreshes            *prometheus.CounterVec
	SessionAuthenticated prometheus.Gauge

	// Offline queue.
	OfflineQueueLength prometheus.Gauge
	OfflineReplays     *prometheus.CounterVec

	// Error log.
	ErrorLogEntries *prometheus.CounterVec

	// Loopback HTTP server.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		GatewayRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_requests_total",
				Help:      "Calls through the request gateway by outcome",
			},
			[]string{"method", "outcome"}, // outcome=ok/error/cache/stale/queued/rate_limited
		),
		GatewayDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gateway_request_duration_seconds",
				Help:      "Gateway call duration in seconds, retries included",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		GatewayRetries: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_retries_total",
				Help:      "Network attempts beyond the first",
			},
		),
		RateLimitKeys: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rate_limit_keys",
				Help:      "Number of endpoints tracked by the rate limiter",
			},
		),
		Refreshes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_refreshes_total",
				Help:      "Token refresh attempts by result",
			},
			[]string{"result"}, // result=success/failure/rejected
		),
		SessionAuthenticated: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "session_authenticated",
				Help:      "1 while a session is authenticated",
			},
		),
		OfflineQueueLength: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "offline_queue_length",
				Help:      "Requests waiting in the offline queue",
			},
		),
		OfflineReplays: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "offline_replays_total",
				Help:      "Offline request replays by result",
			},
			[]string{"result"}, // result=success/failure/dropped
		),
		ErrorLogEntries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errorlog_entries_total",
				Help:      "Entries recorded in the error log",
			},
			[]string{"level", "category"},
		),
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Requests served by the loopback HTTP server",
			},
			[]string{"method", "status"}, // status=ok/error
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Loopback request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
	}
}

// NewNopMetrics returns metrics registered on a private registry, for tests
// and for callers that do not expose /metrics.
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// NewRegistry returns a registry carrying the Go runtime and process
// collectors, ready to be served on /metrics.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
