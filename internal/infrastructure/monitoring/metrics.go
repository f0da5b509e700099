package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	Registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec

	// Pipeline metrics
	Forwards      *prometheus.CounterVec
	Redirects     prometheus.Counter
	RedirectLimit prometheus.Counter
	GatewayErrors *prometheus.CounterVec
	PageWaits     *prometheus.CounterVec
	PageWaitTime  prometheus.Histogram

	// Configuration metrics
	ConfLoads   *prometheus.CounterVec
	ConfVersion prometheus.Gauge

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec
}

// NewMetrics creates a collector set on its own registry, so several
// servers can live in one process (tests do this).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webproxy_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webproxy_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "route"},
		),
		ResponseSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webproxy_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
			[]string{"method", "route"},
		),

		Forwards: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webproxy_forwards_total",
				Help: "Forwarded responses by classification branch",
			},
			[]string{"branch"},
		),
		Redirects: f.NewCounter(
			prometheus.CounterOpts{
				Name: "webproxy_redirects_followed_total",
				Help: "Redirect hops followed inside the pipeline",
			},
		),
		RedirectLimit: f.NewCounter(
			prometheus.CounterOpts{
				Name: "webproxy_redirect_limit_total",
				Help: "Redirect chains aborted by the hop limit",
			},
		),
		GatewayErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webproxy_gateway_errors_total",
				Help: "Gateway-signaled errors by status and message",
			},
			[]string{"status", "msg"},
		),
		PageWaits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webproxy_page_waits_total",
				Help: "Injected page rendezvous outcomes",
			},
			[]string{"outcome"},
		),
		PageWaitTime: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "webproxy_page_wait_seconds",
				Help:    "Time spent waiting for injected pages to initialise",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10},
			},
		),

		ConfLoads: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webproxy_conf_loads_total",
				Help: "Configuration loads by source and result",
			},
			[]string{"source", "result"},
		),
		ConfVersion: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "webproxy_conf_version",
				Help: "Version of the active routing configuration",
			},
		),

		WSConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "webproxy_ws_connections",
				Help: "Number of connected page contexts",
			},
		),
		WSMessages: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webproxy_ws_messages_total",
				Help: "Bus messages by direction and command",
			},
			[]string{"direction", "command"},
		),
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration time.Duration, respSize int64) {
	m.RequestsTotal.WithLabelValues(method, route, status).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
	m.ResponseSize.WithLabelValues(method, route).Observe(float64(respSize))
}

// RecordForward records the branch a forwarded response took.
func (m *Metrics) RecordForward(branch string) {
	m.Forwards.WithLabelValues(branch).Inc()
}

// RecordGatewayError records a gateway-signaled error.
func (m *Metrics) RecordGatewayError(status, msg string) {
	m.GatewayErrors.WithLabelValues(status, msg).Inc()
}

// RecordPageWait records how an injected page rendezvous resolved.
func (m *Metrics) RecordPageWait(outcome string, waited time.Duration) {
	m.PageWaits.WithLabelValues(outcome).Inc()
	m.PageWaitTime.Observe(waited.Seconds())
}

// RecordConfLoad records a configuration load attempt.
func (m *Metrics) RecordConfLoad(source, result string) {
	m.ConfLoads.WithLabelValues(source, result).Inc()
}

// RecordWSMessage records a bus message
func (m *Metrics) RecordWSMessage(direction, command string) {
	m.WSMessages.WithLabelValues(direction, command).Inc()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
}
