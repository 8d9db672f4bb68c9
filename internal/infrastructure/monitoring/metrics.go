package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for one service instance.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsCreated *prometheus.CounterVec
	SessionsStopped prometheus.Counter

	// Engine metrics
	EngineCalls    *prometheus.CounterVec
	EngineDuration *prometheus.HistogramVec
	BreakerState   prometheus.Gauge

	// WebSocket metrics
	WSConnections *prometheus.GaugeVec
	WSMessages    *prometheus.CounterVec

	// Stream metrics
	StreamBytes   *prometheus.CounterVec
	DroppedLines  prometheus.Counter
	DecodeErrors  *prometheus.CounterVec
	ConsoleFrames *prometheus.CounterVec
}

// NewMetrics creates a collector backed by its own registry so several
// instances can coexist in one process.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sandbox_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "path"},
		),

		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sandbox_sessions_active",
				Help: "Number of sessions that are not stopped or failed",
			},
		),
		SessionsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_sessions_created_total",
				Help: "Total number of session create attempts by outcome",
			},
			[]string{"mode", "outcome"},
		),
		SessionsStopped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sandbox_sessions_stopped_total",
				Help: "Total number of sessions torn down",
			},
		),

		EngineCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_engine_calls_total",
				Help: "Total number of container engine calls",
			},
			[]string{"op", "status"},
		),
		EngineDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sandbox_engine_call_duration_seconds",
				Help:    "Container engine call duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"op"},
		),
		BreakerState: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sandbox_engine_breaker_state",
				Help: "Engine circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
		),

		WSConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sandbox_ws_connections",
				Help: "Number of active WebSocket connections",
			},
			[]string{"mode"},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),

		StreamBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_stream_bytes_total",
				Help: "Bytes read from container streams by origin",
			},
			[]string{"origin"},
		),
		DroppedLines: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sandbox_stream_dropped_lines_total",
				Help: "Container output lines that were not protocol JSON",
			},
		),
		DecodeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_console_decode_errors_total",
				Help: "Console frames rejected during decoding",
			},
			[]string{"kind"},
		),
		ConsoleFrames: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_console_frames_total",
				Help: "Console frames relayed",
			},
			[]string{"type"},
		),
	}
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus exposition handler for this instance.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordEngineCall records one container engine call
func (m *Metrics) RecordEngineCall(op, status string, duration time.Duration) {
	m.EngineCalls.WithLabelValues(op, status).Inc()
	m.EngineDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordSessionCreated records the outcome of a session create
func (m *Metrics) RecordSessionCreated(mode, outcome string) {
	m.SessionsCreated.WithLabelValues(mode, outcome).Inc()
}

// SetSessionsActive sets the number of live sessions
func (m *Metrics) SetSessionsActive(count int) {
	m.SessionsActive.Set(float64(count))
}

// IncSessionsStopped increments the torn-down session counter
func (m *Metrics) IncSessionsStopped() {
	m.SessionsStopped.Inc()
}

// SetBreakerState mirrors the engine breaker state
func (m *Metrics) SetBreakerState(state int) {
	m.BreakerState.Set(float64(state))
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// IncWSConnections increments WebSocket connections for a mode
func (m *Metrics) IncWSConnections(mode string) {
	m.WSConnections.WithLabelValues(mode).Inc()
}

// DecWSConnections decrements WebSocket connections for a mode
func (m *Metrics) DecWSConnections(mode string) {
	m.WSConnections.WithLabelValues(mode).Dec()
}

// AddStreamBytes counts bytes read from a container stream
func (m *Metrics) AddStreamBytes(origin string, n int) {
	m.StreamBytes.WithLabelValues(origin).Add(float64(n))
}

// IncDroppedLines counts a non-protocol line
func (m *Metrics) IncDroppedLines() {
	m.DroppedLines.Inc()
}

// RecordDecodeError counts a rejected console frame
func (m *Metrics) RecordDecodeError(kind string) {
	m.DecodeErrors.WithLabelValues(kind).Inc()
}

// RecordConsoleFrame counts a relayed console frame
func (m *Metrics) RecordConsoleFrame(frameType string) {
	m.ConsoleFrames.WithLabelValues(frameType).Inc()
}
