package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the resilience pipeline.
// A nil *Metrics or one built with Enabled=false records nothing.
type Metrics struct {
	config MetricsConfig

	// Fault pipeline
	faults             *prometheus.CounterVec
	escalationsDropped *prometheus.CounterVec
	securityIncidents  prometheus.Counter

	// Audit writer
	logEntries     *prometheus.CounterVec
	flushes        *prometheus.CounterVec
	flushDuration  *prometheus.HistogramVec
	rotatedEntries prometheus.Counter
	bufferSize     prometheus.Gauge

	// Recovery
	recoveries       *prometheus.CounterVec
	recoveryDuration prometheus.Histogram

	// Resources
	heapUsageRatio prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		faults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "faults_total",
				Help:      "Total number of classified faults",
			},
			[]string{"severity", "category"},
		),
		escalationsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "escalations_dropped_total",
				Help:      "Escalation requests dropped by cooldown or an in-flight recovery",
			},
			[]string{"reason"},
		),
		securityIncidents: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "security_incidents_total",
				Help:      "Total number of security incidents raised",
			},
		),

		logEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "log_entries_total",
				Help:      "Total number of audit log entries appended",
			},
			[]string{"level"},
		),
		flushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flushes_total",
				Help:      "Total number of audit buffer flushes",
			},
			[]string{"backend", "result"},
		),
		flushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "flush_duration_seconds",
				Help:      "Duration of audit buffer flushes in seconds",
				Buckets:   buckets,
			},
			[]string{"backend"},
		),
		rotatedEntries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rotated_entries_total",
				Help:      "Total number of persisted entries evicted by rotation",
			},
		),
		bufferSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "buffer_size",
				Help:      "Current number of buffered audit entries",
			},
		),

		recoveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recoveries_total",
				Help:      "Total number of recovery attempts by outcome",
			},
			[]string{"outcome"},
		),
		recoveryDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "recovery_duration_seconds",
				Help:      "Duration of recovery attempts in seconds",
				Buckets:   buckets,
			},
		),

		heapUsageRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "heap_usage_ratio",
				Help:      "Most recent sampled heap usage as a fraction of the limit",
			},
		),
	}

	registry.MustRegister(
		m.faults,
		m.escalationsDropped,
		m.securityIncidents,
		m.logEntries,
		m.flushes,
		m.flushDuration,
		m.rotatedEntries,
		m.bufferSize,
		m.recoveries,
		m.recoveryDuration,
		m.heapUsageRatio,
	)

	return m, nil
}

// RecordFault counts a classified fault.
func (m *Metrics) RecordFault(severity, category string) {
	if m == nil || m.faults == nil {
		return
	}
	m.faults.WithLabelValues(severity, category).Inc()
}

// RecordEscalationDropped counts a dropped escalation request.
func (m *Metrics) RecordEscalationDropped(reason string) {
	if m == nil || m.escalationsDropped == nil {
		return
	}
	m.escalationsDropped.WithLabelValues(reason).Inc()
}

// RecordSecurityIncident counts a raised security incident.
func (m *Metrics) RecordSecurityIncident() {
	if m == nil || m.securityIncidents == nil {
		return
	}
	m.securityIncidents.Inc()
}

// RecordLogEntry counts an appended audit entry.
func (m *Metrics) RecordLogEntry(level string) {
	if m == nil || m.logEntries == nil {
		return
	}
	m.logEntries.WithLabelValues(level).Inc()
}

// RecordFlush records a flush attempt against backend.
func (m *Metrics) RecordFlush(backend, result string, duration time.Duration) {
	if m == nil || m.flushes == nil {
		return
	}
	m.flushes.WithLabelValues(backend, result).Inc()
	m.flushDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordRotation counts entries evicted by rotation.
func (m *Metrics) RecordRotation(evicted int) {
	if m == nil || m.rotatedEntries == nil || evicted <= 0 {
		return
	}
	m.rotatedEntries.Add(float64(evicted))
}

// SetBufferSize sets the current audit buffer length.
func (m *Metrics) SetBufferSize(n int) {
	if m == nil || m.bufferSize == nil {
		return
	}
	m.bufferSize.Set(float64(n))
}

// RecordRecovery records a finished recovery attempt.
func (m *Metrics) RecordRecovery(outcome string, duration time.Duration) {
	if m == nil || m.recoveries == nil {
		return
	}
	m.recoveries.WithLabelValues(outcome).Inc()
	m.recoveryDuration.Observe(duration.Seconds())
}

// SetHeapUsage sets the most recent heap usage ratio.
func (m *Metrics) SetHeapUsage(ratio float64) {
	if m == nil || m.heapUsageRatio == nil {
		return
	}
	m.heapUsageRatio.Set(ratio)
}

// Gatherer exposes the private registry, or nil when metrics are disabled.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil || m.registry == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing metrics on addr and
// returns it so the caller can shut it down. Serve errors are logged.
func (m *Metrics) StartMetricsServer(addr string, logger *Logger) *http.Server {
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()

	return server
}
