package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for Bootstrappo.
type Metrics struct {
	config MetricsConfig

	// Pass metrics
	passesStarted   *prometheus.CounterVec
	passesCompleted *prometheus.CounterVec
	passDuration    *prometheus.HistogramVec

	// Step metrics
	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepsByStatus *prometheus.GaugeVec

	// Detection metrics
	detections           *prometheus.CounterVec
	detectionDuration    *prometheus.HistogramVec
	detectionDivergences *prometheus.CounterVec
	capabilityAvailable  *prometheus.GaugeVec

	// Rotation metrics
	rotationApplies *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activePasses prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Pass metrics
		passesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "passes_started_total",
				Help:      "Total number of reconcile passes started",
			},
			[]string{"cause"},
		),
		passesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "passes_completed_total",
				Help:      "Total number of reconcile passes completed",
			},
			[]string{"phase"},
		),
		passDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pass_duration_seconds",
				Help:      "Duration of reconcile passes in seconds",
				Buckets:   buckets,
			},
			[]string{"phase"},
		),

		// Step metrics
		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_executed_total",
				Help:      "Total number of step operations executed",
			},
			[]string{"operation", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of step operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation", "kind"},
		),
		stepsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "steps_by_status",
				Help:      "Current number of plan steps by status",
			},
			[]string{"status"},
		),

		// Detection metrics
		detections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "detections_total",
				Help:      "Total number of capability detections",
			},
			[]string{"source", "outcome"},
		),
		detectionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "detection_duration_seconds",
				Help:      "Duration of capability detections in seconds",
				Buckets:   buckets,
			},
			[]string{"source"},
		),
		detectionDivergences: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "detection_divergences_total",
				Help:      "Total number of detections where the sources disagreed",
			},
			[]string{"capability"},
		),
		capabilityAvailable: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "capability_available",
				Help:      "Capability availability (1=available, 0=unavailable or unknown)",
			},
			[]string{"capability"},
		),

		// Rotation metrics
		rotationApplies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rotation_applies_total",
				Help:      "Total number of binding deltas applied",
			},
			[]string{"kind", "status"},
		),

		// Error metrics
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		// System metrics
		activePasses: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_passes",
				Help:      "Current number of active reconcile passes",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.passesStarted,
		m.passesCompleted,
		m.passDuration,
		m.stepsExecuted,
		m.stepDuration,
		m.stepsByStatus,
		m.detections,
		m.detectionDuration,
		m.detectionDivergences,
		m.capabilityAvailable,
		m.rotationApplies,
		m.errorsByClass,
		m.errorsByCode,
		m.activePasses,
	)

	return m, nil
}

// Pass Metrics

// RecordPassStarted increments the counter for started passes.
func (m *Metrics) RecordPassStarted(cause string) {
	if m.passesStarted == nil {
		return
	}
	m.passesStarted.WithLabelValues(cause).Inc()
	m.activePasses.Inc()
}

// RecordPassCompleted records a completed pass with its phase and duration.
func (m *Metrics) RecordPassCompleted(phase string, duration time.Duration) {
	if m.passesCompleted == nil {
		return
	}
	m.passesCompleted.WithLabelValues(phase).Inc()
	m.passDuration.WithLabelValues(phase).Observe(duration.Seconds())
	m.activePasses.Dec()
}

// Step Metrics

// RecordStepExecution records one driver operation for a step.
func (m *Metrics) RecordStepExecution(operation, status string, duration time.Duration, kind string) {
	if m.stepsExecuted == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(operation, status).Inc()
	m.stepDuration.WithLabelValues(operation, kind).Observe(duration.Seconds())
}

// SetStepCount sets the current number of steps holding a status.
func (m *Metrics) SetStepCount(status string, count float64) {
	if m.stepsByStatus == nil {
		return
	}
	m.stepsByStatus.WithLabelValues(status).Set(count)
}

// Detection Metrics

// RecordDetection records one capability detection with its outcome.
func (m *Metrics) RecordDetection(source, outcome string, duration time.Duration) {
	if m.detections == nil {
		return
	}
	m.detections.WithLabelValues(source, outcome).Inc()
	m.detectionDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// RecordDetectionDivergence records a detection where the sources disagreed.
func (m *Metrics) RecordDetectionDivergence(capability string) {
	if m.detectionDivergences == nil {
		return
	}
	m.detectionDivergences.WithLabelValues(capability).Inc()
}

// SetCapabilityAvailable sets the availability gauge for one capability.
func (m *Metrics) SetCapabilityAvailable(capability string, available bool) {
	if m.capabilityAvailable == nil {
		return
	}
	value := 0.0
	if available {
		value = 1.0
	}
	m.capabilityAvailable.WithLabelValues(capability).Set(value)
}

// Rotation Metrics

// RecordRotationApply records one binding delta application.
func (m *Metrics) RecordRotationApply(kind, status string) {
	if m.rotationApplies == nil {
		return
	}
	m.rotationApplies.WithLabelValues(kind, status).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
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

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
