package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for Stagehand.
type Metrics struct {
	config MetricsConfig

	// Plan metrics
	plansStarted   prometheus.Counter
	plansCompleted *prometheus.CounterVec
	planDuration   *prometheus.HistogramVec

	// Step metrics
	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepRetries   *prometheus.CounterVec

	// Ambiguity and reconciliation metrics
	ambiguities     *prometheus.CounterVec
	reconciliations *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activePlans prometheus.Gauge

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

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		plansStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plans_started_total",
				Help:      "Total number of plan executions started",
			},
		),
		plansCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plans_completed_total",
				Help:      "Total number of plan executions completed",
			},
			[]string{"status"},
		),
		planDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plan_duration_seconds",
				Help:      "Duration of plan execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_executed_total",
				Help:      "Total number of steps executed",
			},
			[]string{"capability", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of step execution in seconds, including retries",
				Buckets:   buckets,
			},
			[]string{"capability"},
		),
		stepRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_retries_total",
				Help:      "Total number of step retry attempts",
			},
			[]string{"capability"},
		),

		ambiguities: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ambiguities_total",
				Help:      "Total number of ambiguous step outcomes",
			},
			[]string{"capability", "outcome"},
		),
		reconciliations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciliations_total",
				Help:      "Total number of reconciliation queries after timeouts",
			},
			[]string{"capability", "result"},
		),

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

		activePlans: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_plans",
				Help:      "Current number of executing plans",
			},
		),
	}

	registry.MustRegister(
		m.plansStarted,
		m.plansCompleted,
		m.planDuration,
		m.stepsExecuted,
		m.stepDuration,
		m.stepRetries,
		m.ambiguities,
		m.reconciliations,
		m.errorsByClass,
		m.errorsByCode,
		m.activePlans,
	)

	return m, nil
}

// RecordPlanStarted increments the counter for started plan executions.
func (m *Metrics) RecordPlanStarted() {
	if m.plansStarted == nil {
		return
	}
	m.plansStarted.Inc()
	m.activePlans.Inc()
}

// RecordPlanCompleted records a completed plan with its status and duration.
func (m *Metrics) RecordPlanCompleted(status string, duration time.Duration) {
	if m.plansCompleted == nil {
		return
	}
	m.plansCompleted.WithLabelValues(status).Inc()
	m.planDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activePlans.Dec()
}

// RecordStepExecution records the terminal outcome of a step.
func (m *Metrics) RecordStepExecution(capability, status string, duration time.Duration) {
	if m.stepsExecuted == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(capability, status).Inc()
	m.stepDuration.WithLabelValues(capability).Observe(duration.Seconds())
}

// RecordRetry records one retry attempt for a step.
func (m *Metrics) RecordRetry(capability string) {
	if m.stepRetries == nil {
		return
	}
	m.stepRetries.WithLabelValues(capability).Inc()
}

// RecordAmbiguity records an ambiguous outcome and whether it was resolved.
func (m *Metrics) RecordAmbiguity(capability string, resolved bool) {
	if m.ambiguities == nil {
		return
	}
	outcome := "unresolved"
	if resolved {
		outcome = "resolved"
	}
	m.ambiguities.WithLabelValues(capability, outcome).Inc()
}

// RecordReconciliation records a reconciliation query and its answer.
func (m *Metrics) RecordReconciliation(capability string, applied bool) {
	if m.reconciliations == nil {
		return
	}
	result := "unapplied"
	if applied {
		result = "applied"
	}
	m.reconciliations.WithLabelValues(capability, result).Inc()
}

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
