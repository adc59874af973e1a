package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the deployment engine. A nil
// *Metrics is a valid no-op recorder.
type Metrics struct {
	config MetricsConfig

	deploymentsStarted   prometheus.Counter
	deploymentsCompleted *prometheus.CounterVec
	deploymentDuration   *prometheus.HistogramVec

	stepsExecuted *prometheus.CounterVec
	retryAttempts *prometheus.CounterVec

	batchTasks *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// A no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		deploymentsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployments_started_total",
			Help:      "Total number of deployments started",
		}),
		deploymentsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployments_completed_total",
			Help:      "Total number of deployments completed",
		}, []string{"status"}),
		deploymentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "deployment_duration_seconds",
			Help:      "Duration of deployment runs in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"status"}),
		stepsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_executed_total",
			Help:      "Total number of step executions by outcome",
		}, []string{"step", "status"}),
		retryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Total number of retry attempts by step",
		}, []string{"step"}),
		batchTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_tasks_total",
			Help:      "Total number of parallel batch tasks by outcome",
		}, []string{"step", "outcome"}),
	}

	collectors := []prometheus.Collector{
		m.deploymentsStarted,
		m.deploymentsCompleted,
		m.deploymentDuration,
		m.stepsExecuted,
		m.retryAttempts,
		m.batchTasks,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

// RecordDeploymentStarted increments the started counter.
func (m *Metrics) RecordDeploymentStarted() {
	if m == nil || m.registry == nil {
		return
	}
	m.deploymentsStarted.Inc()
}

// RecordDeploymentCompleted records a terminal deployment outcome.
func (m *Metrics) RecordDeploymentCompleted(status string, duration time.Duration) {
	if m == nil || m.registry == nil {
		return
	}
	m.deploymentsCompleted.WithLabelValues(status).Inc()
	m.deploymentDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordStepExecuted records one step execution outcome.
func (m *Metrics) RecordStepExecuted(step, status string) {
	if m == nil || m.registry == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(step, status).Inc()
}

// RecordRetry records one retry attempt for a step.
func (m *Metrics) RecordRetry(step string) {
	if m == nil || m.registry == nil {
		return
	}
	m.retryAttempts.WithLabelValues(step).Inc()
}

// RecordBatchTask records one parallel batch task outcome.
func (m *Metrics) RecordBatchTask(step, outcome string) {
	if m == nil || m.registry == nil {
		return
	}
	m.batchTasks.WithLabelValues(step, outcome).Inc()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts the metrics HTTP endpoint. It blocks; run it in a goroutine.
func (m *Metrics) Serve() error {
	if m == nil || m.registry == nil {
		return nil
	}
	mux := http.NewServeMux()
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, m.Handler())
	return http.ListenAndServe(m.config.ListenAddress, mux)
}
