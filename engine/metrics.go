package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/stepstreams/metric"
	"github.com/c360/stepstreams/pipeline"
)

// Invocation entry points
const (
	entryRequest = "request"
	entryStream  = "stream"
	entryReplay  = "replay"
	entryLocal   = "local"
)

// engineMetrics holds Prometheus metrics for engine operations.
type engineMetrics struct {
	// Invocations by pipeline, entry point and final status
	invocations *prometheus.CounterVec
	// Invocation latency by pipeline and entry point
	invocationDuration *prometheus.HistogramVec

	// Lifecycle operations by operation (start/stop) and status
	lifecycle         *prometheus.CounterVec
	lifecycleDuration *prometheus.HistogramVec

	// Records re-run by Replay
	replayed *prometheus.CounterVec
}

// newEngineMetrics creates and registers engine metrics with the provided registry.
func newEngineMetrics(registry *metric.MetricsRegistry) (*engineMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &engineMetrics{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "engine",
			Name:      "invocations_total",
			Help:      "Pipeline invocations by entry point and status",
		}, []string{"pipeline", "entry", "status"}),

		invocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "engine",
			Name:      "invocation_duration_seconds",
			Help:      "Time to run one segment of a pipeline",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"pipeline", "entry"}),

		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "engine",
			Name:      "lifecycle_total",
			Help:      "Engine start and stop operations",
		}, []string{"operation", "status"}),

		lifecycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "engine",
			Name:      "lifecycle_duration_seconds",
			Help:      "Engine start and stop duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		}, []string{"operation"}),

		replayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "engine",
			Name:      "replayed_total",
			Help:      "Stream records re-run by replay",
		}, []string{"pipeline", "stream"}),
	}

	if err := registry.RegisterCounterVec("engine", "invocations", m.invocations); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec("engine", "invocation_duration", m.invocationDuration); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "lifecycle", m.lifecycle); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec("engine", "lifecycle_duration", m.lifecycleDuration); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "replayed", m.replayed); err != nil {
		return nil, err
	}

	return m, nil
}

// recordInvocation records one finished outcome.
func (m *engineMetrics) recordInvocation(name, entry string, out *pipeline.Outcome) {
	if m == nil || out == nil {
		return
	}
	m.invocations.WithLabelValues(name, entry, string(out.Status)).Inc()
	m.invocationDuration.WithLabelValues(name, entry).Observe(out.Duration.Seconds())
}

// recordLifecycle records a start or stop operation.
func (m *engineMetrics) recordLifecycle(operation string, success bool, d time.Duration) {
	if m == nil {
		return
	}

	status := "success"
	if !success {
		status = "failure"
	}
	m.lifecycle.WithLabelValues(operation, status).Inc()
	m.lifecycleDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *engineMetrics) recordReplayed(name, source string) {
	if m != nil {
		m.replayed.WithLabelValues(name, source).Inc()
	}
}
