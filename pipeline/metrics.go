package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/stepstreams/metric"
)

// Metrics holds Prometheus metrics for pipeline execution. Every method is
// safe on a nil receiver.
type Metrics struct {
	stageDuration     *prometheus.HistogramVec
	stageFailures     *prometheus.CounterVec
	outcomes          *prometheus.CounterVec
	collectorTimeouts *prometheus.CounterVec
	spawned           *prometheus.CounterVec
	published         *prometheus.CounterVec
}

// NewMetrics creates and registers pipeline metrics. A nil registry disables them.
func NewMetrics(registry *metric.MetricsRegistry) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "pipeline",
			Name:      name,
			Help:      help,
		}, labels)
	}

	m := &Metrics{
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Stage execution time",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"pipeline", "stage", "kind"}),
		stageFailures:     counter("stage_failures_total", "Failed stages", "pipeline", "stage"),
		outcomes:          counter("outcomes_total", "Invocation outcomes by status", "pipeline", "status"),
		collectorTimeouts: counter("collector_timeouts_total", "Collector groups that missed their deadline", "pipeline", "group"),
		spawned:           counter("spawned_items_total", "Items emitted by fan-out stages", "pipeline", "stage"),
		published:         counter("published_total", "Payloads published at shuffles", "pipeline", "stream"),
	}

	if err := registry.RegisterHistogramVec("pipeline", "stage_duration_seconds", m.stageDuration); err != nil {
		return nil, err
	}
	counters := map[string]*prometheus.CounterVec{
		"stage_failures_total":     m.stageFailures,
		"outcomes_total":           m.outcomes,
		"collector_timeouts_total": m.collectorTimeouts,
		"spawned_items_total":      m.spawned,
		"published_total":          m.published,
	}
	for name, c := range counters {
		if err := registry.RegisterCounterVec("pipeline", name, c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) recordStage(pipeline string, d Descriptor, seconds float64, err error) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(pipeline, d.name, d.kind.String()).Observe(seconds)
	if err != nil {
		m.stageFailures.WithLabelValues(pipeline, d.name).Inc()
	}
}

func (m *Metrics) recordOutcome(pipeline string, status Status) {
	if m != nil {
		m.outcomes.WithLabelValues(pipeline, string(status)).Inc()
	}
}

func (m *Metrics) recordCollectorTimeout(pipeline, group string) {
	if m != nil {
		m.collectorTimeouts.WithLabelValues(pipeline, group).Inc()
	}
}

func (m *Metrics) recordSpawned(pipeline, stage string) {
	if m != nil {
		m.spawned.WithLabelValues(pipeline, stage).Inc()
	}
}

func (m *Metrics) recordPublished(pipeline, stream string) {
	if m != nil {
		m.published.WithLabelValues(pipeline, stream).Inc()
	}
}
