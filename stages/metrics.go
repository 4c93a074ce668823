package stages

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/stepstreams/metric"
)

// Metrics holds Prometheus metrics for the built-in stage kinds
type Metrics struct {
	filtered *prometheus.CounterVec
	fields   *prometheus.CounterVec
	split    prometheus.Counter
}

// NewMetrics creates and registers stage metrics. A nil registry disables them.
func NewMetrics(registry *metric.MetricsRegistry) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &Metrics{
		filtered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "stages",
			Name:      "filter_results_total",
			Help:      "Filter evaluations by result (matched/rejected)",
		}, []string{"result"}),
		fields: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "stages",
			Name:      "map_field_operations_total",
			Help:      "Field operations applied by map stages",
		}, []string{"operation"}),
		split: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "stages",
			Name:      "split_items_total",
			Help:      "Items emitted by split stages",
		}),
	}

	if err := registry.RegisterCounterVec("stages", "filter_results_total", m.filtered); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("stages", "map_field_operations_total", m.fields); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("stages", "split_items_total", m.split); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) recordFilter(matched bool) {
	if m == nil {
		return
	}
	result := "rejected"
	if matched {
		result = "matched"
	}
	m.filtered.WithLabelValues(result).Inc()
}

func (m *Metrics) recordFields(operation string, n int) {
	if m != nil && n > 0 {
		m.fields.WithLabelValues(operation).Add(float64(n))
	}
}

func (m *Metrics) recordSplit() {
	if m != nil {
		m.split.Inc()
	}
}
