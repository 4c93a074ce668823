package stream

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/stepstreams/metric"
)

// Metrics holds Prometheus metrics shared by transports and consumers.
// Every method is safe on a nil receiver.
type Metrics struct {
	reads       *prometheus.CounterVec
	readErrors  *prometheus.CounterVec
	delivered   *prometheus.CounterVec
	skipped     *prometheus.CounterVec
	undecodable *prometheus.CounterVec
	acks        *prometheus.CounterVec
	published   *prometheus.CounterVec
	publishErrs *prometheus.CounterVec
	handled     *prometheus.CounterVec
	handleTime  *prometheus.HistogramVec
}

// NewMetrics creates and registers stream metrics. A nil registry disables them.
func NewMetrics(registry *metric.MetricsRegistry) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "stream",
			Name:      name,
			Help:      help,
		}, labels)
	}

	m := &Metrics{
		reads:       counter("reads_total", "Read calls", "stream", "group"),
		readErrors:  counter("read_errors_total", "Failed read calls", "stream", "group"),
		delivered:   counter("delivered_total", "Records handed to readers", "stream", "group"),
		skipped:     counter("skipped_total", "Records acknowledged and skipped by datatype", "stream", "group"),
		undecodable: counter("undecodable_total", "Records terminated because they could not be decoded", "stream"),
		acks:        counter("acks_total", "Acknowledgements by result", "stream", "group", "result"),
		published:   counter("published_total", "Published records", "stream"),
		publishErrs: counter("publish_errors_total", "Failed publishes", "stream"),
		handled:     counter("handled_total", "Consumer handler results", "stream", "group", "status"),
		handleTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "stream",
			Name:      "handle_duration_seconds",
			Help:      "Time spent handling one record",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"stream", "group"}),
	}

	counters := map[string]*prometheus.CounterVec{
		"reads_total":          m.reads,
		"read_errors_total":    m.readErrors,
		"delivered_total":      m.delivered,
		"skipped_total":        m.skipped,
		"undecodable_total":    m.undecodable,
		"acks_total":           m.acks,
		"published_total":      m.published,
		"publish_errors_total": m.publishErrs,
		"handled_total":        m.handled,
	}
	for name, c := range counters {
		if err := registry.RegisterCounterVec("stream", name, c); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterHistogramVec("stream", "handle_duration_seconds", m.handleTime); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) recordRead(stream, group string, delivered int, err error) {
	if m == nil {
		return
	}
	m.reads.WithLabelValues(stream, group).Inc()
	if err != nil {
		m.readErrors.WithLabelValues(stream, group).Inc()
		return
	}
	m.delivered.WithLabelValues(stream, group).Add(float64(delivered))
}

func (m *Metrics) recordSkip(stream, group string) {
	if m != nil {
		m.skipped.WithLabelValues(stream, group).Inc()
	}
}

func (m *Metrics) recordUndecodable(stream string) {
	if m != nil {
		m.undecodable.WithLabelValues(stream).Inc()
	}
}

func (m *Metrics) recordAck(stream, group string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.acks.WithLabelValues(stream, group, result).Inc()
}

func (m *Metrics) recordPublish(stream string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.publishErrs.WithLabelValues(stream).Inc()
		return
	}
	m.published.WithLabelValues(stream).Inc()
}

func (m *Metrics) recordHandled(stream, group string, seconds float64, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.handled.WithLabelValues(stream, group, status).Inc()
	m.handleTime.WithLabelValues(stream, group).Observe(seconds)
}
