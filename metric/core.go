package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric exported by this module.
const Namespace = "stepstreams"

// Metrics contains process-level metrics that are not owned by any single
// package.
type Metrics struct {
	BuildInfo          *prometheus.GaugeVec
	NATSConnected      prometheus.Gauge
	NATSCircuitBreaker prometheus.Gauge
	ConsumersRunning   prometheus.Gauge
	PipelinesLoaded    prometheus.Gauge
}

// NewMetrics creates the core metric set
func NewMetrics() *Metrics {
	return &Metrics{
		BuildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "build_info",
			Help:      "Build information, value is always 1",
		}, []string{"version"}),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),

		NATSCircuitBreaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "circuit_breaker",
			Help:      "Circuit breaker status (0=closed, 1=open)",
		}),

		ConsumersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "engine",
			Name:      "consumers_running",
			Help:      "Stream consumers currently running",
		}),

		PipelinesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "engine",
			Name:      "pipelines_loaded",
			Help:      "Pipeline definitions loaded by the engine",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.BuildInfo,
		m.NATSConnected,
		m.NATSCircuitBreaker,
		m.ConsumersRunning,
		m.PipelinesLoaded,
	}
}

// RecordBuildInfo records the running version
func (m *Metrics) RecordBuildInfo(version string) {
	if m == nil {
		return
	}
	m.BuildInfo.WithLabelValues(version).Set(1)
}

// RecordNATSStatus records connection and circuit breaker state
func (m *Metrics) RecordNATSStatus(connected, circuitOpen bool) {
	if m == nil {
		return
	}
	m.NATSConnected.Set(boolToFloat(connected))
	m.NATSCircuitBreaker.Set(boolToFloat(circuitOpen))
}

// RecordConsumers records the number of running consumers
func (m *Metrics) RecordConsumers(n int) {
	if m == nil {
		return
	}
	m.ConsumersRunning.Set(float64(n))
}

// RecordPipelines records the number of loaded pipeline definitions
func (m *Metrics) RecordPipelines(n int) {
	if m == nil {
		return
	}
	m.PipelinesLoaded.Set(float64(n))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
