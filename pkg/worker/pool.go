// Package worker provides a generic worker pool for concurrent task processing
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/stepstreams/metric"
)

// Pool runs a fixed number of workers over a bounded queue of T.
type Pool[T any] struct {
	name      string
	workers   int
	queueSize int
	processor func(context.Context, T) error

	queue chan T
	quit  chan struct{}
	wg    sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	inFlight  atomic.Int64

	metricsRegistry *metric.MetricsRegistry
	metrics         *poolMetrics
}

type poolMetrics struct {
	queueDepth     prometheus.Gauge
	inFlight       prometheus.Gauge
	processed      *prometheus.CounterVec
	dropped        prometheus.Counter
	processingTime prometheus.Histogram
}

// Option configures a Pool
type Option[T any] func(*Pool[T])

// WithName sets the pool name used as a metric label and in log fields.
func WithName[T any](name string) Option[T] {
	return func(p *Pool[T]) {
		p.name = name
	}
}

// WithMetricsRegistry registers pool metrics with the shared registry.
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
	}
}

// NewPool creates a pool. Non-positive sizes fall back to defaults.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = workers * 2
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	p := &Pool[T]{
		name:      "default",
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		queue:     make(chan T, queueSize),
		quit:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.metricsRegistry != nil {
		p.metrics = newPoolMetrics(p.metricsRegistry, p.name)
	}
	return p
}

func newPoolMetrics(registry *metric.MetricsRegistry, name string) *poolMetrics {
	labels := prometheus.Labels{"pool": name}
	m := &poolMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace, Subsystem: "worker", Name: "queue_depth",
			Help: "Items waiting in the worker pool queue", ConstLabels: labels,
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace, Subsystem: "worker", Name: "in_flight",
			Help: "Items currently being processed", ConstLabels: labels,
		}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "worker", Name: "processed_total",
			Help: "Items processed by status", ConstLabels: labels,
		}, []string{"status"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "worker", Name: "dropped_total",
			Help: "Items rejected because the queue was full", ConstLabels: labels,
		}),
		processingTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace, Subsystem: "worker", Name: "processing_duration_seconds",
			Help: "Time spent processing one item", ConstLabels: labels,
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}

	service := "worker_pool." + name
	// A second pool with the same name keeps running without metrics.
	if registry.RegisterGauge(service, "queue_depth", m.queueDepth) != nil ||
		registry.RegisterGauge(service, "in_flight", m.inFlight) != nil ||
		registry.RegisterCounterVec(service, "processed_total", m.processed) != nil ||
		registry.RegisterCounter(service, "dropped_total", m.dropped) != nil ||
		registry.RegisterHistogram(service, "processing_duration_seconds", m.processingTime) != nil {
		return nil
	}
	return m
}

func (p *Pool[T]) accepting() error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if p.stopped {
		return ErrPoolStopped
	}
	if !p.started {
		return ErrPoolNotStarted
	}
	return nil
}

// Submit enqueues work without blocking. Returns ErrQueueFull when the queue
// is at capacity.
func (p *Pool[T]) Submit(work T) error {
	if err := p.accepting(); err != nil {
		return err
	}

	select {
	case <-p.quit:
		return ErrPoolStopped
	case p.queue <- work:
		p.onSubmitted()
		return nil
	default:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// SubmitWait enqueues work, blocking while the queue is full until ctx is done
// or the pool stops.
func (p *Pool[T]) SubmitWait(ctx context.Context, work T) error {
	if err := p.accepting(); err != nil {
		return err
	}

	select {
	case <-p.quit:
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	case p.queue <- work:
		p.onSubmitted()
		return nil
	}
}

func (p *Pool[T]) onSubmitted() {
	p.submitted.Add(1)
	if p.metrics != nil {
		p.metrics.queueDepth.Set(float64(len(p.queue)))
	}
}

// Start launches the workers. Workers exit when ctx is cancelled or Stop is
// called.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.started = true
	return nil
}

// Stop stops accepting work, lets workers drain what is already queued and
// waits up to timeout for them.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.quit)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.queue),
		InFlight:   p.inFlight.Load(),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	InFlight   int64 `json:"in_flight"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work := <-p.queue:
			p.process(ctx, work)
		case <-p.quit:
			// drain what was accepted before Stop
			for {
				select {
				case work := <-p.queue:
					p.process(ctx, work)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool[T]) process(ctx context.Context, work T) {
	p.inFlight.Add(1)
	if p.metrics != nil {
		p.metrics.inFlight.Inc()
		p.metrics.queueDepth.Set(float64(len(p.queue)))
	}

	start := time.Now()
	err := p.processor(ctx, work)

	p.inFlight.Add(-1)
	p.processed.Add(1)
	status := "success"
	if err != nil {
		p.failed.Add(1)
		status = "error"
	}

	if p.metrics != nil {
		p.metrics.inFlight.Dec()
		p.metrics.processed.WithLabelValues(status).Inc()
		p.metrics.processingTime.Observe(time.Since(start).Seconds())
	}
}
