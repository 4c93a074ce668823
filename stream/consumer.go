package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/stepstreams/errors"
	"github.com/c360/stepstreams/message"
	"github.com/c360/stepstreams/metric"
	"github.com/c360/stepstreams/pkg/retry"
	"github.com/c360/stepstreams/pkg/worker"
)

// Handler processes one record. A nil error acknowledges the record; any
// error leaves it unacknowledged so the transport redelivers it.
type Handler func(ctx context.Context, msg *message.StreamMessage) error

// ConsumerConfig configures a Consumer
type ConsumerConfig struct {
	Stream    string
	Group     string
	Datatypes []message.Type

	BatchSize     int
	Timeout       time.Duration
	BatchInterval time.Duration

	// Concurrency is the number of records handled in parallel. Values
	// below 2 handle records sequentially in stream order.
	Concurrency int

	// NakOnFailure requests immediate redelivery of failed records instead
	// of waiting for the ack deadline.
	NakOnFailure bool

	// DrainTimeout bounds how long Run waits for in-flight records on shutdown
	DrainTimeout time.Duration
}

// ConsumerStatus is a point-in-time view of a Consumer
type ConsumerStatus struct {
	Stream    string    `json:"stream"`
	Group     string    `json:"group"`
	Running   bool      `json:"running"`
	Processed uint64    `json:"processed"`
	Failed    uint64    `json:"failed"`
	LastError string    `json:"last_error,omitempty"`
	LastSeen  time.Time `json:"last_seen,omitzero"`
}

// Consumer reads a stream under a consumer group and hands every record to
// a Handler, acknowledging it only when the handler succeeds.
type Consumer struct {
	transport Transport
	handler   Handler
	cfg       ConsumerConfig
	logger    *slog.Logger
	metrics   *Metrics
	registry  *metric.MetricsRegistry
	backoff   retry.Config

	running   atomic.Bool
	processed atomic.Uint64
	failed    atomic.Uint64

	mu        sync.RWMutex
	lastError string
	lastSeen  time.Time
}

// ConsumerOption configures a Consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithConsumerMetrics attaches stream metrics, and registers worker pool
// metrics on registry when it is not nil
func WithConsumerMetrics(metrics *Metrics, registry *metric.MetricsRegistry) ConsumerOption {
	return func(c *Consumer) {
		c.metrics = metrics
		c.registry = registry
	}
}

// WithReadBackoff sets the backoff applied after failed reads
func WithReadBackoff(cfg retry.Config) ConsumerOption {
	return func(c *Consumer) {
		c.backoff = cfg
	}
}

// NewConsumer creates a consumer. Call Run to start it.
func NewConsumer(transport Transport, cfg ConsumerConfig, handler Handler, opts ...ConsumerOption) (*Consumer, error) {
	if transport == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Consumer", "NewConsumer", "transport")
	}
	if handler == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Consumer", "NewConsumer", "handler")
	}
	if cfg.Stream == "" || cfg.Group == "" {
		return nil, errors.WrapInvalid(ErrInvalidRequest, "Consumer", "NewConsumer", "stream and group are required")
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}

	c := &Consumer{
		transport: transport,
		handler:   handler,
		cfg:       cfg,
		logger:    slog.Default(),
		backoff: retry.Config{
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "stream.consumer", "stream", cfg.Stream, "group", cfg.Group)
	return c, nil
}

// Run consumes until ctx is cancelled. It returns nil on cancellation and
// an error only when the consumer group cannot be set up.
func (c *Consumer) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrConsumerRunning
	}
	defer c.running.Store(false)

	if err := c.transport.EnsureConsumerGroup(ctx, c.cfg.Stream, c.cfg.Group); err != nil {
		c.setError(err)
		return errors.Wrap(err, "Consumer", "Run", "ensure consumer group")
	}

	dispatch := c.handle
	if c.cfg.Concurrency > 1 {
		pool := worker.NewPool(c.cfg.Concurrency, c.cfg.Concurrency*2,
			func(ctx context.Context, d *Delivery) error {
				c.handle(ctx, d)
				return nil
			},
			worker.WithName[*Delivery]("consumer."+c.cfg.Stream+"."+c.cfg.Group),
			worker.WithMetricsRegistry[*Delivery](c.registry),
		)
		if err := pool.Start(ctx); err != nil {
			return errors.Wrap(err, "Consumer", "Run", "start worker pool")
		}
		defer func() {
			if err := pool.Stop(c.cfg.DrainTimeout); err != nil {
				c.logger.Warn("worker pool did not drain", "error", err)
			}
		}()
		dispatch = func(ctx context.Context, d *Delivery) {
			if err := pool.SubmitWait(ctx, d); err != nil && ctx.Err() == nil {
				c.logger.Warn("dispatch failed, record will be redelivered", "error", err)
			}
		}
	}

	c.logger.Info("consumer started", "concurrency", max(c.cfg.Concurrency, 1))
	defer c.logger.Info("consumer stopped")

	req := ReadRequest{
		Stream:        c.cfg.Stream,
		Group:         c.cfg.Group,
		Datatypes:     c.cfg.Datatypes,
		Offset:        OffsetNew,
		BatchSize:     c.cfg.BatchSize,
		Timeout:       c.cfg.Timeout,
		BatchInterval: c.cfg.BatchInterval,
	}

	failures := 0
	for ctx.Err() == nil {
		deliveries, err := c.transport.Read(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			failures++
			delay := c.backoff.Backoff(failures)
			c.setError(err)
			c.logger.Warn("read failed", "error", err, "attempt", failures, "retry_in", delay)
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
			continue
		}
		failures = 0

		for _, d := range deliveries {
			if ctx.Err() != nil {
				break
			}
			dispatch(ctx, d)
		}
	}
	return nil
}

func (c *Consumer) handle(ctx context.Context, d *Delivery) {
	start := time.Now()
	err := c.handler(ctx, d.Message)
	c.metrics.recordHandled(c.cfg.Stream, c.cfg.Group, time.Since(start).Seconds(), err)

	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()

	if err != nil {
		c.failed.Add(1)
		c.setError(err)
		c.logger.Error("handler failed, record left unacknowledged",
			"offset", d.Message.Offset, "id", d.Message.ID, "error", err)
		if c.cfg.NakOnFailure {
			if nakErr := d.Nak(context.WithoutCancel(ctx)); nakErr != nil {
				c.logger.Warn("nak failed", "offset", d.Message.Offset, "error", nakErr)
			}
		}
		return
	}

	c.processed.Add(1)
	if err := d.Ack(context.WithoutCancel(ctx)); err != nil {
		c.setError(err)
		c.logger.Warn("ack failed, record may be redelivered", "offset", d.Message.Offset, "error", err)
	}
}

func (c *Consumer) setError(err error) {
	c.mu.Lock()
	c.lastError = err.Error()
	c.mu.Unlock()
}

// Status returns the current consumer status
func (c *Consumer) Status() ConsumerStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConsumerStatus{
		Stream:    c.cfg.Stream,
		Group:     c.cfg.Group,
		Running:   c.running.Load(),
		Processed: c.processed.Load(),
		Failed:    c.failed.Load(),
		LastError: c.lastError,
		LastSeen:  c.lastSeen,
	}
}

// String implements fmt.Stringer
func (c *Consumer) String() string {
	return fmt.Sprintf("consumer(%s/%s)", c.cfg.Stream, c.cfg.Group)
}
