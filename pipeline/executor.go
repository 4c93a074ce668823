package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/c360/stepstreams/message"
)

const tracerName = "github.com/c360/stepstreams/pipeline"

// Publisher appends a message to a stream. stream.Transport implements it.
type Publisher interface {
	Publish(ctx context.Context, msg *message.StreamMessage) (string, error)
}

// Status is the final state of an invocation
type Status string

// Invocation statuses
const (
	StatusCompleted Status = "completed"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
)

// Publication records one payload handed to a stream
type Publication struct {
	Stream string `json:"stream"`
	Offset string `json:"offset"`
}

// Outcome is the result of running one segment. Payloads holds one final
// payload per completed branch; a fan-out may complete several branches or
// none. Publications made before a failure stay listed in Published.
type Outcome struct {
	InvocationID string        `json:"invocation_id"`
	Pipeline     string        `json:"pipeline"`
	Status       Status        `json:"status"`
	Payloads     []any         `json:"payloads,omitempty"`
	Published    []Publication `json:"published,omitempty"`
	Err          error         `json:"-"`
	Duration     time.Duration `json:"duration"`
}

// Payload returns the first final payload, or nil
func (o *Outcome) Payload() any {
	if o == nil || len(o.Payloads) == 0 {
		return nil
	}
	return o.Payloads[0]
}

// Executor runs pipeline definitions. It holds no per-invocation state and
// is safe for concurrent use.
type Executor struct {
	publisher    Publisher
	caps         Capabilities
	logger       *slog.Logger
	tracer       trace.Tracer
	metrics      *Metrics
	groupTimeout time.Duration
}

// Option configures an Executor
type Option func(*Executor)

// WithPublisher sets the publisher used at shuffles
func WithPublisher(p Publisher) Option {
	return func(e *Executor) {
		e.publisher = p
	}
}

// WithDefaultCapabilities sets the capabilities given to invocations the
// executor builds itself
func WithDefaultCapabilities(caps Capabilities) Option {
	return func(e *Executor) {
		e.caps = caps
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithTracer sets the tracer, the global provider is used otherwise
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Executor) {
		e.tracer = tracer
	}
}

// WithMetrics attaches pipeline metrics
func WithMetrics(m *Metrics) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithGroupTimeout sets the deadline of collector groups that declare none
func WithGroupTimeout(timeout time.Duration) Option {
	return func(e *Executor) {
		e.groupTimeout = timeout
	}
}

// NewExecutor creates an executor
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		logger:       slog.Default(),
		groupTimeout: DefaultGroupTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	e.logger = e.logger.With("component", "pipeline")
	return e
}

// Capabilities returns the capabilities given to invocations the executor builds
func (e *Executor) Capabilities() Capabilities {
	return e.caps
}

// Run executes def from its first stage with payload. A nil inv gets a
// fresh invocation named after the pipeline.
func (e *Executor) Run(ctx context.Context, def *Definition, payload any, inv *Invocation) *Outcome {
	if inv == nil {
		inv = NewInvocation(def.name, WithCapabilities(e.caps))
	}
	return e.execute(ctx, def, def.stages, payload, inv, "")
}

// Resume executes the segment of def that consumes msg.Stream, with the
// invocation rebuilt from the message headers.
func (e *Executor) Resume(ctx context.Context, def *Definition, msg *message.StreamMessage) *Outcome {
	inv := FromMessage(msg, e.caps)

	seg, ok := def.segmentFor(msg.Stream)
	if !ok {
		out := &Outcome{InvocationID: inv.ID(), Pipeline: def.name, Status: StatusFailed,
			Err: fmt.Errorf("%w %s in pipeline %s", ErrUnknownStream, msg.Stream, def.name)}
		e.metrics.recordOutcome(def.name, out.Status)
		return out
	}
	return e.execute(ctx, def, seg.Stages, Clone(msg.Payload), inv, msg.Stream)
}

func (e *Executor) execute(
	ctx context.Context, def *Definition, stages []Descriptor, payload any, inv *Invocation, source string,
) *Outcome {
	start := time.Now()
	logger := e.logger.With("pipeline", def.name, "invocation_id", inv.ID())

	ctx, span := e.tracer.Start(ctx, "pipeline "+def.name,
		trace.WithAttributes(
			attribute.String("pipeline", def.name),
			attribute.String("invocation_id", inv.ID()),
			attribute.String("operation_id", inv.OperationID()),
			attribute.String("source_stream", source),
		),
	)
	defer span.End()

	out := &Outcome{InvocationID: inv.ID(), Pipeline: def.name}
	r := &run{Executor: e, def: def, inv: inv, out: out, logger: logger}

	err := r.stages(ctx, stages, payload)
	out.Duration = time.Since(start)

	switch {
	case err != nil:
		out.Status = StatusFailed
		out.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("invocation failed", "error", err, "duration", out.Duration)
	case len(out.Published) > 0:
		out.Status = StatusPublished
		logger.Debug("invocation published", "publications", len(out.Published), "duration", out.Duration)
	default:
		out.Status = StatusCompleted
		logger.Debug("invocation completed", "payloads", len(out.Payloads), "duration", out.Duration)
	}

	e.metrics.recordOutcome(def.name, out.Status)
	return out
}

// run carries the state of one segment execution
type run struct {
	*Executor
	def    *Definition
	inv    *Invocation
	out    *Outcome
	logger *slog.Logger
}

// stages runs stages in order. A spawn hands each emitted item to the
// remaining stages; a shuffle publishes and ends the branch.
func (r *run) stages(ctx context.Context, stages []Descriptor, payload any) error {
	for i, d := range stages {
		if err := ctx.Err(); err != nil {
			return stageError(d.name, r.inv, err)
		}

		var err error
		switch d.kind {
		case KindStep:
			payload, err = r.step(ctx, d, payload)
		case KindCollect:
			payload, err = r.collect(ctx, d, payload)
		case KindSpawn:
			return r.spawn(ctx, d, payload, stages[i+1:])
		case KindShuffle:
			return r.publish(ctx, d, payload)
		}
		if err != nil {
			return err
		}
	}

	r.out.Payloads = append(r.out.Payloads, payload)
	return nil
}

func (r *run) startStage(ctx context.Context, d Descriptor) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, "stage "+d.name,
		trace.WithAttributes(
			attribute.String("pipeline", r.def.name),
			attribute.String("stage", d.name),
			attribute.String("kind", d.kind.String()),
			attribute.String("invocation_id", r.inv.ID()),
		),
	)
}

func (r *run) finishStage(span trace.Span, d Descriptor, start time.Time, err error) {
	r.metrics.recordStage(r.def.name, d, time.Since(start).Seconds(), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warn("stage failed", "stage", d.name, "kind", d.kind.String(), "error", err)
	} else {
		r.logger.Debug("stage completed", "stage", d.name, "kind", d.kind.String(), "duration", time.Since(start))
	}
	span.End()
}

func (r *run) step(ctx context.Context, d Descriptor, payload any) (result any, err error) {
	start := time.Now()
	ctx, span := r.startStage(ctx, d)
	defer func() { r.finishStage(span, d, start, err) }()

	result, err = bounded(ctx, d.timeout, func(ctx context.Context) (any, error) {
		return d.step(ctx, r.inv, payload)
	})
	if err != nil {
		return nil, stageError(d.name, r.inv, err)
	}
	return result, nil
}

func (r *run) collect(ctx context.Context, d Descriptor, payload any) (result any, err error) {
	start := time.Now()
	ctx, span := r.startStage(ctx, d)
	defer func() { r.finishStage(span, d, start, err) }()

	timeout := d.group.Timeout
	if timeout <= 0 {
		timeout = r.groupTimeout
	}

	c := NewCollector(payload, WithDeadline(timeout))
	if err := c.Steps(d.group.Members...); err != nil {
		return nil, stageError(d.name, r.inv, err)
	}
	if err := c.Run(ctx, r.inv); err != nil {
		if stderrors.Is(err, ErrCollectorTimeout) {
			r.metrics.recordCollectorTimeout(r.def.name, d.name)
		}
		return nil, stageError(d.name, r.inv, err)
	}

	result, err = c.Get(ctx, d.group.Terminal)
	if err != nil {
		return nil, stageError(d.name, r.inv, err)
	}
	return result, nil
}

// spawn drives the fan-out sequence to exhaustion. Each item continues
// through rest as an independent copy. The stage timeout bounds the total
// time spent producing items; time spent in the stages after the spawn is
// not charged to it.
func (r *run) spawn(ctx context.Context, d Descriptor, payload any, rest []Descriptor) (err error) {
	start := time.Now()
	ctx, span := r.startStage(ctx, d)
	emitted := 0
	defer func() {
		span.SetAttributes(attribute.Int("emitted", emitted))
		r.finishStage(span, d, start, err)
	}()

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	items := make(chan spawned)
	next := make(chan struct{}, 1)
	stop := make(chan struct{})
	defer close(stop)
	go produce(genCtx, d.spawn, r.inv, payload, items, next, stop)

	var spent time.Duration
	for {
		s, ok, waited, err := r.pull(ctx, d, items, next, d.timeout-spent)
		if err != nil {
			return err
		}
		spent += waited

		if !ok {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return stageError(d.name, r.inv, ctxErr)
			}
			return nil
		}
		if s.err != nil {
			return stageError(d.name, r.inv, s.err)
		}
		emitted++
		r.metrics.recordSpawned(r.def.name, d.name)

		if err := r.stages(ctx, rest, Clone(s.item)); err != nil {
			return err
		}
	}
}

// pull requests the next item and waits at most budget for it when the
// stage has a timeout.
func (r *run) pull(ctx context.Context, d Descriptor, items <-chan spawned, next chan<- struct{},
	budget time.Duration) (spawned, bool, time.Duration, error) {
	var deadline <-chan time.Time
	if d.timeout > 0 {
		if budget <= 0 {
			return spawned{}, false, 0, stageError(d.name, r.inv, fmt.Errorf("%w after %s", ErrStageTimeout, d.timeout))
		}
		timer := time.NewTimer(budget)
		defer timer.Stop()
		deadline = timer.C
	}

	start := time.Now()
	next <- struct{}{}
	select {
	case s, ok := <-items:
		return s, ok, time.Since(start), nil
	case <-deadline:
		return spawned{}, false, 0, stageError(d.name, r.inv, fmt.Errorf("%w after %s", ErrStageTimeout, d.timeout))
	case <-ctx.Done():
		return spawned{}, false, 0, stageError(d.name, r.inv, ctx.Err())
	}
}

type spawned struct {
	item any
	err  error
}

// produce ranges over the spawn sequence on its own goroutine, handing over
// one item per request on next. Closing stop ends the range; a sequence
// that keeps yielding afterwards panics here and the panic is dropped.
func produce(ctx context.Context, fn SpawnFunc, inv *Invocation, payload any,
	items chan<- spawned, next <-chan struct{}, stop <-chan struct{}) {
	defer close(items)
	defer func() {
		if p := recover(); p != nil {
			select {
			case items <- spawned{err: fmt.Errorf("stage panicked: %v", p)}:
			case <-stop:
			}
		}
	}()

	select {
	case <-next:
	case <-stop:
		return
	}
	for item, err := range fn(ctx, inv, payload) {
		select {
		case items <- spawned{item: item, err: err}:
		case <-stop:
			return
		}
		if err != nil {
			return
		}
		select {
		case <-next:
		case <-stop:
			return
		}
	}
}

func (r *run) publish(ctx context.Context, d Descriptor, payload any) (err error) {
	start := time.Now()
	ctx, span := r.startStage(ctx, d)
	defer func() { r.finishStage(span, d, start, err) }()

	if r.publisher == nil {
		return stageError(d.name, r.inv, ErrNoPublisher)
	}

	msg := &message.StreamMessage{
		Stream:  d.stream,
		Payload: payload,
		Headers: r.inv.Headers(),
	}
	offset, err := r.publisher.Publish(ctx, msg)
	if err != nil {
		return stageError(d.name, r.inv, err)
	}

	r.metrics.recordPublished(r.def.name, d.stream)
	r.out.Published = append(r.out.Published, Publication{Stream: d.stream, Offset: offset})
	return nil
}

// bounded calls fn, giving up with ErrStageTimeout once timeout has passed
// even when fn ignores its context. A zero timeout calls fn directly.
func bounded(ctx context.Context, timeout time.Duration, fn func(context.Context) (any, error)) (any, error) {
	if timeout <= 0 {
		return protect(ctx, fn)
	}

	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value any
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := protect(stageCtx, fn)
		ch <- result{v, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil && ctx.Err() == nil && stderrors.Is(stageCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrStageTimeout, timeout)
		}
		return res.value, res.err
	case <-stageCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %s", ErrStageTimeout, timeout)
	}
}

func protect(ctx context.Context, fn func(context.Context) (any, error)) (value any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("stage panicked: %v", p)
		}
	}()
	return fn(ctx)
}
