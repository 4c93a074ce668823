package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/c360/stepstreams/config"
	"github.com/c360/stepstreams/errors"
	"github.com/c360/stepstreams/health"
	"github.com/c360/stepstreams/message"
	"github.com/c360/stepstreams/metric"
	"github.com/c360/stepstreams/natsclient"
	"github.com/c360/stepstreams/pipeline"
	"github.com/c360/stepstreams/pkg/tlsutil"
	"github.com/c360/stepstreams/stages"
	"github.com/c360/stepstreams/storage"
	"github.com/c360/stepstreams/stream"
)

// ErrUnknownPipeline indicates an invocation of a pipeline that is not loaded
var ErrUnknownPipeline = stderrors.New("unknown pipeline")

// Engine hosts the configured pipelines. It owns the NATS client, the
// stage store and the stream transport, serves request/response
// invocations and runs one consumer per resume segment.
type Engine struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	core     *metric.Metrics
	metrics  *engineMetrics

	streamMetrics   *stream.Metrics
	pipelineMetrics *pipeline.Metrics
	codec           *message.Codec
	tracer          trace.Tracer
	version         string
	extra           []func(*pipeline.Registry) error

	stageRegistry *pipeline.Registry
	definitions   map[string]*pipeline.Definition
	monitor       *health.Monitor

	mu         sync.Mutex
	opened     bool
	started    bool
	client     *natsclient.Client
	ownsClient bool
	store      storage.Store
	transport  stream.Transport
	executor   *pipeline.Executor
	consumers  []*route
	server     *metric.Server
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// route is one consumer group reading one source stream of a pipeline
type route struct {
	name     string
	def      *pipeline.Definition
	cfg      stream.ConsumerConfig
	consumer *stream.Consumer
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetricsRegistry enables metrics on every layer of the engine
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(e *Engine) {
		e.registry = registry
	}
}

// WithCodec sets the codec used by the stream transport
func WithCodec(codec *message.Codec) Option {
	return func(e *Engine) {
		e.codec = codec
	}
}

// WithTracer sets the tracer used by the executor
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

// WithVersion sets the version reported in build info
func WithVersion(version string) Option {
	return func(e *Engine) {
		e.version = version
	}
}

// WithStages registers additional stage functions next to the built-in
// kinds. fn runs before any definition is built.
func WithStages(fn func(*pipeline.Registry) error) Option {
	return func(e *Engine) {
		e.extra = append(e.extra, fn)
	}
}

// WithNATSClient uses an existing client instead of connecting one. The
// engine does not close it.
func WithNATSClient(client *natsclient.Client) Option {
	return func(e *Engine) {
		e.client = client
	}
}

// WithStore uses store as the stage storage capability
func WithStore(store storage.Store) Option {
	return func(e *Engine) {
		e.store = store
	}
}

// WithTransport uses transport for shuffles and consumers
func WithTransport(transport stream.Transport) Option {
	return func(e *Engine) {
		e.transport = transport
	}
}

// New builds every configured pipeline. All stage names are resolved
// here; nothing is connected until Open or Start.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Engine", "New", "config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "Engine", "New", "validate config")
	}

	e := &Engine{
		cfg:     cfg,
		logger:  slog.Default(),
		version: "dev",
		monitor: health.NewMonitor(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "engine", "service", cfg.Service.Name)
	if e.codec == nil {
		e.codec = message.NewCodec(nil)
	}

	if e.registry != nil {
		e.core = e.registry.CoreMetrics()
		m, err := newEngineMetrics(e.registry)
		if err != nil {
			return nil, errors.Wrap(err, "Engine", "New", "register engine metrics")
		}
		e.metrics = m

		if e.streamMetrics, err = stream.NewMetrics(e.registry); err != nil {
			return nil, errors.Wrap(err, "Engine", "New", "register stream metrics")
		}
		if e.pipelineMetrics, err = pipeline.NewMetrics(e.registry); err != nil {
			return nil, errors.Wrap(err, "Engine", "New", "register pipeline metrics")
		}
	}

	reg, err := e.buildStageRegistry()
	if err != nil {
		return nil, err
	}
	e.stageRegistry = reg

	result, defs := validatePipelines(cfg, reg, e.codec.Registry())
	if !result.Valid() {
		return nil, errors.WrapInvalid(&ValidationError{Result: result}, "Engine", "New", "build pipelines")
	}
	for _, w := range result.Warnings {
		e.logger.Warn("pipeline validation warning", "type", w.Type, "pipeline", w.Pipeline, "message", w.Message)
	}
	e.definitions = defs

	e.core.RecordBuildInfo(e.version)
	e.core.RecordPipelines(len(e.definitions))
	e.logger.Info("pipelines loaded", "count", len(e.definitions), "names", e.Pipelines())
	return e, nil
}

func (e *Engine) buildStageRegistry() (*pipeline.Registry, error) {
	reg := pipeline.NewRegistry()

	var opts []stages.Option
	if e.registry != nil {
		m, err := stages.NewMetrics(e.registry)
		if err != nil {
			return nil, errors.Wrap(err, "Engine", "New", "register stage metrics")
		}
		opts = append(opts, stages.WithMetrics(m))
	}
	if err := stages.Register(reg, opts...); err != nil {
		return nil, errors.Wrap(err, "Engine", "New", "register stage kinds")
	}
	for _, fn := range e.extra {
		if err := fn(reg); err != nil {
			return nil, errors.Wrap(err, "Engine", "New", "register stages")
		}
	}
	return reg, nil
}

// Pipelines returns the loaded pipeline names, sorted
func (e *Engine) Pipelines() []string {
	return slices.Sorted(maps.Keys(e.definitions))
}

// Definition returns a loaded pipeline
func (e *Engine) Definition(name string) (*pipeline.Definition, bool) {
	def, ok := e.definitions[name]
	return def, ok
}

// StageRegistry returns the registry definitions were built from
func (e *Engine) StageRegistry() *pipeline.Registry {
	return e.stageRegistry
}

// Transport returns the stream transport, nil before Open
func (e *Engine) Transport() stream.Transport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transport
}

// Open connects the NATS client when the configuration needs one and
// builds the store, the transport and the executor. Open is idempotent.
func (e *Engine) Open(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open(ctx)
}

func (e *Engine) open(ctx context.Context) error {
	if e.opened {
		return nil
	}

	if err := e.connect(ctx); err != nil {
		return err
	}

	if e.store == nil {
		store, err := storage.Open(ctx, e.client, e.cfg.Storage)
		if err != nil {
			return errors.Wrap(err, "Engine", "Open", "open storage")
		}
		e.store = store
	}

	if e.transport == nil {
		switch e.cfg.Transport.Kind {
		case config.TransportMemory:
			memOpts := []stream.MemoryOption{
				stream.WithMemoryLogger(e.logger),
				stream.WithMemoryMetrics(e.streamMetrics),
			}
			if e.cfg.Transport.AckWait > 0 {
				memOpts = append(memOpts, stream.WithAckWait(e.cfg.Transport.AckWait.Duration()))
			}
			e.transport = stream.NewMemory(e.codec, memOpts...)
		default:
			e.transport = stream.NewJetStream(e.client, e.codec, e.cfg.Transport.JetStream(),
				stream.WithJetStreamLogger(e.logger),
				stream.WithJetStreamMetrics(e.streamMetrics))
		}
	}

	execOpts := []pipeline.Option{
		pipeline.WithPublisher(e.transport),
		pipeline.WithDefaultCapabilities(pipeline.Capabilities{Store: e.store, Logger: e.logger}),
		pipeline.WithLogger(e.logger),
		pipeline.WithMetrics(e.pipelineMetrics),
		pipeline.WithGroupTimeout(e.cfg.Service.GroupTimeout.Duration()),
	}
	if e.tracer != nil {
		execOpts = append(execOpts, pipeline.WithTracer(e.tracer))
	}
	e.executor = pipeline.NewExecutor(execOpts...)

	routes, err := e.routes()
	if err != nil {
		return err
	}
	e.consumers = routes

	e.opened = true
	e.logger.Info("engine opened",
		"transport", e.cfg.Transport.Kind, "storage", e.cfg.Storage.Backend, "routes", len(routes))
	return nil
}

// connect creates and connects the NATS client unless one was injected or
// nothing needs it
func (e *Engine) connect(ctx context.Context) error {
	if e.client != nil {
		return nil
	}
	needsNATS := (e.transport == nil && e.cfg.Transport.Kind == config.TransportJetStream) ||
		(e.store == nil && e.cfg.Storage.Backend != storage.BackendMemory)
	if !needsNATS {
		return nil
	}

	n := e.cfg.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithName(firstNonEmpty(n.Name, e.cfg.Service.Name)),
		natsclient.WithMaxReconnects(n.MaxReconnects),
		natsclient.WithLogger(natsclient.NewSlogLogger(e.logger)),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			e.logger.Info("NATS health changed", "healthy", healthy)
		}),
	}
	if n.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(n.ReconnectWait.Duration()))
	}
	if n.Timeout > 0 {
		opts = append(opts, natsclient.WithTimeout(n.Timeout.Duration()))
	}
	if n.Username != "" {
		opts = append(opts, natsclient.WithCredentials(n.Username, n.Password))
	}
	if n.Token != "" {
		opts = append(opts, natsclient.WithToken(n.Token))
	}
	if n.TLS != nil {
		tlsConfig, err := tlsutil.LoadClientConfig(*n.TLS)
		if err != nil {
			return errors.Wrap(err, "Engine", "Open", "load NATS TLS config")
		}
		opts = append(opts, natsclient.WithTLSConfig(tlsConfig))
	}
	if e.registry != nil {
		opts = append(opts, natsclient.WithMetrics(e.registry))
	}

	client, err := natsclient.NewClient(n.URL, opts...)
	if err != nil {
		return errors.Wrap(err, "Engine", "Open", "create NATS client")
	}
	if err := client.Connect(ctx); err != nil {
		return errors.WrapTransient(err, "Engine", "Open", "connect to NATS")
	}
	e.client = client
	e.ownsClient = true
	return nil
}

// routes creates one consumer per source stream of every pipeline
func (e *Engine) routes() ([]*route, error) {
	var routes []*route
	for _, name := range e.Pipelines() {
		def := e.definitions[name]
		pc, _ := e.cfg.Pipeline(name)

		for _, source := range def.SourceStreams() {
			sc, err := pc.Consumer.StreamConfig(name, source)
			if err != nil {
				return nil, errors.WrapInvalid(err, "Engine", "Open", fmt.Sprintf("create consumer for %s", name))
			}

			c, err := stream.NewConsumer(e.transport, sc, e.handler(def),
				stream.WithConsumerLogger(e.logger.With("pipeline", name)),
				stream.WithConsumerMetrics(e.streamMetrics, e.registry),
			)
			if err != nil {
				return nil, errors.Wrap(err, "Engine", "Open", fmt.Sprintf("create consumer for %s", name))
			}
			routes = append(routes, &route{name: "consumer." + name + "." + source, def: def, cfg: sc, consumer: c})
		}
	}
	return routes, nil
}

// handler resumes def for every record; a failed outcome leaves the record
// unacknowledged
func (e *Engine) handler(def *pipeline.Definition) stream.Handler {
	return func(ctx context.Context, msg *message.StreamMessage) error {
		out := e.executor.Resume(ctx, def, msg)
		e.metrics.recordInvocation(def.Name(), entryStream, out)
		return out.Err
	}
}

// Invoke runs the named pipeline with payload and waits for its outcome.
// A pipeline failure is reported in the outcome; the error return is only
// set when the invocation could not be attempted.
func (e *Engine) Invoke(
	ctx context.Context, name string, payload any, opts ...pipeline.InvocationOption,
) (*pipeline.Outcome, error) {
	def, ok := e.definitions[name]
	if !ok {
		return nil, errors.WrapInvalid(ErrUnknownPipeline, "Engine", "Invoke", "find pipeline "+name)
	}
	executor, err := e.readyExecutor()
	if err != nil {
		return nil, errors.Wrap(err, "Engine", "Invoke", "invoke "+name)
	}

	invOpts := append([]pipeline.InvocationOption{pipeline.WithCapabilities(executor.Capabilities())}, opts...)
	inv := pipeline.NewInvocation(name, invOpts...)

	out := executor.Run(ctx, def, payload, inv)
	e.metrics.recordInvocation(name, entryRequest, out)
	return out, nil
}

func (e *Engine) readyExecutor() (*pipeline.Executor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.opened {
		return nil, errors.ErrNotStarted
	}
	return e.executor, nil
}

// Start opens the engine, starts a consumer for every resume segment and
// serves metrics and health when enabled. Consumers run until Stop.
func (e *Engine) Start(ctx context.Context) error {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Engine", "Start", "start engine")
	}
	if err := e.open(ctx); err != nil {
		e.metrics.recordLifecycle("start", false, time.Since(start))
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	for _, r := range e.consumers {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := r.consumer.Run(runCtx); err != nil {
				e.logger.Error("consumer exited", "consumer", r.name, "error", err)
			}
		}()
	}

	if e.cfg.Metrics.Enabled && e.registry != nil {
		e.server = metric.NewServer(e.cfg.Metrics.Port, e.cfg.Metrics.Path, e.registry, e.HealthFunc())
		server := e.server
		go func() {
			if err := server.Start(); err != nil {
				e.logger.Error("metrics server failed", "error", err)
			}
		}()
		e.logger.Info("metrics server started", "address", server.Address())
	}

	e.started = true
	e.core.RecordConsumers(len(e.consumers))
	e.metrics.recordLifecycle("start", true, time.Since(start))
	e.logger.Info("engine started", "consumers", len(e.consumers))
	return nil
}

// Stop stops the consumers, waiting up to the configured shutdown timeout
// for in-flight records, then releases the metrics server and the NATS
// client. Stop on an engine that was only opened just releases the client.
func (e *Engine) Stop(ctx context.Context) error {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	if e.started {
		e.cancel()

		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()

		timeout := e.cfg.Service.ShutdownTimeout.Duration()
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		select {
		case <-done:
		case <-time.After(timeout):
			errs = append(errs, errors.WrapTransient(errors.ErrShuttingDown, "Engine", "Stop",
				fmt.Sprintf("consumers still running after %s", timeout)))
		case <-ctx.Done():
			errs = append(errs, errors.WrapTransient(ctx.Err(), "Engine", "Stop", "wait for consumers"))
		}

		if e.server != nil {
			if err := e.server.Stop(ctx); err != nil {
				errs = append(errs, err)
			}
			e.server = nil
		}
		e.started = false
		e.core.RecordConsumers(0)
	}

	if e.ownsClient && e.client != nil {
		if err := e.client.Close(ctx); err != nil {
			errs = append(errs, errors.Wrap(err, "Engine", "Stop", "close NATS client"))
		}
		e.client = nil
		e.ownsClient = false
		e.opened = false
	}

	err := stderrors.Join(errs...)
	e.metrics.recordLifecycle("stop", err == nil, time.Since(start))
	e.logger.Info("engine stopped", "duration", time.Since(start))
	return err
}

// Health reports the NATS connection and every consumer
func (e *Engine) Health() health.Status {
	e.mu.Lock()
	client := e.client
	routes := e.consumers
	started := e.started
	e.mu.Unlock()

	if client != nil {
		status := client.GetStatus()
		e.monitor.Update("nats", health.FromNATS("nats", status))
		e.core.RecordNATSStatus(status.Status == natsclient.StatusConnected,
			status.Status == natsclient.StatusCircuitOpen)
	}

	running := 0
	for _, r := range routes {
		cs := r.consumer.Status()
		if cs.Running {
			running++
		}
		if started {
			e.monitor.Update(r.name, health.FromConsumer(r.name, cs))
		}
	}
	e.core.RecordConsumers(running)

	return e.monitor.AggregateHealth(e.cfg.Service.Name)
}

// HealthFunc adapts Health for metric.Server. Degraded counts as healthy.
func (e *Engine) HealthFunc() metric.HealthFunc {
	return func() (bool, any) {
		status := e.Health()
		return !status.IsUnhealthy(), status
	}
}

// Consumers returns the status of every consumer
func (e *Engine) Consumers() []stream.ConsumerStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]stream.ConsumerStatus, 0, len(e.consumers))
	for _, r := range e.consumers {
		out = append(out, r.consumer.Status())
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
