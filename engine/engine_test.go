package engine

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"maps"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/stepstreams/config"
	"github.com/c360/stepstreams/errors"
	"github.com/c360/stepstreams/message"
	"github.com/c360/stepstreams/metric"
	"github.com/c360/stepstreams/pipeline"
	"github.com/c360/stepstreams/storage"
	"github.com/c360/stepstreams/stream"
)

func testConfig(pipelines ...config.PipelineConfig) *config.Config {
	cfg := config.Defaults()
	cfg.Transport.Kind = config.TransportMemory
	cfg.Storage.Backend = storage.BackendMemory
	cfg.Metrics.Enabled = false
	cfg.Service.ShutdownTimeout = config.Duration(5 * time.Second)
	cfg.Pipelines = pipelines
	return cfg
}

func greetPipeline() config.PipelineConfig {
	return config.PipelineConfig{DefinitionSpec: pipeline.DefinitionSpec{
		Name:   "greet",
		Stages: []pipeline.StageSpec{{Name: "greet"}},
	}}
}

// ordersPipeline splits an order into lines, hands every line to the
// order-lines stream, prices it and stores it.
func ordersPipeline() config.PipelineConfig {
	return config.PipelineConfig{DefinitionSpec: pipeline.DefinitionSpec{
		Name: "orders",
		Stages: []pipeline.StageSpec{
			{Name: "lines", Kind: "split", With: map[string]any{"field": "lines", "keep": []any{"order_id"}}},
			{Name: "handoff", Shuffle: &pipeline.ShuffleSpec{Stream: "order-lines"}},
			{Name: "line-total"},
			{Name: "save", Kind: "store", With: map[string]any{"key": "lines/{{.Payload.order_id}}/{{.Payload.sku}}"}},
		},
	}}
}

func testStages(r *pipeline.Registry) error {
	if err := r.RegisterStep("greet", func(_ context.Context, _ *pipeline.Invocation, p any) (any, error) {
		return fmt.Sprintf("hello %v", p), nil
	}); err != nil {
		return err
	}
	if err := r.RegisterStep("line-total", func(_ context.Context, _ *pipeline.Invocation, p any) (any, error) {
		line, ok := p.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("line is %T", p)
		}
		qty, _ := line["qty"].(float64)
		price, _ := line["price"].(float64)
		out := maps.Clone(line)
		out["total"] = qty * price
		return out, nil
	}); err != nil {
		return err
	}
	return r.RegisterStep("reject", func(context.Context, *pipeline.Invocation, any) (any, error) {
		return nil, stderrors.New("rejected")
	})
}

func order(id string, skus ...string) map[string]any {
	lines := make([]any, 0, len(skus))
	for i, sku := range skus {
		lines = append(lines, map[string]any{"sku": sku, "qty": float64(i + 1), "price": 2.5})
	}
	return map[string]any{"order_id": id, "lines": lines}
}

type fixture struct {
	engine    *Engine
	store     *storage.Memory
	transport *stream.Memory
}

func newFixture(t *testing.T, opts []Option, pipelines ...config.PipelineConfig) fixture {
	t.Helper()
	f := fixture{store: storage.NewMemory(), transport: stream.NewMemory(nil)}
	opts = append([]Option{
		WithStages(testStages),
		WithStore(f.store),
		WithTransport(f.transport),
	}, opts...)

	eng, err := New(testConfig(pipelines...), opts...)
	require.NoError(t, err)
	f.engine = eng
	t.Cleanup(func() {
		_ = eng.Stop(context.Background())
	})
	return f
}

func TestNew_Errors(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	cfg := testConfig()
	cfg.Transport.Kind = "kafka"
	_, err = New(cfg)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	_, err = New(testConfig(config.PipelineConfig{DefinitionSpec: pipeline.DefinitionSpec{
		Name:   "broken",
		Stages: []pipeline.StageSpec{{Name: "ghost"}},
	}}))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.ErrorIs(t, err, errors.ErrUnknownStage)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.Len(t, ve.Result.Errors, 1)
	assert.Equal(t, "broken", ve.Result.Errors[0].Pipeline)
}

func TestNew_StageRegistrationError(t *testing.T) {
	_, err := New(testConfig(), WithStages(func(r *pipeline.Registry) error {
		return r.RegisterStep("filter", func(context.Context, *pipeline.Invocation, any) (any, error) { return nil, nil })
	}))
	assert.NoError(t, err, "a function may share a name with a kind")

	_, err = New(testConfig(), WithStages(func(*pipeline.Registry) error { return stderrors.New("boom") }))
	assert.ErrorContains(t, err, "boom")
}

func TestEngine_Pipelines(t *testing.T) {
	f := newFixture(t, nil, ordersPipeline(), greetPipeline())

	assert.Equal(t, []string{"greet", "orders"}, f.engine.Pipelines())
	def, ok := f.engine.Definition("orders")
	require.True(t, ok)
	assert.Equal(t, []string{"order-lines"}, def.SourceStreams())
	assert.Contains(t, f.engine.StageRegistry().Kinds(), "split")
}

func TestEngine_Invoke(t *testing.T) {
	f := newFixture(t, nil, greetPipeline())
	ctx := context.Background()

	_, err := f.engine.Invoke(ctx, "greet", "ada")
	assert.ErrorIs(t, err, errors.ErrNotStarted)

	require.NoError(t, f.engine.Open(ctx))
	require.NoError(t, f.engine.Open(ctx), "idempotent")

	out, err := f.engine.Invoke(ctx, "greet", "ada", pipeline.WithInvocationID("req-1"))
	require.NoError(t, err)
	require.NoError(t, out.Err)
	assert.Equal(t, pipeline.StatusCompleted, out.Status)
	assert.Equal(t, "hello ada", out.Payload())
	assert.Equal(t, "req-1", out.InvocationID)

	_, err = f.engine.Invoke(ctx, "missing", nil)
	assert.ErrorIs(t, err, ErrUnknownPipeline)
	assert.True(t, errors.IsInvalid(err))
}

func TestEngine_InvokeFailureIsOutcome(t *testing.T) {
	f := newFixture(t, nil, config.PipelineConfig{DefinitionSpec: pipeline.DefinitionSpec{
		Name:   "strict",
		Stages: []pipeline.StageSpec{{Name: "reject"}},
	}})
	require.NoError(t, f.engine.Open(context.Background()))

	out, err := f.engine.Invoke(context.Background(), "strict", 1)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusFailed, out.Status)

	var stageErr *pipeline.StageError
	require.ErrorAs(t, out.Err, &stageErr)
	assert.Equal(t, "reject", stageErr.Stage)
}

func TestEngine_LocalDrain(t *testing.T) {
	f := newFixture(t, nil, ordersPipeline())
	ctx := context.Background()
	require.NoError(t, f.engine.Open(ctx))

	out, err := f.engine.Invoke(ctx, "orders", order("o-1", "a", "b"))
	require.NoError(t, err)
	require.NoError(t, out.Err)
	assert.Equal(t, pipeline.StatusPublished, out.Status)
	require.Len(t, out.Published, 2)
	assert.Equal(t, "order-lines", out.Published[0].Stream)

	var resumed []*pipeline.Outcome
	n, err := f.engine.Drain(ctx, func(msg *message.StreamMessage, o *pipeline.Outcome) {
		assert.Equal(t, out.InvocationID, msg.Headers[pipeline.TrackOperationID], "operation id travels in headers")
		assert.NotEqual(t, out.InvocationID, o.InvocationID, "each resumption is a new invocation")
		resumed = append(resumed, o)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, resumed, 2)
	for _, o := range resumed {
		assert.Equal(t, pipeline.StatusCompleted, o.Status)
	}

	raw, err := f.store.Get(ctx, "lines/o-1/b")
	require.NoError(t, err)
	var line map[string]any
	require.NoError(t, json.Unmarshal(raw, &line))
	assert.Equal(t, 5.0, line["total"])
	assert.Equal(t, "o-1", line["order_id"])
	assert.Equal(t, 2, f.store.Len())

	n, err = f.engine.Drain(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n, "everything was acknowledged")
	assert.Zero(t, f.transport.Pending("order-lines", "orders"))
}

func TestEngine_LocalDrainLeavesFailuresPending(t *testing.T) {
	f := newFixture(t, nil, config.PipelineConfig{DefinitionSpec: pipeline.DefinitionSpec{
		Name: "strict",
		Stages: []pipeline.StageSpec{
			{Name: "handoff", Shuffle: &pipeline.ShuffleSpec{Stream: "inbox"}},
			{Name: "reject"},
		},
	}})
	ctx := context.Background()
	require.NoError(t, f.engine.Open(ctx))

	_, err := f.engine.Invoke(ctx, "strict", map[string]any{"n": 1.0})
	require.NoError(t, err)

	n, err := f.engine.Drain(ctx, func(_ *message.StreamMessage, o *pipeline.Outcome) {
		assert.Equal(t, pipeline.StatusFailed, o.Status)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.transport.Pending("inbox", "strict"))
}

func TestEngine_StartConsumes(t *testing.T) {
	f := newFixture(t, nil, ordersPipeline())
	ctx := context.Background()
	require.NoError(t, f.engine.Start(ctx))

	err := f.engine.Start(ctx)
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)
	_, err = f.engine.Drain(ctx, nil)
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)

	out, err := f.engine.Invoke(ctx, "orders", order("o-2", "a", "b", "c"))
	require.NoError(t, err)
	require.NoError(t, out.Err)

	require.Eventually(t, func() bool { return f.store.Len() == 3 }, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		return f.transport.Pending("order-lines", "orders") == 0
	}, 5*time.Second, 20*time.Millisecond)

	statuses := f.engine.Consumers()
	require.Len(t, statuses, 1)
	assert.Equal(t, "orders", statuses[0].Group)
	assert.Equal(t, "order-lines", statuses[0].Stream)
	assert.True(t, statuses[0].Running)
	assert.Equal(t, uint64(3), statuses[0].Processed)

	status := f.engine.Health()
	assert.True(t, status.IsHealthy(), status.Message)
	require.Len(t, status.SubStatuses, 1)
	assert.Equal(t, "consumer.orders.order-lines", status.SubStatuses[0].Component)

	require.NoError(t, f.engine.Stop(ctx))
	assert.False(t, f.engine.Consumers()[0].Running)
}

func TestEngine_ConsumerFailureDegradesHealth(t *testing.T) {
	f := newFixture(t, nil, config.PipelineConfig{DefinitionSpec: pipeline.DefinitionSpec{
		Name: "strict",
		Stages: []pipeline.StageSpec{
			{Name: "handoff", Shuffle: &pipeline.ShuffleSpec{Stream: "inbox"}},
			{Name: "reject"},
		},
	}})
	ctx := context.Background()
	require.NoError(t, f.engine.Start(ctx))

	_, err := f.engine.Invoke(ctx, "strict", "x")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.engine.Consumers()[0].Failed == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, f.transport.Pending("inbox", "strict"))

	status := f.engine.Health()
	assert.True(t, status.IsDegraded())
	healthy, detail := f.engine.HealthFunc()()
	assert.True(t, healthy, "degraded still serves")
	assert.NotNil(t, detail)
}

func TestEngine_Replay(t *testing.T) {
	f := newFixture(t, nil, ordersPipeline())
	ctx := context.Background()
	require.NoError(t, f.engine.Open(ctx))

	for _, id := range []string{"o-1", "o-2", "o-3"} {
		_, err := f.engine.Invoke(ctx, "orders", order(id, "a"))
		require.NoError(t, err)
	}
	_, err := f.engine.Drain(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, f.store.Delete(ctx, "lines/o-2/a"))

	var offsets []string
	result, err := f.engine.Replay(ctx, "orders", "order-lines",
		ReplayOptions{From: stream.OffsetAt(2), Idle: 50 * time.Millisecond},
		func(msg *message.StreamMessage, o *pipeline.Outcome) {
			offsets = append(offsets, msg.Offset)
			assert.NoError(t, o.Err)
		})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Zero(t, result.Failed)
	assert.Equal(t, "3", result.Last)
	assert.Equal(t, []string{"2", "3"}, offsets)

	_, err = f.store.Get(ctx, "lines/o-2/a")
	assert.NoError(t, err, "replay re-ran the segment")
	assert.Zero(t, f.transport.Lag("order-lines", "orders"), "group cursor untouched")

	limited, err := f.engine.Replay(ctx, "orders", "order-lines",
		ReplayOptions{Limit: 1, Idle: 50 * time.Millisecond}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, limited.Processed)
	assert.Equal(t, "1", limited.Last)

	_, err = f.engine.Replay(ctx, "orders", "nowhere", ReplayOptions{}, nil)
	assert.ErrorIs(t, err, pipeline.ErrUnknownStream)
	_, err = f.engine.Replay(ctx, "missing", "order-lines", ReplayOptions{}, nil)
	assert.ErrorIs(t, err, ErrUnknownPipeline)
}

func TestEngine_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	f := newFixture(t, []Option{WithMetricsRegistry(registry), WithVersion("1.2.3")}, greetPipeline(), ordersPipeline())
	ctx := context.Background()

	assert.Equal(t, 2.0, testutil.ToFloat64(registry.CoreMetrics().PipelinesLoaded))
	assert.Equal(t, 1.0, testutil.ToFloat64(registry.CoreMetrics().BuildInfo.WithLabelValues("1.2.3")))

	require.NoError(t, f.engine.Open(ctx))
	_, err := f.engine.Invoke(ctx, "greet", "x")
	require.NoError(t, err)
	_, err = f.engine.Invoke(ctx, "orders", order("o-1", "a"))
	require.NoError(t, err)
	_, err = f.engine.Drain(ctx, nil)
	require.NoError(t, err)

	m := f.engine.metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(m.invocations.WithLabelValues("greet", entryRequest, "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.invocations.WithLabelValues("orders", entryRequest, "published")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.invocations.WithLabelValues("orders", entryLocal, "completed")))

	_, err = New(testConfig(greetPipeline()), WithStages(testStages), WithMetricsRegistry(registry))
	assert.Error(t, err, "metrics are registered once per registry")
}

func TestEngine_StopWithoutStart(t *testing.T) {
	f := newFixture(t, nil, greetPipeline())
	assert.NoError(t, f.engine.Stop(context.Background()))
	assert.True(t, f.engine.Health().IsHealthy())
}
