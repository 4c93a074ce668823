package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/stepstreams/message"
	"github.com/c360/stepstreams/metric"
	"github.com/c360/stepstreams/stream"
)

func addOne(_ context.Context, _ *Invocation, p any) (any, error) {
	return p.(int) + 1, nil
}

func double(_ context.Context, _ *Invocation, p any) (any, error) {
	return p.(int) * 2, nil
}

func mustDefinition(t *testing.T, name string, stages ...Descriptor) *Definition {
	t.Helper()
	def, err := NewDefinition(name, stages...)
	require.NoError(t, err)
	return def
}

func readAll(t *testing.T, transport stream.Transport, streamName, group string) []*stream.Delivery {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, transport.EnsureConsumerGroup(ctx, streamName, group))
	deliveries, err := transport.Read(ctx, stream.ReadRequest{
		Stream:        streamName,
		Group:         group,
		BatchSize:     100,
		Timeout:       50 * time.Millisecond,
		BatchInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	return deliveries
}

func TestExecutor_SequentialComposition(t *testing.T) {
	def := mustDefinition(t, "arith", Step("A", addOne), Step("B", double))

	out := NewExecutor().Run(context.Background(), def, 3, nil)
	require.NoError(t, out.Err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, 8, out.Payload())
	assert.NotEmpty(t, out.InvocationID)
	assert.Equal(t, "arith", out.Pipeline)
}

func TestExecutor_StageFailureAborts(t *testing.T) {
	boom := errors.New("boom")
	var ranAfter atomic.Bool

	def := mustDefinition(t, "failing",
		Step("A", addOne),
		Step("B", func(context.Context, *Invocation, any) (any, error) { return nil, boom }),
		Step("C", func(_ context.Context, _ *Invocation, p any) (any, error) {
			ranAfter.Store(true)
			return p, nil
		}),
	)

	inv := NewInvocation("test")
	out := NewExecutor().Run(context.Background(), def, 1, inv)

	assert.Equal(t, StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, boom)
	assert.Empty(t, out.Payloads)
	assert.False(t, ranAfter.Load())

	var se *StageError
	require.ErrorAs(t, out.Err, &se)
	assert.Equal(t, "B", se.Stage)
	assert.Equal(t, inv.ID(), se.InvocationID)
	assert.Equal(t, inv.ID(), out.InvocationID)
}

func TestExecutor_StagePanic(t *testing.T) {
	def := mustDefinition(t, "panicky", Step("P", func(context.Context, *Invocation, any) (any, error) {
		panic("kaboom")
	}))

	out := NewExecutor().Run(context.Background(), def, nil, nil)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Contains(t, out.Err.Error(), "kaboom")
}

func TestExecutor_CollectorGroup(t *testing.T) {
	def := mustDefinition(t, "combine",
		Collect(Group{
			Name:     "gather",
			Terminal: "s3",
			Members: []Member{
				{Name: "s1", Fn: AsMember(func(_ context.Context, _ *Invocation, p any) (any, error) {
					return fmt.Sprintf("(%s.s1)", p), nil
				})},
				{Name: "s2", Fn: AsMember(func(_ context.Context, _ *Invocation, p any) (any, error) {
					return fmt.Sprintf("(%s.s2)", p), nil
				})},
				{Name: "s3", Requires: []string{"s1", "s2"}, Fn: func(ctx context.Context, _ *Invocation, c *Collector) (any, error) {
					a, err := c.Get(ctx, "s1")
					if err != nil {
						return nil, err
					}
					b, err := c.Get(ctx, "s2")
					if err != nil {
						return nil, err
					}
					return fmt.Sprintf("combined(%s,%s)", a, b), nil
				}},
			},
		}),
	)

	out := NewExecutor().Run(context.Background(), def, "P", nil)
	require.NoError(t, out.Err)
	assert.Equal(t, "combined((P.s1),(P.s2))", out.Payload())
}

func TestExecutor_CollectorTimeoutFailsPipeline(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	metrics, err := NewMetrics(registry)
	require.NoError(t, err)

	def := mustDefinition(t, "deadlock",
		Collect(Group{
			Name:     "cycle",
			Terminal: "A",
			Members: []Member{
				{Name: "A", Fn: func(ctx context.Context, _ *Invocation, c *Collector) (any, error) { return c.Get(ctx, "B") }},
				{Name: "B", Fn: func(ctx context.Context, _ *Invocation, c *Collector) (any, error) { return c.Get(ctx, "A") }},
			},
		}).WithTimeout(50*time.Millisecond),
		Step("after", addOne),
	)

	start := time.Now()
	out := NewExecutor(WithMetrics(metrics)).Run(context.Background(), def, 1, nil)

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, ErrCollectorTimeout)

	var se *StageError
	require.ErrorAs(t, out.Err, &se)
	assert.Equal(t, "cycle", se.Stage)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.collectorTimeouts.WithLabelValues("deadlock", "cycle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.outcomes.WithLabelValues("deadlock", string(StatusFailed))))
}

func TestExecutor_GroupTimeoutDefault(t *testing.T) {
	def := mustDefinition(t, "slow",
		Collect(Group{
			Name:     "g",
			Terminal: "wait",
			Members: []Member{{Name: "wait", Fn: func(ctx context.Context, _ *Invocation, _ *Collector) (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}}},
		}),
	)

	out := NewExecutor(WithGroupTimeout(20*time.Millisecond)).Run(context.Background(), def, nil, nil)
	assert.ErrorIs(t, out.Err, ErrCollectorTimeout)
}

func TestExecutor_StageTimeout(t *testing.T) {
	var ranAfter atomic.Bool
	def := mustDefinition(t, "timeouts",
		Step("slow", func(context.Context, *Invocation, any) (any, error) {
			time.Sleep(500 * time.Millisecond)
			return "late", nil
		}).WithTimeout(30*time.Millisecond),
		Step("after", func(_ context.Context, _ *Invocation, p any) (any, error) {
			ranAfter.Store(true)
			return p, nil
		}),
	)

	start := time.Now()
	out := NewExecutor().Run(context.Background(), def, nil, nil)

	assert.Less(t, time.Since(start), 300*time.Millisecond)
	assert.Equal(t, StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, ErrStageTimeout)
	assert.False(t, ranAfter.Load())
}

func TestExecutor_StageWithinTimeout(t *testing.T) {
	def := mustDefinition(t, "fast", Step("A", addOne).WithTimeout(time.Second))

	out := NewExecutor().Run(context.Background(), def, 1, nil)
	require.NoError(t, out.Err)
	assert.Equal(t, 2, out.Payload())
}

func TestExecutor_ShuffleAndResume(t *testing.T) {
	ctx := context.Background()
	transport := stream.NewMemory(nil)
	exec := NewExecutor(WithPublisher(transport))

	def := mustDefinition(t, "split",
		Step("A", addOne),
		Shuffle("numbers"),
		Step("B", double),
	)

	inv := NewInvocation("numbers.requested",
		WithTracking(map[string]string{"tenant": "acme"}),
		WithAuth(Auth{Subject: "user-1", Scopes: []string{"write"}}),
	)
	out := exec.Run(ctx, def, 3, inv)
	require.NoError(t, out.Err)
	assert.Equal(t, StatusPublished, out.Status)
	assert.Empty(t, out.Payloads)
	require.Len(t, out.Published, 1)
	assert.Equal(t, Publication{Stream: "numbers", Offset: "1"}, out.Published[0])

	deliveries := readAll(t, transport, "numbers", "split")
	require.Len(t, deliveries, 1)
	msg := deliveries[0].Message
	assert.Equal(t, 4.0, msg.Payload)
	assert.Equal(t, inv.ID(), msg.Header(TrackRequestID))

	// JSON numbers decode as float64 on the consuming side
	resumeDef := mustDefinition(t, "split",
		Step("A", addOne),
		Shuffle("numbers"),
		Step("B", func(_ context.Context, inv *Invocation, p any) (any, error) {
			assert.Equal(t, "acme", inv.Track("tenant"))
			assert.Equal(t, "user-1", inv.Auth().Subject)
			assert.True(t, inv.Auth().HasScope("write"))
			assert.Equal(t, "numbers.requested", inv.Event())
			return p.(float64) * 2, nil
		}),
	)

	resumed := exec.Resume(ctx, resumeDef, msg)
	require.NoError(t, resumed.Err)
	assert.Equal(t, StatusCompleted, resumed.Status)
	assert.Equal(t, 8.0, resumed.Payload())
	assert.NotEqual(t, inv.ID(), resumed.InvocationID)
}

func TestExecutor_DuplicateDeliveryGivesIndependentOutcomes(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32

	def := mustDefinition(t, "dup",
		Shuffle("in"),
		Step("handle", func(_ context.Context, _ *Invocation, p any) (any, error) {
			calls.Add(1)
			m := p.(map[string]any)
			m["handled"] = true
			return m, nil
		}),
	)

	msg := &message.StreamMessage{
		Stream:  "in",
		Payload: map[string]any{"id": "x"},
		Headers: map[string]string{TrackOperationID: "op-1"},
	}

	exec := NewExecutor()
	first := exec.Resume(ctx, def, msg)
	second := exec.Resume(ctx, def, msg)

	require.NoError(t, first.Err)
	require.NoError(t, second.Err)
	assert.Equal(t, StatusCompleted, first.Status)
	assert.Equal(t, StatusCompleted, second.Status)
	assert.Equal(t, int32(2), calls.Load())
	assert.NotEqual(t, first.InvocationID, second.InvocationID)
	assert.Equal(t, first.Payload(), second.Payload())
}

func TestExecutor_ResumeUnknownStream(t *testing.T) {
	def := mustDefinition(t, "p", Step("A", addOne), Shuffle("s"), Step("B", double))

	out := NewExecutor().Resume(context.Background(), def, &message.StreamMessage{Stream: "other", Payload: 1})
	assert.Equal(t, StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, ErrUnknownStream)
}

func TestExecutor_ShuffleWithoutPublisher(t *testing.T) {
	def := mustDefinition(t, "p", Step("A", addOne), Shuffle("s"))

	out := NewExecutor().Run(context.Background(), def, 1, nil)
	assert.Equal(t, StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, ErrNoPublisher)
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, *message.StreamMessage) (string, error) {
	return "", f.err
}

func TestExecutor_PublishFailureSurfaces(t *testing.T) {
	unavailable := errors.New("stream unavailable")
	def := mustDefinition(t, "p", Step("A", addOne), Shuffle("s"))

	out := NewExecutor(WithPublisher(failingPublisher{unavailable})).Run(context.Background(), def, 1, nil)
	assert.Equal(t, StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, unavailable)

	var se *StageError
	require.ErrorAs(t, out.Err, &se)
	assert.Equal(t, "shuffle:s", se.Stage)
}

func emit(items ...any) SpawnFunc {
	return func(context.Context, *Invocation, any) iter.Seq2[any, error] {
		return func(yield func(any, error) bool) {
			for _, item := range items {
				if !yield(item, nil) {
					return
				}
			}
		}
	}
}

func TestExecutor_FanOut(t *testing.T) {
	shared := map[string]any{"count": 0}
	var continuations atomic.Int32

	def := mustDefinition(t, "fanout",
		Spawn("split", emit(shared, shared, shared)),
		Step("bump", func(_ context.Context, _ *Invocation, p any) (any, error) {
			continuations.Add(1)
			m := p.(map[string]any)
			m["count"] = m["count"].(int) + 1
			return m, nil
		}),
	)

	out := NewExecutor().Run(context.Background(), def, nil, nil)
	require.NoError(t, out.Err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, int32(3), continuations.Load())
	require.Len(t, out.Payloads, 3)
	for _, p := range out.Payloads {
		assert.Equal(t, 1, p.(map[string]any)["count"])
	}
	assert.Equal(t, 0, shared["count"])
}

func TestExecutor_FanOutZeroItems(t *testing.T) {
	def := mustDefinition(t, "empty", Spawn("none", emit()), Step("A", addOne))

	out := NewExecutor().Run(context.Background(), def, 1, nil)
	require.NoError(t, out.Err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Empty(t, out.Payloads)
}

func TestExecutor_FanOutPublishesEachItem(t *testing.T) {
	transport := stream.NewMemory(nil)
	def := mustDefinition(t, "fanout",
		Spawn("split", emit(1, 2, 3)),
		Step("A", addOne),
		Shuffle("items"),
	)

	out := NewExecutor(WithPublisher(transport)).Run(context.Background(), def, nil, nil)
	require.NoError(t, out.Err)
	assert.Equal(t, StatusPublished, out.Status)
	assert.Len(t, out.Published, 3)

	deliveries := readAll(t, transport, "items", "g")
	var got []any
	for _, d := range deliveries {
		got = append(got, d.Message.Payload)
	}
	assert.Equal(t, []any{2.0, 3.0, 4.0}, got)
}

func TestExecutor_FanOutFailureMidSequence(t *testing.T) {
	transport := stream.NewMemory(nil)
	boom := errors.New("source exhausted badly")

	def := mustDefinition(t, "partial",
		Spawn("gen", func(context.Context, *Invocation, any) iter.Seq2[any, error] {
			return func(yield func(any, error) bool) {
				if !yield("a", nil) || !yield("b", nil) {
					return
				}
				if !yield(nil, boom) {
					return
				}
				yield("never", nil)
			}
		}),
		Shuffle("letters"),
	)

	out := NewExecutor(WithPublisher(transport)).Run(context.Background(), def, nil, nil)
	assert.Equal(t, StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, boom)

	var se *StageError
	require.ErrorAs(t, out.Err, &se)
	assert.Equal(t, "gen", se.Stage)

	// already-emitted items stay published
	assert.Len(t, out.Published, 2)
	assert.Equal(t, 2, transport.Len("letters"))
}

func TestExecutor_FanOutContinuationFailureStopsEmission(t *testing.T) {
	var emitted atomic.Int32
	def := mustDefinition(t, "stop",
		Spawn("gen", func(context.Context, *Invocation, any) iter.Seq2[any, error] {
			return func(yield func(any, error) bool) {
				for i := range 5 {
					emitted.Add(1)
					if !yield(i, nil) {
						return
					}
				}
			}
		}),
		Step("reject", func(_ context.Context, _ *Invocation, p any) (any, error) {
			if p.(int) == 1 {
				return nil, errors.New("rejected")
			}
			return p, nil
		}),
	)

	out := NewExecutor().Run(context.Background(), def, nil, nil)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, int32(2), emitted.Load())
	assert.Len(t, out.Payloads, 1)
}

func TestExecutor_FanOutKeepsContinuationErrorWhenSequenceIgnoresStop(t *testing.T) {
	boom := errors.New("rejected")
	def := mustDefinition(t, "stubborn",
		Spawn("gen", func(context.Context, *Invocation, any) iter.Seq2[any, error] {
			return func(yield func(any, error) bool) {
				for i := range 3 {
					yield(i, nil)
				}
			}
		}),
		Step("reject", func(context.Context, *Invocation, any) (any, error) { return nil, boom }),
	)

	out := NewExecutor().Run(context.Background(), def, nil, nil)
	assert.Equal(t, StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, boom)
	assert.NotContains(t, out.Err.Error(), "panicked")

	var se *StageError
	require.ErrorAs(t, out.Err, &se)
	assert.Equal(t, "reject", se.Stage)
}

func TestExecutor_FanOutPanicInSequence(t *testing.T) {
	def := mustDefinition(t, "panicky",
		Spawn("gen", func(context.Context, *Invocation, any) iter.Seq2[any, error] {
			return func(yield func(any, error) bool) {
				if !yield(1, nil) {
					return
				}
				panic("generator broke")
			}
		}),
		Step("A", addOne),
	)

	out := NewExecutor().Run(context.Background(), def, nil, nil)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Contains(t, out.Err.Error(), "generator broke")

	var se *StageError
	require.ErrorAs(t, out.Err, &se)
	assert.Equal(t, "gen", se.Stage)
	assert.Equal(t, []any{2}, out.Payloads)
}

func TestExecutor_FanOutTimeoutExcludesContinuation(t *testing.T) {
	def := mustDefinition(t, "slow-downstream",
		Spawn("split", emit(1, 2, 3)).WithTimeout(50*time.Millisecond),
		Step("slow", func(_ context.Context, _ *Invocation, p any) (any, error) {
			time.Sleep(40 * time.Millisecond)
			return p, nil
		}),
	)

	out := NewExecutor().Run(context.Background(), def, nil, nil)
	require.NoError(t, out.Err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, []any{1, 2, 3}, out.Payloads)
}

func TestExecutor_FanOutTimeoutGivesUpOnBlockedSequence(t *testing.T) {
	def := mustDefinition(t, "blocked",
		Spawn("gen", func(context.Context, *Invocation, any) iter.Seq2[any, error] {
			return func(yield func(any, error) bool) {
				if !yield("first", nil) {
					return
				}
				time.Sleep(500 * time.Millisecond)
				yield("late", nil)
			}
		}).WithTimeout(30*time.Millisecond),
		Step("A", func(_ context.Context, _ *Invocation, p any) (any, error) { return p, nil }),
	)

	start := time.Now()
	out := NewExecutor().Run(context.Background(), def, nil, nil)

	assert.Less(t, time.Since(start), 300*time.Millisecond)
	assert.Equal(t, StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, ErrStageTimeout)
	assert.Equal(t, []any{"first"}, out.Payloads)

	var se *StageError
	require.ErrorAs(t, out.Err, &se)
	assert.Equal(t, "gen", se.Stage)
}

func TestExecutor_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	def := mustDefinition(t, "p", Step("A", addOne))
	out := NewExecutor().Run(ctx, def, 1, nil)
	assert.Equal(t, StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, context.Canceled)
}

func TestExecutor_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	metrics, err := NewMetrics(registry)
	require.NoError(t, err)

	transport := stream.NewMemory(nil)
	def := mustDefinition(t, "m", Spawn("split", emit(1, 2)), Shuffle("out"))

	out := NewExecutor(WithMetrics(metrics), WithPublisher(transport)).Run(context.Background(), def, nil, nil)
	require.NoError(t, out.Err)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.spawned.WithLabelValues("m", "split")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.published.WithLabelValues("m", "out")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.outcomes.WithLabelValues("m", string(StatusPublished))))

	_, err = NewMetrics(registry)
	assert.Error(t, err, "registering twice must fail")
}
