package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/stepstreams/message"
	"github.com/c360/stepstreams/metric"
	"github.com/c360/stepstreams/pkg/retry"
)

func consumerConfig(stream, group string) ConsumerConfig {
	return ConsumerConfig{
		Stream:        stream,
		Group:         group,
		Timeout:       20 * time.Millisecond,
		BatchInterval: 2 * time.Millisecond,
	}
}

func runConsumer(t *testing.T, c *Consumer) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.Status().Running }, time.Second, 5*time.Millisecond)
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("consumer did not stop")
		}
	}
}

func TestNewConsumer_Validation(t *testing.T) {
	m := NewMemory(nil)
	handler := func(context.Context, *message.StreamMessage) error { return nil }

	_, err := NewConsumer(nil, consumerConfig("s", "g"), handler)
	assert.Error(t, err)

	_, err = NewConsumer(m, consumerConfig("s", "g"), nil)
	assert.Error(t, err)

	_, err = NewConsumer(m, consumerConfig("", "g"), handler)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestConsumer_AcksOnSuccess(t *testing.T) {
	m := NewMemory(nil)
	var mu sync.Mutex
	var seen []any

	c, err := NewConsumer(m, consumerConfig("s", "g"), func(_ context.Context, msg *message.StreamMessage) error {
		mu.Lock()
		seen = append(seen, msg.Payload)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	stop := runConsumer(t, c)
	for i := range 3 {
		publish(t, m, "s", float64(i))
	}

	require.Eventually(t, func() bool { return c.Status().Processed == 3 }, 2*time.Second, 5*time.Millisecond)
	stop()

	mu.Lock()
	assert.Equal(t, []any{0.0, 1.0, 2.0}, seen)
	mu.Unlock()
	assert.Equal(t, 0, m.Pending("s", "g"))
	assert.False(t, c.Status().Running)
}

func TestConsumer_FailureLeavesRecordPending(t *testing.T) {
	m := NewMemory(nil, WithAckWait(time.Hour))
	c, err := NewConsumer(m, consumerConfig("s", "g"), func(context.Context, *message.StreamMessage) error {
		return fmt.Errorf("boom")
	})
	require.NoError(t, err)

	stop := runConsumer(t, c)
	publish(t, m, "s", "x")

	require.Eventually(t, func() bool { return c.Status().Failed == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()

	status := c.Status()
	assert.Equal(t, uint64(0), status.Processed)
	assert.Equal(t, "boom", status.LastError)
	assert.Equal(t, 1, m.Pending("s", "g"))
}

func TestConsumer_NakOnFailureRetries(t *testing.T) {
	m := NewMemory(nil, WithAckWait(time.Hour))
	var calls atomic.Int32

	cfg := consumerConfig("s", "g")
	cfg.NakOnFailure = true
	c, err := NewConsumer(m, cfg, func(context.Context, *message.StreamMessage) error {
		if calls.Add(1) == 1 {
			return fmt.Errorf("first attempt fails")
		}
		return nil
	})
	require.NoError(t, err)

	stop := runConsumer(t, c)
	publish(t, m, "s", "x")

	require.Eventually(t, func() bool { return c.Status().Processed == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, uint64(1), c.Status().Failed)
	assert.Equal(t, 0, m.Pending("s", "g"))
}

func TestConsumer_Concurrent(t *testing.T) {
	m := NewMemory(nil)
	registry := metric.NewMetricsRegistry()
	metrics, err := NewMetrics(registry)
	require.NoError(t, err)

	cfg := consumerConfig("s", "g")
	cfg.Concurrency = 4
	var handled atomic.Int32
	c, err := NewConsumer(m, cfg, func(context.Context, *message.StreamMessage) error {
		time.Sleep(time.Millisecond)
		handled.Add(1)
		return nil
	}, WithConsumerMetrics(metrics, registry))
	require.NoError(t, err)

	stop := runConsumer(t, c)
	for i := range 20 {
		publish(t, m, "s", float64(i))
	}

	require.Eventually(t, func() bool { return handled.Load() == 20 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return m.Pending("s", "g") == 0 }, time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, uint64(20), c.Status().Processed)
}

func TestConsumer_SecondRunRejected(t *testing.T) {
	m := NewMemory(nil)
	c, err := NewConsumer(m, consumerConfig("s", "g"), func(context.Context, *message.StreamMessage) error { return nil })
	require.NoError(t, err)

	stop := runConsumer(t, c)
	defer stop()

	assert.ErrorIs(t, c.Run(context.Background()), ErrConsumerRunning)
}

func retryFast() retry.Config {
	return retry.Config{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

type failingTransport struct {
	*Memory
	reads atomic.Int32
}

func (f *failingTransport) Read(ctx context.Context, req ReadRequest) ([]*Delivery, error) {
	if f.reads.Add(1) <= 2 {
		return nil, fmt.Errorf("connection refused")
	}
	return f.Memory.Read(ctx, req)
}

func TestConsumer_ReadErrorsBackOff(t *testing.T) {
	ft := &failingTransport{Memory: NewMemory(nil)}
	c, err := NewConsumer(ft, consumerConfig("s", "g"),
		func(context.Context, *message.StreamMessage) error { return nil },
		WithReadBackoff(retryFast()),
	)
	require.NoError(t, err)

	stop := runConsumer(t, c)
	publish(t, ft.Memory, "s", "x")

	require.Eventually(t, func() bool { return c.Status().Processed == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.GreaterOrEqual(t, ft.reads.Load(), int32(3))
	assert.Equal(t, "connection refused", c.Status().LastError)
}
