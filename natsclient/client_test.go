package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/stepstreams/errors"
	"github.com/c360/stepstreams/metric"
)

func TestNewClient(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())
	assert.Nil(t, client.Conn())
}

func TestNewClient_InvalidOptions(t *testing.T) {
	_, err := NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(0))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = NewClient("nats://localhost:4222", WithMaxBackoff(time.Millisecond))
	require.Error(t, err)
}

func TestConnectionStatus_String(t *testing.T) {
	tests := map[ConnectionStatus]string{
		StatusDisconnected:   "disconnected",
		StatusConnecting:     "connecting",
		StatusConnected:      "connected",
		StatusReconnecting:   "reconnecting",
		StatusCircuitOpen:    "circuit_open",
		ConnectionStatus(42): "unknown",
	}
	for status, want := range tests {
		assert.Equal(t, want, status.String())
	}
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	client, err := NewClient("nats://invalid:4222")
	require.NoError(t, err)

	for range 4 {
		client.recordFailure()
	}
	assert.NotEqual(t, StatusCircuitOpen, client.Status())

	client.recordFailure()
	assert.Equal(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, int32(5), client.Failures())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	for range 5 {
		client.recordFailure()
	}
	require.Equal(t, StatusCircuitOpen, client.Status())

	client.resetCircuit()
	assert.Equal(t, int32(0), client.Failures())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.Equal(t, time.Second, client.Backoff())
}

func TestCircuitBreaker_ExponentialBackoff(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithMaxBackoff(10*time.Second))
	require.NoError(t, err)

	assert.Equal(t, time.Second, client.Backoff())

	for range 5 {
		client.recordFailure()
	}
	assert.Equal(t, 2*time.Second, client.Backoff())

	for range 5 {
		client.recordFailure()
	}
	assert.Equal(t, 4*time.Second, client.Backoff())

	for range 100 {
		client.recordFailure()
	}
	assert.Equal(t, 10*time.Second, client.Backoff())
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	for range 5 {
		client.recordFailure()
	}
	require.Equal(t, StatusCircuitOpen, client.Status())

	// No connection, so the circuit falls back to disconnected.
	client.halfOpen()
	assert.Equal(t, StatusDisconnected, client.Status())
}

func TestClient_GuardWithoutConnection(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = client.EnsureStream(ctx, jetstream.StreamConfig{Name: "S"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.True(t, errors.IsTransient(err))

	_, err = client.EnsureConsumer(ctx, "S", jetstream.ConsumerConfig{Durable: "g"})
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.EnsureKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "b"})
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.JetStream()
	assert.Error(t, err)

	_, err = client.RTT()
	assert.ErrorIs(t, err, ErrNotConnected)

	for range 5 {
		client.recordFailure()
	}
	_, err = client.EnsureStream(ctx, jetstream.StreamConfig{Name: "S"})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestClient_EnsureConsumerRequiresDurable(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	_, err = client.EnsureConsumer(context.Background(), "S", jetstream.ConsumerConfig{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestClient_ConnectFailureRecorded(t *testing.T) {
	client, err := NewClient("nats://127.0.0.1:1",
		WithTimeout(100*time.Millisecond),
		WithMaxReconnects(0),
		WithHealthInterval(0),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = client.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, int32(1), client.Failures())
	assert.Equal(t, StatusDisconnected, client.Status())
}

func TestClient_CloseIdempotent(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, client.Close(ctx))
	require.NoError(t, client.Close(ctx))
	assert.ErrorIs(t, client.Connect(ctx), ErrClosed)
}

func TestClient_GetStatus(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	client.recordFailure()
	status := client.GetStatus()
	assert.Equal(t, StatusDisconnected, status.Status)
	assert.Equal(t, int32(1), status.FailureCount)
	assert.False(t, status.LastFailureTime.IsZero())
	assert.Zero(t, status.RTT)
}

func TestWithMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()

	client, err := NewClient("nats://localhost:4222", WithMetrics(registry))
	require.NoError(t, err)
	require.NotNil(t, client.jsMetrics)

	client.jsMetrics.recordError("publish")

	// A second client on the same registry collides on metric names.
	_, err = NewClient("nats://localhost:4222", WithMetrics(registry))
	assert.Error(t, err)
}

func TestJetStreamMetrics_NilSafe(t *testing.T) {
	var m *jetstreamMetrics
	m.trackStream("s", nil)
	m.trackConsumer("s", "c", nil)
	m.recordError("x")
	m.updateStats(context.Background())
	m.startPoller(context.Background(), time.Second)()
}

func TestIsKVErrors(t *testing.T) {
	assert.True(t, IsKVNotFoundError(ErrKVKeyNotFound))
	assert.True(t, IsKVNotFoundError(jetstream.ErrKeyNotFound))
	assert.False(t, IsKVNotFoundError(nil))
	assert.True(t, IsKVConflictError(ErrKVRevisionMismatch))
	assert.True(t, IsKVConflictError(jetstream.ErrKeyExists))
	assert.False(t, IsKVConflictError(ErrKVKeyNotFound))
}
