//go:build integration

package stream

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/stepstreams/message"
	"github.com/c360/stepstreams/natsclient"
)

var sharedTestClient *natsclient.TestClient

func TestMain(m *testing.M) {
	if os.Getenv("INTEGRATION_TESTS") != "" {
		tc, err := natsclient.NewSharedTestClient(natsclient.WithJetStream())
		if err != nil {
			panic("Failed to create shared test client: " + err.Error())
		}
		sharedTestClient = tc
	}

	exitCode := m.Run()

	if sharedTestClient != nil {
		_ = sharedTestClient.Terminate()
	}
	os.Exit(exitCode)
}

func newTestJetStream(t *testing.T, ackWait time.Duration) *JetStream {
	t.Helper()
	if os.Getenv("INTEGRATION_TESTS") == "" {
		t.Skip("Skipping integration test. Set INTEGRATION_TESTS=1 to run.")
	}
	require.NotNil(t, sharedTestClient, "shared test client not initialized")

	prefix := fmt.Sprintf("T%d", time.Now().UnixNano())
	return NewJetStream(sharedTestClient.Client, nil, JetStreamConfig{
		StreamPrefix:  prefix,
		SubjectPrefix: prefix,
		AckWait:       ackWait,
		MemoryStorage: true,
	})
}

func jsRead(stream, group string) ReadRequest {
	return ReadRequest{
		Stream:        stream,
		Group:         group,
		Timeout:       2 * time.Second,
		BatchInterval: 20 * time.Millisecond,
	}
}

func TestIntegration_JetStreamPublishRead(t *testing.T) {
	js := newTestJetStream(t, 30*time.Second)
	ctx := context.Background()

	require.NoError(t, js.EnsureConsumerGroup(ctx, "orders.priced", "billing"))
	require.NoError(t, js.EnsureConsumerGroup(ctx, "orders.priced", "billing"))

	offset, err := js.Publish(ctx, &message.StreamMessage{
		Stream:  "orders.priced",
		Payload: map[string]any{"total": 12.5},
		Headers: map[string]string{"track.request_id": "r-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "1", offset)

	deliveries, err := js.Read(ctx, jsRead("orders.priced", "billing"))
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	msg := deliveries[0].Message
	assert.Equal(t, "orders.priced", msg.Stream)
	assert.Equal(t, "billing", msg.ConsumerGroup)
	assert.Equal(t, "1", msg.Offset)
	assert.Equal(t, map[string]any{"total": 12.5}, msg.Payload)
	assert.Equal(t, "r-1", msg.Header("track.request_id"))
	require.NoError(t, deliveries[0].Ack(ctx))

	deliveries, err = js.Read(ctx, ReadRequest{
		Stream: "orders.priced", Group: "billing",
		Timeout: 200 * time.Millisecond, BatchInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Empty(t, deliveries)
}

func TestIntegration_JetStreamPublishDedup(t *testing.T) {
	js := newTestJetStream(t, 30*time.Second)
	ctx := context.Background()

	msg := &message.StreamMessage{ID: "same-id", Stream: "dedup", Payload: "x"}
	first, err := js.Publish(ctx, msg)
	require.NoError(t, err)
	second, err := js.Publish(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestIntegration_JetStreamRedelivery(t *testing.T) {
	js := newTestJetStream(t, time.Second)
	ctx := context.Background()

	require.NoError(t, js.EnsureConsumerGroup(ctx, "retry", "g"))
	_, err := js.Publish(ctx, &message.StreamMessage{Stream: "retry", Payload: "x"})
	require.NoError(t, err)

	deliveries, err := js.Read(ctx, jsRead("retry", "g"))
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.NoError(t, deliveries[0].Nak(ctx))

	deliveries, err = js.Read(ctx, jsRead("retry", "g"))
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "x", deliveries[0].Message.Payload)
	require.NoError(t, deliveries[0].Ack(ctx))
}

func TestIntegration_JetStreamDatatypeSkip(t *testing.T) {
	js := newTestJetStream(t, 30*time.Second)
	ctx := context.Background()

	require.NoError(t, js.EnsureConsumerGroup(ctx, "typed", "g"))
	_, err := js.Publish(ctx, &message.StreamMessage{Stream: "typed", Type: typeB, Payload: "b"})
	require.NoError(t, err)
	_, err = js.Publish(ctx, &message.StreamMessage{Stream: "typed", Type: typeA, Payload: "a"})
	require.NoError(t, err)

	req := jsRead("typed", "g")
	req.Datatypes = []message.Type{typeA}
	deliveries, err := js.Read(ctx, req)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "a", deliveries[0].Message.Payload)
}

func TestIntegration_JetStreamReplay(t *testing.T) {
	js := newTestJetStream(t, 30*time.Second)
	ctx := context.Background()

	require.NoError(t, js.EnsureConsumerGroup(ctx, "replay", "g"))
	for i := range 3 {
		_, err := js.Publish(ctx, &message.StreamMessage{Stream: "replay", Payload: float64(i)})
		require.NoError(t, err)
	}

	deliveries, err := js.Read(ctx, ReadRequest{
		Stream: "replay", Offset: OffsetAt(2),
		Timeout: 2 * time.Second, BatchInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NotEmpty(t, deliveries)
	assert.Equal(t, 1.0, deliveries[0].Message.Payload)
	assert.Equal(t, "2", deliveries[0].Message.Offset)

	// the durable group still sees everything
	deliveries, err = js.Read(ctx, jsRead("replay", "g"))
	require.NoError(t, err)
	assert.Len(t, deliveries, 3)
}

func TestIntegration_JetStreamUndecodableTerminated(t *testing.T) {
	js := newTestJetStream(t, time.Second)
	ctx := context.Background()

	require.NoError(t, js.EnsureConsumerGroup(ctx, "bad", "g"))
	_, err := js.client.PublishMsg(ctx, &nats.Msg{Subject: js.Subject("bad"), Data: []byte("not json")})
	require.NoError(t, err)
	_, err = js.Publish(ctx, &message.StreamMessage{Stream: "bad", Payload: "good"})
	require.NoError(t, err)

	deliveries, err := js.Read(ctx, jsRead("bad", "g"))
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "good", deliveries[0].Message.Payload)
}
