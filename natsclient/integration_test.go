//go:build integration

package natsclient

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sharedTestClient *TestClient

func TestMain(m *testing.M) {
	if os.Getenv("INTEGRATION_TESTS") != "" {
		tc, err := NewSharedTestClient(
			WithJetStream(),
			WithTestTimeout(5*time.Second),
			WithStartTimeout(30*time.Second),
		)
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

func getSharedClient(t *testing.T) *Client {
	t.Helper()
	if os.Getenv("INTEGRATION_TESTS") == "" {
		t.Skip("Skipping integration test. Set INTEGRATION_TESTS=1 to run.")
	}
	require.NotNil(t, sharedTestClient, "shared test client not initialized")
	return sharedTestClient.Client
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

func TestIntegration_Connected(t *testing.T) {
	client := getSharedClient(t)

	assert.True(t, client.IsHealthy())
	rtt, err := client.RTT()
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
}

func TestIntegration_EnsureStreamIdempotent(t *testing.T) {
	client := getSharedClient(t)
	ctx := context.Background()

	name := uniqueName("ENSURE")
	cfg := jetstream.StreamConfig{Name: name, Subjects: []string{name + ".>"}}

	first, err := client.EnsureStream(ctx, cfg)
	require.NoError(t, err)
	second, err := client.EnsureStream(ctx, cfg)
	require.NoError(t, err)

	assert.Equal(t, first.CachedInfo().Config.Name, second.CachedInfo().Config.Name)
	require.NoError(t, client.DeleteStream(ctx, name))
}

func TestIntegration_EnsureConsumerConcurrent(t *testing.T) {
	client := getSharedClient(t)
	ctx := context.Background()

	name := uniqueName("CONSUMERS")
	_, err := client.EnsureStream(ctx, jetstream.StreamConfig{Name: name, Subjects: []string{name + ".>"}})
	require.NoError(t, err)
	defer func() { _ = client.DeleteStream(ctx, name) }()

	var failures atomic.Int32
	done := make(chan struct{})
	for range 5 {
		go func() {
			defer func() { done <- struct{}{} }()
			_, err := client.EnsureConsumer(ctx, name, jetstream.ConsumerConfig{
				Durable:   "group",
				AckPolicy: jetstream.AckExplicitPolicy,
			})
			if err != nil {
				failures.Add(1)
			}
		}()
	}
	for range 5 {
		<-done
	}
	assert.Zero(t, failures.Load())
}

func TestIntegration_PublishAndFetch(t *testing.T) {
	client := getSharedClient(t)
	ctx := context.Background()

	name := uniqueName("PUBLISH")
	subject := name + ".events"
	_, err := client.EnsureStream(ctx, jetstream.StreamConfig{Name: name, Subjects: []string{subject}})
	require.NoError(t, err)
	defer func() { _ = client.DeleteStream(ctx, name) }()

	id := uuid.NewString()
	for range 2 {
		msg := nats.NewMsg(subject)
		msg.Data = []byte(`{"n":1}`)
		msg.Header.Set(jetstream.MsgIDHeader, id)
		ack, err := client.PublishMsg(ctx, msg)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), ack.Sequence)
	}

	consumer, err := client.EnsureConsumer(ctx, name, jetstream.ConsumerConfig{
		Durable:   "reader",
		AckPolicy: jetstream.AckExplicitPolicy,
	})
	require.NoError(t, err)

	batch, err := consumer.Fetch(10, jetstream.FetchMaxWait(time.Second))
	require.NoError(t, err)

	count := 0
	for msg := range batch.Messages() {
		count++
		require.NoError(t, msg.Ack())
	}
	assert.Equal(t, 1, count, "duplicate publish must be dropped by msg id")
}

func TestIntegration_KVStore(t *testing.T) {
	client := getSharedClient(t)
	ctx := context.Background()

	bucketName := uniqueName("kv")
	bucket, err := client.EnsureKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: bucketName})
	require.NoError(t, err)
	defer func() { _ = client.DeleteKeyValueBucket(ctx, bucketName) }()

	kv := client.NewKVStore(bucket)

	_, err = kv.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)

	rev, err := kv.Put(ctx, "orders.1", []byte("a"))
	require.NoError(t, err)

	_, err = kv.Create(ctx, "orders.1", []byte("b"))
	assert.ErrorIs(t, err, ErrKVKeyExists)

	_, err = kv.Update(ctx, "orders.1", []byte("c"), rev+10)
	assert.ErrorIs(t, err, ErrKVRevisionMismatch)

	require.NoError(t, kv.UpdateWithRetry(ctx, "orders.1", func(current []byte) ([]byte, error) {
		return append(current, 'x'), nil
	}))
	entry, err := kv.Get(ctx, "orders.1")
	require.NoError(t, err)
	assert.Equal(t, "ax", string(entry.Value))

	_, err = kv.Put(ctx, "other.1", []byte("z"))
	require.NoError(t, err)

	keys, err := kv.Keys(ctx, "orders.")
	require.NoError(t, err)
	assert.Equal(t, []string{"orders.1"}, keys)

	require.NoError(t, kv.Delete(ctx, "orders.1"))
	_, err = kv.Get(ctx, "orders.1")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)
}
