// Package natsclient manages the NATS connection used by stepstreams.
//
// A Client owns one connection and its JetStream context and wraps every
// JetStream call in a circuit breaker: after a threshold of transient
// failures the circuit opens and calls fail fast with ErrCircuitOpen for an
// exponentially growing backoff.
//
// The JetStream helpers are idempotent so they can run on every start:
//
//	client, _ := natsclient.NewClient("nats://localhost:4222",
//		natsclient.WithLogger(natsclient.NewSlogLogger(logger)),
//		natsclient.WithMetrics(registry))
//	if err := client.Connect(ctx); err != nil { ... }
//	defer client.Close(ctx)
//
//	stream, _ := client.EnsureStream(ctx, jetstream.StreamConfig{Name: "STEPS_orders", Subjects: []string{"steps.orders"}})
//	consumer, _ := client.EnsureConsumer(ctx, "STEPS_orders", jetstream.ConsumerConfig{Durable: "pricing"})
//	ack, _ := client.PublishMsg(ctx, msg)
//
// KVStore adds CAS helpers on top of a JetStream key-value bucket.
//
// TestClient starts a NATS server with testcontainers for integration tests.
package natsclient
