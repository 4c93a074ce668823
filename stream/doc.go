// Package stream implements the consumer-group reader used for SHUFFLE
// hand-offs between pipeline segments.
//
// A Transport appends StreamMessages to named streams and hands them to
// consumer groups. Every group sees every record at least once, in stream
// order; a record stays pending until its delivery is acknowledged and is
// redelivered after the ack deadline otherwise. Reads can also start at an
// explicit sequence (OffsetAt), which replays records without moving the
// group cursor.
//
// Two transports are provided:
//
//   - JetStream: one JetStream stream per logical stream, one durable pull
//     consumer per group, ordered ephemeral consumers for replay
//   - Memory: an in-process log with the same delivery semantics, used in
//     tests and local mode
//
// Consumer runs the read loop for one stream and group, handing records to
// a Handler and acknowledging them only when it succeeds:
//
//	consumer, err := stream.NewConsumer(transport, stream.ConsumerConfig{
//		Stream: "orders.priced",
//		Group:  "billing",
//	}, handle)
//	go consumer.Run(ctx)
package stream
