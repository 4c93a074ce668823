// Package worker provides a generic worker pool.
//
// The stream consumer uses a Pool to run several stream-triggered pipeline
// invocations side by side while the read loop keeps fetching. SubmitWait
// gives the read loop backpressure: when every worker is busy and the queue
// is full, the loop stops fetching instead of dropping deliveries, which
// would only cause redelivery later. Submit is the non-blocking variant and
// reports ErrQueueFull.
//
//	pool := worker.NewPool(4, 8, func(ctx context.Context, d stream.Delivery) error {
//	    return handle(ctx, d)
//	}, worker.WithName[stream.Delivery]("orders"))
//	_ = pool.Start(ctx)
//	defer pool.Stop(5 * time.Second)
//
// Statistics are always tracked with atomics; Prometheus metrics are added
// when WithMetricsRegistry is given.
package worker
