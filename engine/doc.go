// Package engine hosts configured pipelines as a long-running service.
//
// New resolves every pipeline definition in the configuration against the
// built-in stage kinds (package stages) and any stages registered with
// WithStages. Nothing connects until Open (request/response only) or
// Start (request/response plus consumers):
//
//	eng, err := engine.New(cfg,
//	    engine.WithLogger(logger),
//	    engine.WithMetricsRegistry(registry),
//	    engine.WithStages(func(r *pipeline.Registry) error {
//	        return r.RegisterStep("validate-order", validateOrder)
//	    }),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := eng.Start(ctx); err != nil {
//	    return err
//	}
//	defer eng.Stop(context.Background())
//
//	out, err := eng.Invoke(ctx, "orders", order)
//
// # Consumers
//
// Every stream that follows a shuffle in a pipeline gets one consumer
// group, named after the pipeline unless configured otherwise. Each
// record resumes the segment after the shuffle with the invocation
// rebuilt from the record headers. A record is acknowledged only when
// the segment completes or publishes; failures are redelivered.
//
// # Replay and local mode
//
// Replay re-runs a resume segment over stored records from a given
// offset without moving any consumer group. Drain processes pending
// records of every route in the calling goroutine, which together with
// the in-memory transport runs a whole multi-segment pipeline in one
// process.
//
// # Health
//
// Health aggregates the NATS connection and every consumer into a
// health.Status; HealthFunc plugs it into the metrics server's /health.
package engine
