// Package stepstreams runs pipelines of steps over durable streams.
//
// A pipeline is an ordered list of stages. A step maps one payload to one
// payload. A spawn stage emits many payloads, each continuing through the
// rest of the pipeline independently. A collector group runs named members
// concurrently, where members wait on each other's results, and continues
// with the result of its terminal member. A shuffle stage publishes the
// payload to a stream and ends the invocation; the stages after it run in
// a consumer group reading that stream, possibly on another process.
//
// # Packages
//
//   - pipeline: definitions, the stage registry, the executor and collectors
//   - stages: configurable stage kinds (filter, map, split, combine, store, log)
//   - stream: the consumer-group transport (JetStream or in-memory) and the consumer loop
//   - storage: the key/value capability handed to stages (NATS KV, object store, memory)
//   - engine: wires configuration, transport, storage and consumers into a service
//   - config: layered JSON/YAML configuration with environment overrides
//   - message: stream records and the payload type registry
//   - natsclient: the NATS connection with reconnects and a circuit breaker
//   - metric, health: Prometheus metrics and health reporting
//   - errors: classified errors (transient, invalid, fatal)
//
// # Example
//
//	cfg, err := config.NewLoader().LoadFile("pipelines.yaml")
//	if err != nil {
//		return err
//	}
//	eng, err := engine.New(cfg, engine.WithStages(func(r *pipeline.Registry) error {
//		return r.RegisterStep("price", price)
//	}))
//	if err != nil {
//		return err
//	}
//	if err := eng.Start(ctx); err != nil {
//		return err
//	}
//	defer eng.Stop(context.Background())
//
//	out, err := eng.Invoke(ctx, "orders", order)
//
// The stepstreams command (cmd/stepstreams) runs the same engine from a
// configuration file.
package stepstreams
