// Package metric provides the Prometheus registry and metrics HTTP server.
//
// MetricsRegistry wraps a private prometheus.Registry with the Go runtime and
// process collectors plus a small set of core gauges (build info, NATS
// connection, running consumers). Packages that own metrics (pipeline, stream,
// natsclient, pkg/worker) create their collectors and register them through
// the MetricsRegistrar methods, keyed by service and metric name so duplicate
// registrations come back as invalid errors instead of panics.
//
// Server exposes the registry on /metrics and an engine-provided health
// callback on /health:
//
//	registry := metric.NewMetricsRegistry()
//	srv := metric.NewServer(9090, "/metrics", registry, eng.Health)
//	go func() { _ = srv.Start() }()
//	defer srv.Stop(ctx)
package metric
