// Package health tracks the health of engine components and aggregates it
// into the document served at /health.
//
// There are three states. Healthy components work normally, degraded ones
// work but have recorded errors, unhealthy ones do not work. Aggregation
// takes the worst state of the sub-statuses.
//
//	monitor := health.NewMonitor()
//	monitor.Update("nats", health.FromNATS("nats", client.GetStatus()))
//	monitor.Update("consumer.orders.order-lines", health.FromConsumer(name, c.Status()))
//
//	status := monitor.AggregateHealth("stepstreams")
//
// Error messages copied into a status are sanitized: URLs, file paths, IP
// addresses, ports and credentials are replaced with placeholders.
package health
