// Package storage provides the Store capability injected into pipeline
// stages through their invocation.
//
// Stages never open their own connections; the hosting engine builds one
// Store at startup with Open and hands it to every invocation:
//
//	store, err := storage.Open(ctx, natsClient, storage.Config{Backend: "kv", Bucket: "STEPS_STATE"})
//	...
//	if s := inv.Capabilities().Store; s != nil {
//		_ = s.Put(ctx, "orders/"+id, data)
//	}
//
// Three backends are available: "kv" (JetStream key-value bucket), "object"
// (JetStream object store) and "memory" (process-local, for tests and
// invoke --local).
package storage
