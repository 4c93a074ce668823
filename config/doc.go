// Package config loads the service configuration and the pipeline
// definitions it hosts.
//
// Configuration is read from JSON or YAML files. Several files can be
// layered; each is deep-merged onto the previous result (objects merge,
// lists and scalars replace), starting from Defaults. Environment
// variables prefixed with STEPSTREAMS_ override single settings:
//
//	STEPSTREAMS_NATS_URL=nats://nats:4222
//	STEPSTREAMS_TRANSPORT_KIND=memory
//	STEPSTREAMS_STORAGE_BACKEND=memory
//	STEPSTREAMS_METRICS_PORT=9100
//
// The merged document is validated against an embedded JSON schema, then
// decoded and checked by Config.Validate. Durations are written as
// strings ("30s", "1m", "14d") or nanoseconds.
//
// # Basic Usage
//
//	loader := config.NewLoader()
//	loader.AddLayer("config/base.yaml")
//	loader.AddLayer("config/production.yaml")
//
//	cfg, err := loader.Load()
//	if err != nil {
//	    return err
//	}
//
// A pipeline entry is a pipeline.DefinitionSpec plus consumer settings:
//
//	pipelines:
//	  - name: orders
//	    stages:
//	      - {name: validate-order}
//	      - {name: to-lines, kind: split, with: {field: lines, keep: [order_id]}}
//	      - {name: handoff, shuffle: {stream: order-lines}}
//	      - {name: save, kind: store, with: {key: "lines/{{.Payload.order_id}}/{{.Payload.sku}}"}}
//	    consumer:
//	      concurrency: 4
//	      nak_on_failure: true
//
// Stage names are resolved by the engine against its stage registry, so a
// configuration that loads cleanly can still fail to build.
package config
