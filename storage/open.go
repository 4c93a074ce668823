package storage

import (
	"context"
	"fmt"

	"github.com/c360/stepstreams/errors"
	"github.com/c360/stepstreams/natsclient"
)

// Backend names accepted by Open
const (
	BackendKV     = "kv"
	BackendObject = "object"
	BackendMemory = "memory"
)

// Config selects and configures a backend
type Config struct {
	Backend  string `json:"backend"`
	Bucket   string `json:"bucket"`
	History  uint8  `json:"history,omitempty"`
	Replicas int    `json:"replicas,omitempty"`
}

// Open builds the configured backend. client may be nil for the memory backend.
func Open(ctx context.Context, client *natsclient.Client, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendMemory:
		return NewMemory(), nil
	case BackendKV, "":
		if client == nil {
			return nil, errors.WrapInvalid(errors.ErrMissingConfig, "storage", "Open", "kv backend needs a NATS client")
		}
		return NewKV(ctx, client, KVConfig{Bucket: cfg.Bucket, History: cfg.History, Replicas: cfg.Replicas})
	case BackendObject:
		if client == nil {
			return nil, errors.WrapInvalid(errors.ErrMissingConfig, "storage", "Open", "object backend needs a NATS client")
		}
		return NewObject(ctx, client, ObjectConfig{Bucket: cfg.Bucket, Replicas: cfg.Replicas})
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "storage", "Open",
			fmt.Sprintf("unknown backend %q", cfg.Backend))
	}
}
