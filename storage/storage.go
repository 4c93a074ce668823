// Package storage provides the key-value capability handed to pipeline stages.
package storage

import (
	"context"

	"github.com/c360/stepstreams/errors"
)

// ErrNotFound is returned by Get for a missing key
var ErrNotFound = errors.ErrKeyNotFound

// Store is the storage capability stages receive through their invocation.
//
// Keys are strings; hierarchical keys use "/" or "." separators. Values are
// opaque bytes, usually JSON. Stages run under at-least-once delivery, so
// writes should be idempotent: Put overwrites and Delete of a missing key
// succeeds.
//
// Implementations:
//   - KV: NATS JetStream key-value bucket
//   - Object: NATS JetStream object store, for large values
//   - Memory: in-process map, for tests and local runs
//
// All implementations are safe for concurrent use.
type Store interface {
	// Put stores data at key, overwriting any previous value.
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the data at key, or an error matching ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns the keys starting with prefix in lexicographic order.
	// An empty prefix lists every key; no match yields an empty slice.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

func validateKey(component, method, key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, component, method, "key cannot be empty")
	}
	return nil
}
