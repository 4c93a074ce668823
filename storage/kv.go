package storage

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/stepstreams/errors"
	"github.com/c360/stepstreams/natsclient"
)

// KVConfig configures a KV-backed store
type KVConfig struct {
	Bucket   string
	History  uint8
	Replicas int
}

// KV is a Store on a NATS JetStream key-value bucket
type KV struct {
	kv *natsclient.KVStore
}

// NewKV ensures the bucket exists and returns a store on it
func NewKV(ctx context.Context, client *natsclient.Client, cfg KVConfig) (*KV, error) {
	if cfg.Bucket == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "KV", "NewKV", "bucket name")
	}

	bucket, err := client.EnsureKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:   cfg.Bucket,
		History:  cfg.History,
		Replicas: cfg.Replicas,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "KV", "NewKV", fmt.Sprintf("ensure bucket %s", cfg.Bucket))
	}

	return &KV{kv: client.NewKVStore(bucket)}, nil
}

// Put stores data at key
func (s *KV) Put(ctx context.Context, key string, data []byte) error {
	if err := validateKey("KV", "Put", key); err != nil {
		return err
	}
	if _, err := s.kv.Put(ctx, key, data); err != nil {
		if stderrors.Is(err, natsclient.ErrKVValueTooLarge) {
			return errors.WrapInvalid(err, "KV", "Put", fmt.Sprintf("put %s", key))
		}
		return errors.WrapTransient(err, "KV", "Put", fmt.Sprintf("put %s", key))
	}
	return nil
}

// Get returns the data at key
func (s *KV) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, errors.Wrap(ErrNotFound, "KV", "Get", fmt.Sprintf("get %s", key))
		}
		return nil, errors.WrapTransient(err, "KV", "Get", fmt.Sprintf("get %s", key))
	}
	return entry.Value, nil
}

// List returns keys with prefix in lexicographic order
func (s *KV) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.kv.Keys(ctx, prefix)
	if err != nil {
		return nil, errors.WrapTransient(err, "KV", "List", fmt.Sprintf("list %q", prefix))
	}
	return keys, nil
}

// Delete removes key
func (s *KV) Delete(ctx context.Context, key string) error {
	if err := s.kv.Delete(ctx, key); err != nil && !natsclient.IsKVNotFoundError(err) {
		return errors.WrapTransient(err, "KV", "Delete", fmt.Sprintf("delete %s", key))
	}
	return nil
}
