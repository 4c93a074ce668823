package storage

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/stepstreams/errors"
	"github.com/c360/stepstreams/natsclient"
)

// ObjectConfig configures an object-store-backed store
type ObjectConfig struct {
	Bucket   string
	Replicas int
}

// Object is a Store on a NATS JetStream object store. Values are chunked
// by the server, so it suits payloads too large for a KV entry.
type Object struct {
	store jetstream.ObjectStore
}

// NewObject ensures the bucket exists and returns a store on it
func NewObject(ctx context.Context, client *natsclient.Client, cfg ObjectConfig) (*Object, error) {
	if cfg.Bucket == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Object", "NewObject", "bucket name")
	}

	store, err := client.EnsureObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:   cfg.Bucket,
		Replicas: cfg.Replicas,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Object", "NewObject", fmt.Sprintf("ensure bucket %s", cfg.Bucket))
	}
	return &Object{store: store}, nil
}

// Put stores data at key
func (s *Object) Put(ctx context.Context, key string, data []byte) error {
	if err := validateKey("Object", "Put", key); err != nil {
		return err
	}
	if _, err := s.store.PutBytes(ctx, key, data); err != nil {
		return errors.WrapTransient(err, "Object", "Put", fmt.Sprintf("put %s", key))
	}
	return nil
}

// Get returns the data at key
func (s *Object) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.store.GetBytes(ctx, key)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, errors.Wrap(ErrNotFound, "Object", "Get", fmt.Sprintf("get %s", key))
		}
		return nil, errors.WrapTransient(err, "Object", "Get", fmt.Sprintf("get %s", key))
	}
	return data, nil
}

// List returns keys with prefix in lexicographic order
func (s *Object) List(ctx context.Context, prefix string) ([]string, error) {
	infos, err := s.store.List(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoObjectsFound) {
			return []string{}, nil
		}
		return nil, errors.WrapTransient(err, "Object", "List", fmt.Sprintf("list %q", prefix))
	}

	keys := []string{}
	for _, info := range infos {
		if !info.Deleted && strings.HasPrefix(info.Name, prefix) {
			keys = append(keys, info.Name)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// Delete removes key
func (s *Object) Delete(ctx context.Context, key string) error {
	if err := s.store.Delete(ctx, key); err != nil && !stderrors.Is(err, jetstream.ErrObjectNotFound) {
		return errors.WrapTransient(err, "Object", "Delete", fmt.Sprintf("delete %s", key))
	}
	return nil
}
