package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/stepstreams/errors"
)

// EnsureObjectStore returns the object store bucket cfg.Bucket, creating it when absent
func (m *Client) EnsureObjectStore(ctx context.Context, cfg jetstream.ObjectStoreConfig) (jetstream.ObjectStore, error) {
	js, err := m.guard()
	if err != nil {
		return nil, err
	}

	store, err := js.ObjectStore(ctx, cfg.Bucket)
	if err == nil {
		return store, nil
	}
	if !stderrors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, errors.Wrap(m.observe(err, "get_object_store"), "Client", "EnsureObjectStore",
			fmt.Sprintf("look up object store %s", cfg.Bucket))
	}

	store, err = js.CreateObjectStore(ctx, cfg)
	if err != nil && isAlreadyExistsError(err) {
		store, err = js.ObjectStore(ctx, cfg.Bucket)
	}
	if err != nil {
		return nil, errors.Wrap(m.observe(err, "create_object_store"), "Client", "EnsureObjectStore",
			fmt.Sprintf("create object store %s", cfg.Bucket))
	}

	m.logger.Printf("created object store %s", cfg.Bucket)
	return store, nil
}

// DeleteObjectStore deletes an object store bucket
func (m *Client) DeleteObjectStore(ctx context.Context, name string) error {
	js, err := m.guard()
	if err != nil {
		return err
	}
	if err := js.DeleteObjectStore(ctx, name); err != nil {
		return errors.Wrap(m.observe(err, "delete_object_store"), "Client", "DeleteObjectStore",
			fmt.Sprintf("delete object store %s", name))
	}
	return nil
}
