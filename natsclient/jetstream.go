package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/stepstreams/errors"
	"github.com/c360/stepstreams/pkg/retry"
)

// EnsureStream returns the named stream, creating it from cfg when it does
// not exist yet. Concurrent callers racing to create the same stream all
// end up with the existing one.
func (m *Client) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	js, err := m.guard()
	if err != nil {
		return nil, err
	}

	stream, err := js.Stream(ctx, cfg.Name)
	if err == nil {
		m.jsMetrics.trackStream(cfg.Name, stream)
		return stream, nil
	}
	if !stderrors.Is(err, jetstream.ErrStreamNotFound) {
		return nil, errors.Wrap(m.observe(err, "get_stream"), "Client", "EnsureStream",
			fmt.Sprintf("look up stream %s", cfg.Name))
	}

	stream, err = js.CreateStream(ctx, cfg)
	if err != nil && isAlreadyExistsError(err) {
		m.logger.Debugf("stream %s created concurrently, using existing", cfg.Name)
		stream, err = js.Stream(ctx, cfg.Name)
	}
	if err != nil {
		return nil, errors.Wrap(m.observe(err, "create_stream"), "Client", "EnsureStream",
			fmt.Sprintf("create stream %s", cfg.Name))
	}

	m.logger.Printf("created stream %s (subjects %v)", cfg.Name, cfg.Subjects)
	m.jsMetrics.trackStream(cfg.Name, stream)
	return stream, m.observe(nil, "create_stream")
}

// DeleteStream removes a stream and all its consumers
func (m *Client) DeleteStream(ctx context.Context, name string) error {
	js, err := m.guard()
	if err != nil {
		return err
	}
	if err := js.DeleteStream(ctx, name); err != nil {
		return errors.Wrap(m.observe(err, "delete_stream"), "Client", "DeleteStream",
			fmt.Sprintf("delete stream %s", name))
	}
	return nil
}

// EnsureConsumer returns the durable consumer cfg.Durable on stream,
// creating it when absent. An existing consumer is returned unchanged, so
// its delivery cursor survives restarts.
func (m *Client) EnsureConsumer(
	ctx context.Context, stream string, cfg jetstream.ConsumerConfig,
) (jetstream.Consumer, error) {
	if cfg.Durable == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "EnsureConsumer", "durable name")
	}

	js, err := m.guard()
	if err != nil {
		return nil, err
	}

	consumer, err := js.Consumer(ctx, stream, cfg.Durable)
	if err == nil {
		m.jsMetrics.trackConsumer(stream, cfg.Durable, consumer)
		return consumer, nil
	}
	if !stderrors.Is(err, jetstream.ErrConsumerNotFound) {
		return nil, errors.Wrap(m.observe(err, "get_consumer"), "Client", "EnsureConsumer",
			fmt.Sprintf("look up consumer %s on %s", cfg.Durable, stream))
	}

	consumer, err = js.CreateConsumer(ctx, stream, cfg)
	if err != nil && isAlreadyExistsError(err) {
		consumer, err = js.Consumer(ctx, stream, cfg.Durable)
	}
	if err != nil {
		return nil, errors.Wrap(m.observe(err, "create_consumer"), "Client", "EnsureConsumer",
			fmt.Sprintf("create consumer %s on %s", cfg.Durable, stream))
	}

	m.logger.Printf("created consumer %s on stream %s", cfg.Durable, stream)
	m.jsMetrics.trackConsumer(stream, cfg.Durable, consumer)
	return consumer, m.observe(nil, "create_consumer")
}

// Consumer looks up an existing consumer
func (m *Client) Consumer(ctx context.Context, stream, name string) (jetstream.Consumer, error) {
	js, err := m.guard()
	if err != nil {
		return nil, err
	}
	consumer, err := js.Consumer(ctx, stream, name)
	if err != nil {
		return nil, errors.Wrap(m.observe(err, "get_consumer"), "Client", "Consumer",
			fmt.Sprintf("look up consumer %s on %s", name, stream))
	}
	return consumer, nil
}

// OrderedConsumer creates an ephemeral ordered consumer, used to replay a
// stream from a position without touching any durable cursor.
func (m *Client) OrderedConsumer(
	ctx context.Context, stream string, cfg jetstream.OrderedConsumerConfig,
) (jetstream.Consumer, error) {
	js, err := m.guard()
	if err != nil {
		return nil, err
	}
	consumer, err := js.OrderedConsumer(ctx, stream, cfg)
	if err != nil {
		return nil, errors.Wrap(m.observe(err, "ordered_consumer"), "Client", "OrderedConsumer",
			fmt.Sprintf("create ordered consumer on %s", stream))
	}
	return consumer, nil
}

// PublishMsg publishes msg to JetStream and waits for the acknowledgement.
// Transient failures are retried with the client's publish retry policy;
// a Nats-Msg-Id header on msg lets the server drop duplicates of a retried
// publish.
func (m *Client) PublishMsg(ctx context.Context, msg *nats.Msg) (*jetstream.PubAck, error) {
	cfg := m.publishRetry
	cfg.Retryable = errors.IsTransient

	ack, err := retry.DoWithResult(ctx, cfg, func() (*jetstream.PubAck, error) {
		js, err := m.guard()
		if err != nil {
			return nil, err
		}
		ack, err := js.PublishMsg(ctx, msg)
		return ack, m.observe(err, "publish")
	})
	if err != nil {
		return nil, errors.Wrap(err, "Client", "PublishMsg", fmt.Sprintf("publish to %s", msg.Subject))
	}
	return ack, nil
}
