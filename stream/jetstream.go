package stream

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/stepstreams/errors"
	"github.com/c360/stepstreams/message"
	"github.com/c360/stepstreams/natsclient"
)

// Header carrying the payload type, so consumers can inspect it without decoding
const typeHeader = "Stepstreams-Type"

// JetStreamConfig configures the JetStream transport
type JetStreamConfig struct {
	// StreamPrefix prefixes JetStream stream names ("STEPS" -> "STEPS_orders")
	StreamPrefix string
	// SubjectPrefix prefixes subjects ("steps" -> "steps.orders")
	SubjectPrefix string
	// AckWait is how long a delivery may stay unacknowledged before redelivery
	AckWait time.Duration
	// MaxDeliver caps deliveries per record, -1 for unlimited
	MaxDeliver int
	// MaxAge bounds retention, 0 keeps records until limits apply
	MaxAge   time.Duration
	Replicas int
	// MemoryStorage selects memory instead of file storage
	MemoryStorage bool
}

// DefaultJetStreamConfig returns production defaults
func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		StreamPrefix:  "STEPS",
		SubjectPrefix: "steps",
		AckWait:       30 * time.Second,
		MaxDeliver:    -1,
		Replicas:      1,
	}
}

// JetStream is a Transport on NATS JetStream. Each logical stream maps to
// one JetStream stream with a single subject; each consumer group is a
// durable pull consumer on it. Replays use ephemeral ordered consumers.
type JetStream struct {
	client  *natsclient.Client
	codec   *message.Codec
	cfg     JetStreamConfig
	logger  *slog.Logger
	metrics *Metrics

	mu        sync.Mutex
	streams   map[string]bool
	consumers map[string]jetstream.Consumer
}

// JetStreamOption configures a JetStream transport
type JetStreamOption func(*JetStream)

// WithJetStreamLogger sets the logger
func WithJetStreamLogger(logger *slog.Logger) JetStreamOption {
	return func(j *JetStream) {
		j.logger = logger
	}
}

// WithJetStreamMetrics attaches stream metrics
func WithJetStreamMetrics(metrics *Metrics) JetStreamOption {
	return func(j *JetStream) {
		j.metrics = metrics
	}
}

// NewJetStream creates a transport on a connected client
func NewJetStream(client *natsclient.Client, codec *message.Codec, cfg JetStreamConfig, opts ...JetStreamOption) *JetStream {
	defaults := DefaultJetStreamConfig()
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = defaults.StreamPrefix
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = defaults.SubjectPrefix
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = defaults.AckWait
	}
	if cfg.MaxDeliver == 0 {
		cfg.MaxDeliver = defaults.MaxDeliver
	}
	if codec == nil {
		codec = message.NewCodec(nil)
	}

	j := &JetStream{
		client:    client,
		codec:     codec,
		cfg:       cfg,
		logger:    slog.Default(),
		streams:   make(map[string]bool),
		consumers: make(map[string]jetstream.Consumer),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.logger = j.logger.With("component", "stream.jetstream")
	return j
}

// sanitize maps a logical name onto the characters JetStream accepts in
// stream and consumer names.
func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

// StreamName returns the JetStream stream backing a logical stream
func (j *JetStream) StreamName(stream string) string {
	return j.cfg.StreamPrefix + "_" + sanitize(stream)
}

// Subject returns the subject records of a logical stream are published on
func (j *JetStream) Subject(stream string) string {
	return j.cfg.SubjectPrefix + "." + sanitize(stream)
}

func (j *JetStream) ensureStream(ctx context.Context, stream string) (string, error) {
	name := j.StreamName(stream)

	j.mu.Lock()
	ok := j.streams[name]
	j.mu.Unlock()
	if ok {
		return name, nil
	}

	storage := jetstream.FileStorage
	if j.cfg.MemoryStorage {
		storage = jetstream.MemoryStorage
	}

	_, err := j.client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:       name,
		Subjects:   []string{j.Subject(stream)},
		Storage:    storage,
		Replicas:   j.cfg.Replicas,
		MaxAge:     j.cfg.MaxAge,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return "", errors.WrapTransient(err, "JetStream", "ensureStream", fmt.Sprintf("ensure stream %s", name))
	}

	j.mu.Lock()
	j.streams[name] = true
	j.mu.Unlock()
	return name, nil
}

// EnsureConsumerGroup creates a durable consumer for group. An existing
// consumer keeps its cursor.
func (j *JetStream) EnsureConsumerGroup(ctx context.Context, stream, group string) error {
	_, err := j.consumer(ctx, stream, group)
	return err
}

func (j *JetStream) consumer(ctx context.Context, stream, group string) (jetstream.Consumer, error) {
	if stream == "" || group == "" {
		return nil, errors.WrapInvalid(ErrInvalidRequest, "JetStream", "EnsureConsumerGroup",
			"stream and group are required")
	}

	key := stream + "\x00" + group
	j.mu.Lock()
	c, ok := j.consumers[key]
	j.mu.Unlock()
	if ok {
		return c, nil
	}

	name, err := j.ensureStream(ctx, stream)
	if err != nil {
		return nil, err
	}

	c, err = j.client.EnsureConsumer(ctx, name, jetstream.ConsumerConfig{
		Durable:       sanitize(group),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       j.cfg.AckWait,
		MaxDeliver:    j.cfg.MaxDeliver,
		FilterSubject: j.Subject(stream),
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "JetStream", "EnsureConsumerGroup",
			fmt.Sprintf("ensure group %s on %s", group, stream))
	}

	j.mu.Lock()
	j.consumers[key] = c
	j.mu.Unlock()
	j.logger.Debug("consumer group ready", "stream", stream, "group", group)
	return c, nil
}

// Publish encodes msg and publishes it with a Nats-Msg-Id header so that
// retried publishes are de-duplicated by the server.
func (j *JetStream) Publish(ctx context.Context, msg *message.StreamMessage) (string, error) {
	if msg == nil || msg.Stream == "" {
		return "", errors.WrapInvalid(ErrInvalidRequest, "JetStream", "Publish", "message stream is required")
	}
	if _, err := j.ensureStream(ctx, msg.Stream); err != nil {
		j.metrics.recordPublish(msg.Stream, err)
		return "", err
	}

	out := *msg
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	out.ConsumerGroup = ""
	out.Offset = ""

	data, err := j.codec.Encode(&out)
	if err != nil {
		j.metrics.recordPublish(msg.Stream, err)
		return "", err
	}

	natsMsg := nats.NewMsg(j.Subject(msg.Stream))
	natsMsg.Data = data
	natsMsg.Header.Set(jetstream.MsgIDHeader, out.ID)
	if t := out.Type; t.IsValid() {
		natsMsg.Header.Set(typeHeader, t.Key())
	} else {
		natsMsg.Header.Set(typeHeader, j.codec.Registry().TypeOf(out.Payload).Key())
	}

	ack, err := j.client.PublishMsg(ctx, natsMsg)
	j.metrics.recordPublish(msg.Stream, err)
	if err != nil {
		return "", errors.WrapTransient(err, "JetStream", "Publish", fmt.Sprintf("publish to %s", msg.Stream))
	}
	if ack.Duplicate {
		j.logger.Debug("duplicate publish dropped by server", "stream", msg.Stream, "id", out.ID)
	}
	return strconv.FormatUint(ack.Sequence, 10), nil
}

// Read returns deliveries for req, see Transport
func (j *JetStream) Read(ctx context.Context, req ReadRequest) ([]*Delivery, error) {
	req, err := req.normalize()
	if err != nil {
		return nil, err
	}

	var consumer jetstream.Consumer
	var replay bool
	if req.Offset.IsNew() {
		consumer, err = j.consumer(ctx, req.Stream, req.Group)
	} else {
		replay = true
		consumer, err = j.replayConsumer(ctx, req.Stream, req.Offset.Seq())
	}
	if err != nil {
		j.metrics.recordRead(req.Stream, req.Group, 0, err)
		return nil, err
	}

	fetch := func(ctx context.Context, max int) ([]*Delivery, error) {
		return j.fetch(ctx, consumer, req, max, replay)
	}

	deliveries, err := poll(ctx, req, fetch, func(*Delivery) { j.metrics.recordSkip(req.Stream, req.Group) })
	j.metrics.recordRead(req.Stream, req.Group, len(deliveries), err)
	return deliveries, err
}

func (j *JetStream) replayConsumer(ctx context.Context, stream string, seq uint64) (jetstream.Consumer, error) {
	name, err := j.ensureStream(ctx, stream)
	if err != nil {
		return nil, err
	}
	c, err := j.client.OrderedConsumer(ctx, name, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{j.Subject(stream)},
		DeliverPolicy:  jetstream.DeliverByStartSequencePolicy,
		OptStartSeq:    seq,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "JetStream", "Read", fmt.Sprintf("replay %s from %d", stream, seq))
	}
	return c, nil
}

func (j *JetStream) fetch(
	_ context.Context, consumer jetstream.Consumer, req ReadRequest, max int, replay bool,
) ([]*Delivery, error) {
	batch, err := consumer.FetchNoWait(max)
	if err != nil {
		return nil, errors.WrapTransient(err, "JetStream", "Read", fmt.Sprintf("fetch from %s", req.Stream))
	}

	var out []*Delivery
	for msg := range batch.Messages() {
		d, ok := j.delivery(msg, req, replay)
		if ok {
			out = append(out, d)
		}
	}
	if err := batch.Error(); err != nil && !stderrors.Is(err, nats.ErrTimeout) &&
		!stderrors.Is(err, jetstream.ErrNoMessages) {
		if len(out) > 0 {
			// Keep what arrived; unacknowledged records are redelivered anyway.
			j.logger.Warn("fetch ended early", "stream", req.Stream, "group", req.Group, "error", err)
			return out, nil
		}
		return nil, errors.WrapTransient(err, "JetStream", "Read", fmt.Sprintf("fetch from %s", req.Stream))
	}
	return out, nil
}

func (j *JetStream) delivery(msg jetstream.Msg, req ReadRequest, replay bool) (*Delivery, bool) {
	decoded, err := j.codec.Decode(msg.Data())
	if err != nil {
		j.metrics.recordUndecodable(req.Stream)
		j.logger.Error("terminating undecodable record", "stream", req.Stream, "group", req.Group, "error", err)
		if !replay {
			if termErr := msg.Term(); termErr != nil {
				j.logger.Warn("terminate failed", "stream", req.Stream, "error", termErr)
			}
		}
		return nil, false
	}

	decoded.ConsumerGroup = req.Group
	if meta, err := msg.Metadata(); err == nil {
		decoded.Offset = strconv.FormatUint(meta.Sequence.Stream, 10)
	}

	if replay {
		return NewDelivery(decoded, nil, nil), true
	}

	return NewDelivery(decoded,
		func(ctx context.Context) error {
			err := msg.DoubleAck(ctx)
			j.metrics.recordAck(req.Stream, req.Group, err)
			return err
		},
		func(context.Context) error {
			return msg.Nak()
		},
	), true
}
