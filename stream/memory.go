package stream

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/stepstreams/errors"
	"github.com/c360/stepstreams/message"
)

// Memory is an in-process Transport. Records are stored encoded, so every
// read decodes a fresh payload exactly as a networked transport would.
// Unacknowledged deliveries become eligible for redelivery once AckWait
// has elapsed.
type Memory struct {
	codec   *message.Codec
	ackWait time.Duration
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu      sync.Mutex
	streams map[string]*memoryStream
}

type memoryStream struct {
	records [][]byte // sequence n lives at index n-1
	groups  map[string]*memoryGroup
}

type memoryGroup struct {
	next    uint64               // next never-delivered sequence
	pending map[uint64]time.Time // delivered, unacknowledged: redelivery deadline
}

// MemoryOption configures a Memory transport
type MemoryOption func(*Memory)

// WithAckWait sets how long a delivery may stay unacknowledged before it is redelivered
func WithAckWait(d time.Duration) MemoryOption {
	return func(m *Memory) {
		m.ackWait = d
	}
}

// WithMemoryLogger sets the logger
func WithMemoryLogger(logger *slog.Logger) MemoryOption {
	return func(m *Memory) {
		m.logger = logger
	}
}

// WithMemoryMetrics attaches stream metrics
func WithMemoryMetrics(metrics *Metrics) MemoryOption {
	return func(m *Memory) {
		m.metrics = metrics
	}
}

// NewMemory creates an empty in-memory transport
func NewMemory(codec *message.Codec, opts ...MemoryOption) *Memory {
	if codec == nil {
		codec = message.NewCodec(nil)
	}
	m := &Memory{
		codec:   codec,
		ackWait: 30 * time.Second,
		logger:  slog.Default(),
		now:     time.Now,
		streams: make(map[string]*memoryStream),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "stream.memory")
	return m
}

func (m *Memory) stream(name string) *memoryStream {
	s, ok := m.streams[name]
	if !ok {
		s = &memoryStream{groups: make(map[string]*memoryGroup)}
		m.streams[name] = s
	}
	return s
}

// EnsureConsumerGroup creates group on stream starting at the first record
func (m *Memory) EnsureConsumerGroup(_ context.Context, stream, group string) error {
	if stream == "" || group == "" {
		return errors.WrapInvalid(ErrInvalidRequest, "Memory", "EnsureConsumerGroup", "stream and group are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stream(stream)
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = &memoryGroup{next: 1, pending: make(map[uint64]time.Time)}
		m.logger.Debug("consumer group created", "stream", stream, "group", group)
	}
	return nil
}

// Publish appends msg and returns its sequence
func (m *Memory) Publish(_ context.Context, msg *message.StreamMessage) (string, error) {
	if msg == nil || msg.Stream == "" {
		return "", errors.WrapInvalid(ErrInvalidRequest, "Memory", "Publish", "message stream is required")
	}

	out := *msg
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	out.ConsumerGroup = ""
	out.Offset = ""

	data, err := m.codec.Encode(&out)
	m.metrics.recordPublish(msg.Stream, err)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stream(msg.Stream)
	s.records = append(s.records, data)
	return strconv.Itoa(len(s.records)), nil
}

// Read returns deliveries for req, see Transport
func (m *Memory) Read(ctx context.Context, req ReadRequest) ([]*Delivery, error) {
	req, err := req.normalize()
	if err != nil {
		return nil, err
	}

	var fetch fetchFunc
	if req.Offset.IsNew() {
		fetch = func(_ context.Context, max int) ([]*Delivery, error) {
			return m.fetchGroup(req.Stream, req.Group, max)
		}
	} else {
		next := req.Offset.Seq()
		fetch = func(_ context.Context, max int) ([]*Delivery, error) {
			batch, last, err := m.fetchFrom(req.Stream, req.Group, next, max)
			if last >= next {
				next = last + 1
			}
			return batch, err
		}
	}

	deliveries, err := poll(ctx, req, fetch, func(*Delivery) { m.metrics.recordSkip(req.Stream, req.Group) })
	m.metrics.recordRead(req.Stream, req.Group, len(deliveries), err)
	return deliveries, err
}

// fetchGroup hands out expired pending records first, then new ones.
func (m *Memory) fetchGroup(stream, group string, max int) ([]*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[stream]
	var g *memoryGroup
	if ok {
		g = s.groups[group]
	}
	if g == nil {
		return nil, errors.WrapInvalid(ErrGroupNotFound, "Memory", "Read",
			fmt.Sprintf("group %s on stream %s", group, stream))
	}

	now := m.now()
	var seqs []uint64
	for seq, deadline := range g.pending {
		if !now.Before(deadline) {
			seqs = append(seqs, seq)
		}
	}
	slices.Sort(seqs)
	if len(seqs) > max {
		seqs = seqs[:max]
	}
	for len(seqs) < max && g.next <= uint64(len(s.records)) {
		seqs = append(seqs, g.next)
		g.next++
	}

	out := make([]*Delivery, 0, len(seqs))
	for _, seq := range seqs {
		g.pending[seq] = now.Add(m.ackWait)

		msg, err := m.decode(s, stream, group, seq)
		if err != nil {
			// Undecodable records are dropped, like a terminated JetStream message.
			delete(g.pending, seq)
			continue
		}

		out = append(out, NewDelivery(msg,
			func(context.Context) error {
				m.settle(stream, group, seq, false)
				return nil
			},
			func(context.Context) error {
				m.settle(stream, group, seq, true)
				return nil
			},
		))
	}
	return out, nil
}

// settle acknowledges seq, or with redeliver makes it immediately eligible again.
func (m *Memory) settle(stream, group string, seq uint64, redeliver bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := m.streams[stream].groups[group]
	if _, ok := g.pending[seq]; !ok {
		return
	}
	if redeliver {
		g.pending[seq] = m.now()
		return
	}
	delete(g.pending, seq)
	m.metrics.recordAck(stream, group, nil)
}

// fetchFrom replays records starting at seq; acknowledgements are no-ops.
func (m *Memory) fetchFrom(stream, group string, seq uint64, max int) ([]*Delivery, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[stream]
	if !ok {
		return nil, 0, nil
	}

	var out []*Delivery
	last := uint64(0)
	for ; seq <= uint64(len(s.records)) && len(out) < max; seq++ {
		last = seq
		msg, err := m.decode(s, stream, group, seq)
		if err != nil {
			continue
		}
		out = append(out, NewDelivery(msg, nil, nil))
	}
	return out, last, nil
}

func (m *Memory) decode(s *memoryStream, stream, group string, seq uint64) (*message.StreamMessage, error) {
	msg, err := m.codec.Decode(s.records[seq-1])
	if err != nil {
		m.metrics.recordUndecodable(stream)
		m.logger.Error("dropping undecodable record", "stream", stream, "seq", seq, "error", err)
		return nil, err
	}
	msg.ConsumerGroup = group
	msg.Offset = strconv.FormatUint(seq, 10)
	return msg, nil
}

// Len returns the number of records in stream
func (m *Memory) Len(stream string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[stream]; ok {
		return len(s.records)
	}
	return 0
}

// Pending returns the number of delivered, unacknowledged records of group
func (m *Memory) Pending(stream, group string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[stream]; ok {
		if g, ok := s.groups[group]; ok {
			return len(g.pending)
		}
	}
	return 0
}

// Lag returns the number of records group has not received yet
func (m *Memory) Lag(stream, group string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[stream]; ok {
		if g, ok := s.groups[group]; ok {
			return len(s.records) - int(g.next) + 1
		}
	}
	return 0
}
