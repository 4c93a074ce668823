package stream

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/c360/stepstreams/errors"
	"github.com/c360/stepstreams/message"
)

// Read defaults
const (
	DefaultBatchSize     = 10
	DefaultReadTimeout   = time.Second
	DefaultBatchInterval = 100 * time.Millisecond
)

// Offset selects where a read starts. The zero value is OffsetNew.
type Offset struct {
	seq uint64
}

// OffsetNew reads records not yet acknowledged by the consumer group
var OffsetNew = Offset{}

// OffsetAt replays from sequence seq (1-based) without touching the group cursor
func OffsetAt(seq uint64) Offset {
	if seq == 0 {
		seq = 1
	}
	return Offset{seq: seq}
}

// IsNew reports whether o reads from the group cursor
func (o Offset) IsNew() bool {
	return o.seq == 0
}

// Seq returns the replay position, 0 for OffsetNew
func (o Offset) Seq() uint64 {
	return o.seq
}

// String returns "new" or the sequence number
func (o Offset) String() string {
	if o.IsNew() {
		return "new"
	}
	return strconv.FormatUint(o.seq, 10)
}

// ParseOffset parses "new" (or "") and positive sequence numbers
func ParseOffset(s string) (Offset, error) {
	if s == "" || s == "new" {
		return OffsetNew, nil
	}
	seq, err := strconv.ParseUint(s, 10, 64)
	if err != nil || seq == 0 {
		return Offset{}, errors.WrapInvalid(ErrInvalidRequest, "Offset", "ParseOffset",
			fmt.Sprintf("offset %q is neither \"new\" nor a positive sequence", s))
	}
	return OffsetAt(seq), nil
}

// ReadRequest describes one batched read
type ReadRequest struct {
	Stream string
	Group  string
	// Datatypes restricts accepted payload types. Records of other types
	// are acknowledged and skipped. Empty accepts everything.
	Datatypes []message.Type
	Offset    Offset
	// BatchSize caps the number of records returned
	BatchSize int
	// Timeout bounds how long Read waits for at least one record
	Timeout time.Duration
	// BatchInterval paces polls of the underlying log
	BatchInterval time.Duration
}

func (r ReadRequest) normalize() (ReadRequest, error) {
	if r.Stream == "" {
		return r, errors.WrapInvalid(ErrInvalidRequest, "ReadRequest", "normalize", "stream is required")
	}
	if r.Group == "" && r.Offset.IsNew() {
		return r, errors.WrapInvalid(ErrInvalidRequest, "ReadRequest", "normalize",
			"consumer group is required for OffsetNew")
	}
	if r.BatchSize <= 0 {
		r.BatchSize = DefaultBatchSize
	}
	if r.Timeout <= 0 {
		r.Timeout = DefaultReadTimeout
	}
	if r.BatchInterval <= 0 {
		r.BatchInterval = DefaultBatchInterval
	}
	return r, nil
}

func (r ReadRequest) accepts(t message.Type) bool {
	return len(r.Datatypes) == 0 || slices.Contains(r.Datatypes, t)
}

// Delivery is one record handed to a reader. Ack advances the consumer
// group past it; a delivery that is never acknowledged is redelivered.
type Delivery struct {
	Message *message.StreamMessage

	ack func(context.Context) error
	nak func(context.Context) error
}

// NewDelivery builds a delivery with the given acknowledgement callbacks.
// Nil callbacks are no-ops.
func NewDelivery(msg *message.StreamMessage, ack, nak func(context.Context) error) *Delivery {
	return &Delivery{Message: msg, ack: ack, nak: nak}
}

// Ack acknowledges successful processing
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Nak asks for redelivery without waiting for the ack deadline
func (d *Delivery) Nak(ctx context.Context) error {
	if d.nak == nil {
		return nil
	}
	return d.nak(ctx)
}

// Transport is the stream consumer-group contract the pipeline relies on
// for SHUFFLE hand-offs.
//
// Delivery is at-least-once per consumer group and ordered within one
// stream. Readers must tolerate duplicates.
type Transport interface {
	// EnsureConsumerGroup creates the group when absent. Idempotent.
	EnsureConsumerGroup(ctx context.Context, stream, group string) error

	// Read returns between 0 and BatchSize deliveries, waiting up to
	// Timeout for at least one. An empty result is not an error.
	Read(ctx context.Context, req ReadRequest) ([]*Delivery, error)

	// Publish appends msg to msg.Stream and returns the assigned offset.
	Publish(ctx context.Context, msg *message.StreamMessage) (string, error)
}
