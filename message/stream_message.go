package message

import (
	"encoding/json"
	"maps"

	"github.com/c360/stepstreams/errors"
)

// StreamMessage is one record crossing a stream boundary.
//
// Stream and Type are set by the publisher. ConsumerGroup and Offset are
// filled by the transport when the record is read.
type StreamMessage struct {
	// ID uniquely identifies the publish attempt and is used for de-duplication
	ID string
	// Stream is the routing key
	Stream string
	// ConsumerGroup is the group the record was read under
	ConsumerGroup string
	// Offset is the transport-assigned position within Stream
	Offset string
	// Type is the payload type
	Type Type
	// Payload is the decoded payload value
	Payload any
	// Headers carries tracking identifiers copied from the invocation
	Headers map[string]string
}

// Header returns the header value for key, or "".
func (m *StreamMessage) Header(key string) string {
	if m == nil || m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

type wireMessage struct {
	ID            string            `json:"id,omitempty"`
	Stream        string            `json:"stream"`
	ConsumerGroup string            `json:"consumer_group,omitempty"`
	Offset        string            `json:"offset,omitempty"`
	Type          Type              `json:"type"`
	Payload       json.RawMessage   `json:"payload"`
	Headers       map[string]string `json:"headers,omitempty"`
}

// Codec encodes and decodes stream messages using a payload registry.
type Codec struct {
	registry *Registry
}

// NewCodec creates a codec. A nil registry decodes every payload generically.
func NewCodec(registry *Registry) *Codec {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Codec{registry: registry}
}

// Registry returns the payload registry used by the codec
func (c *Codec) Registry() *Registry {
	return c.registry
}

// Encode serializes msg. When msg.Type is unset it is resolved from the payload.
func (c *Codec) Encode(msg *StreamMessage) ([]byte, error) {
	if msg == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Codec", "Encode", "nil message")
	}

	msgType := msg.Type
	if !msgType.IsValid() {
		msgType = c.registry.TypeOf(msg.Payload)
	}

	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Codec", "Encode", "marshal payload")
	}

	data, err := json.Marshal(wireMessage{
		ID:            msg.ID,
		Stream:        msg.Stream,
		ConsumerGroup: msg.ConsumerGroup,
		Offset:        msg.Offset,
		Type:          msgType,
		Payload:       payload,
		Headers:       msg.Headers,
	})
	if err != nil {
		return nil, errors.WrapInvalid(err, "Codec", "Encode", "marshal message")
	}
	return data, nil
}

// Decode parses a serialized message into a fresh StreamMessage. The
// payload is decoded into the Go type registered for its Type.
func (c *Codec) Decode(data []byte) (*StreamMessage, error) {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, errors.WrapInvalid(errors.ErrParsingFailed, "Codec", "Decode", err.Error())
	}
	if wire.Stream == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Codec", "Decode", "missing stream")
	}

	payload, err := c.registry.Decode(wire.Type, wire.Payload)
	if err != nil {
		return nil, err
	}

	return &StreamMessage{
		ID:            wire.ID,
		Stream:        wire.Stream,
		ConsumerGroup: wire.ConsumerGroup,
		Offset:        wire.Offset,
		Type:          wire.Type,
		Payload:       payload,
		Headers:       maps.Clone(wire.Headers),
	}, nil
}
