package message

import (
	"fmt"
	"testing"

	"github.com/c360/stepstreams/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var orderType = Type{Domain: "orders", Category: "order", Version: "v1"}

type order struct {
	ID    string   `json:"id"`
	Total float64  `json:"total"`
	Tags  []string `json:"tags"`
}

func (o order) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("order id is required")
	}
	return nil
}

type selfDescribing struct {
	Name string `json:"name"`
}

func (selfDescribing) Schema() Type {
	return Type{Domain: "test", Category: "self", Version: "v1"}
}

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, RegisterType[order](reg, orderType, "an order"))
	return NewCodec(reg)
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterType[order](reg, orderType, "an order"))

	t.Run("duplicate type", func(t *testing.T) {
		err := RegisterType[selfDescribing](reg, orderType, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already registered")
	})

	t.Run("duplicate go type", func(t *testing.T) {
		err := RegisterType[order](reg, Type{Domain: "orders", Category: "order", Version: "v2"}, "")
		require.Error(t, err)
	})

	t.Run("invalid type", func(t *testing.T) {
		err := RegisterType[int](reg, Type{Domain: "x"}, "")
		assert.True(t, errors.IsInvalid(err))
	})

	t.Run("reserved json type", func(t *testing.T) {
		assert.Error(t, RegisterType[string](reg, JSONType, ""))
	})

	list := reg.List()
	require.Len(t, list, 1)
	assert.Equal(t, orderType, list[0].Type)
	assert.True(t, reg.Known(orderType))
	assert.True(t, reg.Known(JSONType))
	assert.False(t, reg.Known(Type{Domain: "a", Category: "b", Version: "c"}))
}

func TestRegistry_TypeOf(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterType[order](reg, orderType, ""))

	assert.Equal(t, orderType, reg.TypeOf(order{ID: "1"}))
	assert.Equal(t, JSONType, reg.TypeOf(&order{ID: "1"}))
	assert.Equal(t, selfDescribing{}.Schema(), reg.TypeOf(selfDescribing{}))
	assert.Equal(t, JSONType, reg.TypeOf(map[string]any{"a": 1}))
	assert.Equal(t, JSONType, reg.TypeOf(nil))
}

func TestCodec_RoundTripRegistered(t *testing.T) {
	codec := newTestCodec(t)

	msg := &StreamMessage{
		ID:      "abc",
		Stream:  "orders",
		Payload: order{ID: "o-1", Total: 12.5, Tags: []string{"a"}},
		Headers: map[string]string{"track.request_id": "r-1"},
	}

	data, err := codec.Encode(msg)
	require.NoError(t, err)

	decoded, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "abc", decoded.ID)
	assert.Equal(t, "orders", decoded.Stream)
	assert.Equal(t, orderType, decoded.Type)
	assert.Equal(t, msg.Payload, decoded.Payload)
	assert.Equal(t, "r-1", decoded.Header("track.request_id"))

	// The decoded payload is a fresh value.
	got := decoded.Payload.(order)
	got.Tags[0] = "changed"
	assert.Equal(t, "a", msg.Payload.(order).Tags[0])
}

func TestCodec_GenericPayload(t *testing.T) {
	codec := NewCodec(nil)

	data, err := codec.Encode(&StreamMessage{Stream: "numbers", Payload: 3})
	require.NoError(t, err)

	decoded, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, JSONType, decoded.Type)
	assert.Equal(t, float64(3), decoded.Payload)
}

func TestCodec_DecodeErrors(t *testing.T) {
	codec := newTestCodec(t)

	tests := []struct {
		name string
		data string
	}{
		{name: "not json", data: `{`},
		{name: "missing stream", data: `{"type":"core.json.v1","payload":1}`},
		{name: "bad type", data: `{"stream":"s","type":"nope","payload":1}`},
		{name: "payload shape", data: `{"stream":"s","type":"orders.order.v1","payload":"x"}`},
		{name: "payload validation", data: `{"stream":"s","type":"orders.order.v1","payload":{"total":1}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Decode([]byte(tt.data))
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestCodec_EncodeNil(t *testing.T) {
	_, err := NewCodec(nil).Encode(nil)
	assert.Error(t, err)
}
