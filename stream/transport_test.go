package stream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/stepstreams/errors"
	"github.com/c360/stepstreams/message"
)

func TestParseOffset(t *testing.T) {
	tests := []struct {
		in      string
		want    Offset
		wantErr bool
	}{
		{in: "", want: OffsetNew},
		{in: "new", want: OffsetNew},
		{in: "1", want: OffsetAt(1)},
		{in: "42", want: OffsetAt(42)},
		{in: "0", wantErr: true},
		{in: "-3", wantErr: true},
		{in: "latest", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseOffset(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOffset(t *testing.T) {
	assert.True(t, OffsetNew.IsNew())
	assert.Equal(t, "new", OffsetNew.String())

	at := OffsetAt(0)
	assert.False(t, at.IsNew())
	assert.Equal(t, uint64(1), at.Seq())
	assert.Equal(t, "7", OffsetAt(7).String())
}

func TestReadRequest_Normalize(t *testing.T) {
	req, err := ReadRequest{Stream: "s", Group: "g"}.normalize()
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchSize, req.BatchSize)
	assert.Equal(t, DefaultReadTimeout, req.Timeout)
	assert.Equal(t, DefaultBatchInterval, req.BatchInterval)

	_, err = ReadRequest{Group: "g"}.normalize()
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = ReadRequest{Stream: "s"}.normalize()
	assert.ErrorIs(t, err, ErrInvalidRequest)

	// replay needs no group
	_, err = ReadRequest{Stream: "s", Offset: OffsetAt(3)}.normalize()
	assert.NoError(t, err)
}

func TestReadRequest_Accepts(t *testing.T) {
	a := message.Type{Domain: "test", Category: "a", Version: "v1"}
	b := message.Type{Domain: "test", Category: "b", Version: "v1"}

	assert.True(t, ReadRequest{}.accepts(a))
	assert.True(t, ReadRequest{Datatypes: []message.Type{a}}.accepts(a))
	assert.False(t, ReadRequest{Datatypes: []message.Type{a}}.accepts(b))
}

func TestDelivery_NilCallbacks(t *testing.T) {
	d := NewDelivery(&message.StreamMessage{Stream: "s"}, nil, nil)
	assert.NoError(t, d.Ack(context.Background()))
	assert.NoError(t, d.Nak(context.Background()))
}
