package message

import (
	"encoding/json"
	"testing"

	"github.com/c360/stepstreams/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestType_Key(t *testing.T) {
	typ := Type{Domain: "orders", Category: "priced", Version: "v1"}
	assert.Equal(t, "orders.priced.v1", typ.Key())
	assert.Equal(t, typ.Key(), typ.String())
	assert.True(t, typ.IsValid())
	assert.False(t, Type{Domain: "orders"}.IsValid())
}

func TestParseType(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Type
		wantErr bool
	}{
		{name: "valid", input: "core.json.v1", want: JSONType},
		{name: "too few parts", input: "core.json", wantErr: true},
		{name: "too many parts", input: "a.b.c.d", wantErr: true},
		{name: "empty part", input: "core..v1", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseType(tt.input)
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

func TestType_JSON(t *testing.T) {
	typ := Type{Domain: "orders", Category: "priced", Version: "v2"}

	data, err := json.Marshal(typ)
	require.NoError(t, err)
	assert.JSONEq(t, `"orders.priced.v2"`, string(data))

	var back Type
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, typ, back)

	assert.Error(t, json.Unmarshal([]byte(`"broken"`), &back))
}
