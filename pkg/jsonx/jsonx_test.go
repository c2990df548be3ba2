package jsonx

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytes(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  string
	}{
		{name: "nil", input: nil, want: `null`},
		{name: "nil raw message", input: json.RawMessage(nil), want: `null`},
		{name: "raw message", input: json.RawMessage(`{"a":1}`), want: `{"a":1}`},
		{name: "bytes", input: []byte(`[1,2]`), want: `[1,2]`},
		{
			name: "struct",
			input: struct {
				Name string `json:"name"`
				Age  int    `json:"age"`
			}{Name: "test", Age: 30},
			want: `{"name":"test","age":30}`,
		},
		{name: "string", input: "x", want: `"x"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Bytes(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestConvert(t *testing.T) {
	type order struct {
		OrderID string `json:"orderId"`
	}

	got, err := Convert[order](order{OrderID: "o1"})
	require.NoError(t, err)
	assert.Equal(t, order{OrderID: "o1"}, got)

	got, err = Convert[order](map[string]any{"orderId": "o2"})
	require.NoError(t, err)
	assert.Equal(t, order{OrderID: "o2"}, got)

	got, err = Convert[order](json.RawMessage(`{"orderId":"o3"}`))
	require.NoError(t, err)
	assert.Equal(t, order{OrderID: "o3"}, got)

	_, err = Convert[order]([]byte(`{"orderId":1}`))
	assert.Error(t, err)

	m, err := Convert[map[string]any](order{OrderID: "o4"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"orderId": "o4"}, m)
}
