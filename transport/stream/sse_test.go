package stream

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/casualjim/conduit/transport"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadEvents(t *testing.T) {
	input := strings.Join([]string{
		": keepalive",
		"retry: 1500",
		"",
		"id: 1",
		"event: orders",
		`data: {"payload":`,
		`data: {"orderId":"o1"}}`,
		"",
		"data: plain",
		"",
		"id",
		"event: users",
		"data:{}",
		"",
		"retry: soon",
		"data: trailing without blank line",
	}, "\n")

	var retries []time.Duration
	var got []event
	err := readEvents(strings.NewReader(input),
		func(d time.Duration) { retries = append(retries, d) },
		func(e event) { got = append(got, e) },
	)
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{1500 * time.Millisecond}, retries)
	require.Len(t, got, 3)

	assert.Equal(t, event{ID: "1", HasID: true, Name: "orders", Data: "{\"payload\":\n{\"orderId\":\"o1\"}}"}, got[0])
	assert.Equal(t, "message", got[1].Name)
	assert.False(t, got[1].HasID)
	assert.Equal(t, event{ID: "", HasID: true, Name: "users", Data: "{}"}, got[2])
}

func TestWriteEventRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := transport.Message{
		Channel:   "orders",
		Payload:   json.RawMessage(`{"orderId":"o1"}`),
		MessageID: "m-1",
		Metadata:  &transport.Metadata{Attributes: map[string]any{"status": "a"}},
	}
	require.NoError(t, writeEvent(&buf, msg))

	var got []event
	require.NoError(t, readEvents(&buf, func(time.Duration) {}, func(e event) { got = append(got, e) }))
	require.Len(t, got, 1)
	assert.Equal(t, "orders", got[0].Name)
	assert.Equal(t, "m-1", got[0].ID)

	var b body
	require.NoError(t, json.Unmarshal([]byte(got[0].Data), &b))
	assert.JSONEq(t, `{"orderId":"o1"}`, string(b.Payload))
	assert.Equal(t, "a", b.Metadata.Attributes["status"])
}

func TestWriteEventRejectsLineBreaks(t *testing.T) {
	cases := []transport.Message{
		{Channel: "orders\nevent: users", MessageID: "m-1"},
		{Channel: "orders\r", MessageID: "m-1"},
		{Channel: "orders", MessageID: "m-1\ndata: forged"},
		{Channel: "orders", MessageID: "m\x001"},
	}
	for _, msg := range cases {
		var buf bytes.Buffer
		err := writeEvent(&buf, msg)
		require.ErrorIs(t, err, ErrUnframable, "%q/%q", msg.Channel, msg.MessageID)
		assert.Zero(t, buf.Len())
	}
}
