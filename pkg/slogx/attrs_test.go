package slogx

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError(t *testing.T) {
	attr := Error(errors.New("boom"))
	assert.Equal(t, KeyError, attr.Key)
	assert.Equal(t, "boom", attr.Value.String())

	assert.Equal(t, "<nil>", Error(nil).Value.String())
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewZerologLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerologLogger(&buf, slog.LevelInfo, false)

	logger.Debug("hidden")
	logger.Info("published", Channel("orders"), MessageID("m-1"))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "published", entry["message"])
	assert.Equal(t, "orders", entry[KeyChannel])
	assert.Equal(t, "m-1", entry[KeyMessageID])
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	base := NewZerologLogger(&buf, slog.LevelInfo, false)
	Component(base, "socket").Info("hello")
	assert.Contains(t, buf.String(), `"logger":"socket"`)

	assert.NotNil(t, Component(nil, "x"))
}
