package slogx

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"
)

// NewZerologLogger builds a slog.Logger that writes through zerolog.
// With console set, output goes through zerolog's human readable ConsoleWriter,
// otherwise one JSON object per line is written to w.
func NewZerologLogger(w io.Writer, level slog.Level, console bool) *slog.Logger {
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Stamp}
	}
	zl := zerolog.New(w).With().Timestamp().Logger()
	return slog.New(zeroslog.NewHandler(zl, &zeroslog.HandlerOptions{Level: level}))
}

// ParseLevel maps debug/info/warn/error (case insensitive) to a slog.Level.
// Unknown values map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
