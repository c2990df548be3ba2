// Package slogx holds the slog attribute helpers shared by every conduit
// package, and the constructor for the zerolog-backed slog handler.
package slogx

import (
	"fmt"
	"log/slog"
)

// Attribute keys used across transports so log lines can be correlated.
const (
	KeyLoggerName   = "logger"
	KeyError        = "error"
	KeyChannel      = "channel"
	KeyEvent        = "event"
	KeyMessageID    = "message_id"
	KeyConnectionID = "connection_id"
	KeyTransportID  = "transport_id"
	KeyState        = "state"
)

// Error returns an attribute carrying the error's message under "error".
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "<nil>")
	}
	return slog.String(KeyError, err.Error())
}

// Stringer renders value with its String method.
func Stringer(key string, value fmt.Stringer) slog.Attr {
	return slog.String(key, value.String())
}

// LoggerName names the component a logger belongs to.
func LoggerName(name string) slog.Attr {
	return slog.String(KeyLoggerName, name)
}

func Channel(name string) slog.Attr {
	return slog.String(KeyChannel, name)
}

func Event(name string) slog.Attr {
	return slog.String(KeyEvent, name)
}

func MessageID(id string) slog.Attr {
	return slog.String(KeyMessageID, id)
}

func ConnectionID(id string) slog.Attr {
	return slog.String(KeyConnectionID, id)
}

func TransportID(id string) slog.Attr {
	return slog.String(KeyTransportID, id)
}

// State records a connection state transition target.
func State(s fmt.Stringer) slog.Attr {
	return Stringer(KeyState, s)
}

// Component returns logger (or slog.Default when nil) tagged with a logger name.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(LoggerName(name))
}
