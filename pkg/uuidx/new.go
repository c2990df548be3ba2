// Package uuidx generates the identifiers stamped on transports, peer
// connections and published messages. Every id is a UUIDv7, so ids sort by
// creation time when downstream consumers deduplicate or order them.
package uuidx

import "github.com/google/uuid"

// New returns a fresh version 7 UUID. It panics if the random source fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns New() in its canonical string form.
func NewString() string {
	return New().String()
}

// Valid reports whether s is a canonical UUID string of any version.
// Client-nominated connection ids are checked with it before being trusted.
func Valid(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
