// Package jsonx holds the JSON conversions shared by payload validation and
// the typed binding.
package jsonx

import (
	json "github.com/goccy/go-json"
)

// Bytes returns the JSON form of v. Raw JSON, either json.RawMessage or
// []byte, passes through untouched and a nil raw message reads as null.
func Bytes(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return []byte("null"), nil
	case json.RawMessage:
		if val == nil {
			return []byte("null"), nil
		}
		return val, nil
	case []byte:
		return val, nil
	default:
		return json.Marshal(v)
	}
}

// Convert returns v as a T. Values that already are a T are returned as is,
// anything else goes through its JSON form.
func Convert[T any](v any) (T, error) {
	if t, ok := v.(T); ok {
		return t, nil
	}
	var out T
	data, err := Bytes(v)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}
