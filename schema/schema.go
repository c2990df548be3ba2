package schema

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/casualjim/conduit/pkg/jsonx"
	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	"github.com/invopop/jsonschema"
	"github.com/tidwall/gjson"
)

var reflector = jsonschema.Reflector{
	AllowAdditionalProperties: true,
}

// Reflect returns the JSON schema document for T, for tooling that provisions
// or documents event payloads.
func Reflect[T any]() *jsonschema.Schema {
	var zero T
	return reflector.Reflect(zero)
}

// JSON validates payloads against the schema reflected from T.
type JSON[T any] struct {
	root    *jsonschema.Schema
	formats strfmt.Registry
}

// For reflects T and returns its validator.
func For[T any]() *JSON[T] {
	return &JSON[T]{root: Reflect[T](), formats: strfmt.Default}
}

// Schema returns the reflected schema document.
func (s *JSON[T]) Schema() *jsonschema.Schema {
	return s.root
}

// Validate checks v and returns it decoded as a T.
func (s *JSON[T]) Validate(v any) (any, error) {
	return s.Decode(v)
}

// Decode is Validate with a typed result.
func (s *JSON[T]) Decode(v any) (T, error) {
	var out T
	data, err := jsonx.Bytes(v)
	if err != nil {
		return out, fmt.Errorf("encoding payload: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return out, errors.New("payload is not valid JSON")
	}
	if err := s.check(s.root, gjson.ParseBytes(data), ""); err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decoding payload: %w", err)
	}
	return out, nil
}

// resolve follows local $ref pointers into the root definitions.
func (s *JSON[T]) resolve(sch *jsonschema.Schema) *jsonschema.Schema {
	for i := 0; sch != nil && sch.Ref != "" && i < 32; i++ {
		name, ok := strings.CutPrefix(sch.Ref, "#/$defs/")
		if !ok {
			return sch
		}
		next, ok := s.root.Definitions[name]
		if !ok {
			return sch
		}
		sch = next
	}
	return sch
}

func (s *JSON[T]) check(sch *jsonschema.Schema, r gjson.Result, path string) error {
	sch = s.resolve(sch)
	if sch == nil {
		return nil
	}

	if len(sch.OneOf) > 0 || len(sch.AnyOf) > 0 {
		alts := append(append([]*jsonschema.Schema(nil), sch.OneOf...), sch.AnyOf...)
		for _, alt := range alts {
			if s.check(alt, r, path) == nil {
				return nil
			}
		}
		return fieldError(path, "matches none of the allowed schemas")
	}

	if sch.Type != "" && !typeMatches(sch.Type, r) {
		return fieldError(path, fmt.Sprintf("expected %s, got %s", sch.Type, kindOf(r)))
	}

	if len(sch.Enum) > 0 && !inEnum(sch.Enum, r) {
		return fieldError(path, fmt.Sprintf("value %s is not one of the allowed values", r.Raw))
	}

	if sch.Format != "" && r.Type == gjson.String && s.formats.ContainsName(sch.Format) {
		if !s.formats.Validates(sch.Format, r.Str) {
			return fieldError(path, fmt.Sprintf("%q is not a valid %s", r.Str, sch.Format))
		}
	}

	switch {
	case r.IsObject():
		for _, name := range sch.Required {
			prop := r.Get(escape(name))
			if !prop.Exists() {
				return fieldError(join(path, name), "is required")
			}
		}
		if sch.Properties == nil {
			return nil
		}
		for pair := sch.Properties.Oldest(); pair != nil; pair = pair.Next() {
			prop := r.Get(escape(pair.Key))
			if !prop.Exists() {
				continue
			}
			if prop.Type == gjson.Null && !required(sch, pair.Key) {
				continue
			}
			if err := s.check(pair.Value, prop, join(path, pair.Key)); err != nil {
				return err
			}
		}
	case r.IsArray():
		if sch.Items == nil {
			return nil
		}
		for i, el := range r.Array() {
			if err := s.check(sch.Items, el, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	}
	return nil
}

func typeMatches(typ string, r gjson.Result) bool {
	switch typ {
	case "object":
		return r.IsObject()
	case "array":
		return r.IsArray()
	case "string":
		return r.Type == gjson.String
	case "number":
		return r.Type == gjson.Number
	case "integer":
		return r.Type == gjson.Number && r.Num == math.Trunc(r.Num)
	case "boolean":
		return r.Type == gjson.True || r.Type == gjson.False
	case "null":
		return r.Type == gjson.Null
	default:
		return true
	}
}

func kindOf(r gjson.Result) string {
	switch {
	case r.IsObject():
		return "object"
	case r.IsArray():
		return "array"
	}
	switch r.Type {
	case gjson.String:
		return "string"
	case gjson.Number:
		return "number"
	case gjson.True, gjson.False:
		return "boolean"
	default:
		return "null"
	}
}

func inEnum(enum []any, r gjson.Result) bool {
	for _, e := range enum {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		want := gjson.ParseBytes(data)
		if want.Type != r.Type {
			continue
		}
		switch r.Type {
		case gjson.String:
			if want.Str == r.Str {
				return true
			}
		case gjson.Number:
			if want.Num == r.Num {
				return true
			}
		case gjson.True, gjson.False, gjson.Null:
			return true
		}
	}
	return false
}

func required(sch *jsonschema.Schema, name string) bool {
	for _, r := range sch.Required {
		if r == name {
			return true
		}
	}
	return false
}

// escape quotes gjson path syntax in a property name.
func escape(name string) string {
	var b strings.Builder
	for _, c := range name {
		switch c {
		case '.', '*', '?', '|', '#', '@', '\\', '!', '=', '<', '>', '%':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

// FieldError locates a schema violation.
type FieldError struct {
	Path   string
	Reason string
}

func (e *FieldError) Error() string {
	if e.Path == "" {
		return e.Reason
	}
	return e.Path + ": " + e.Reason
}

func fieldError(path, reason string) error {
	return &FieldError{Path: path, Reason: reason}
}
