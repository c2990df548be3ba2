package events

import (
	"errors"
	"fmt"

	"github.com/casualjim/conduit/pkg/stdx"
	"github.com/fogfish/opts"
)

// Validator checks a payload and returns the validated value.
type Validator interface {
	Validate(v any) (any, error)
}

// ValidatorFunc adapts a function to a Validator.
type ValidatorFunc func(v any) (any, error)

func (f ValidatorFunc) Validate(v any) (any, error) { return f(v) }

// Definition describes one named event.
type Definition struct {
	Name   string
	Schema Validator
	// Channel overrides the channel the event travels on. Defaults to Name.
	Channel string
	// Prefix namespaces the channel.
	Prefix string
	// Attributes validates the filterable attributes published with the event.
	Attributes Validator
}

// Option configures a Definition.
type Option = opts.Option[Definition]

var (
	WithChannel = opts.ForName[Definition, string]("Channel")
	WithPrefix  = opts.ForName[Definition, string]("Prefix")
)

// WithAttributes sets the validator for published attributes.
func WithAttributes(v Validator) Option {
	return opts.Type[Definition](func(d *Definition) error {
		d.Attributes = v
		return nil
	})
}

var errMissingName = errors.New("event name is required")

// Define creates a definition for name validated by schema.
func Define(name string, schema Validator, options ...Option) (Definition, error) {
	if name == "" {
		return Definition{}, errMissingName
	}
	if schema == nil {
		return Definition{}, fmt.Errorf("event %s: schema is required", name)
	}
	def := Definition{Name: name, Schema: schema}
	if err := opts.Apply(&def, options); err != nil {
		return Definition{}, fmt.Errorf("event %s: %w", name, err)
	}
	return def, nil
}

// MustDefine is Define for package level declarations. It panics on error.
func MustDefine(name string, schema Validator, options ...Option) Definition {
	return stdx.Must1(Define(name, schema, options...))
}

// ChannelName is the channel the event is published and subscribed on.
func (d Definition) ChannelName() string {
	if d.Channel != "" {
		return d.Prefix + d.Channel
	}
	return d.Prefix + d.Name
}

// Validate runs the payload schema. Failures are returned as *ValidationError.
func (d Definition) Validate(v any) (any, error) {
	out, err := d.Schema.Validate(v)
	if err != nil {
		return nil, &ValidationError{Event: d.Name, Err: err}
	}
	return out, nil
}

// ValidateAttributes runs the attribute validator when one is configured.
func (d Definition) ValidateAttributes(attrs map[string]any) error {
	if d.Attributes == nil || attrs == nil {
		return nil
	}
	if _, err := d.Attributes.Validate(attrs); err != nil {
		return &ValidationError{Event: d.Name, Field: "attributes", Err: err}
	}
	return nil
}
