package transport

import (
	"context"

	"github.com/fogfish/opts"
	json "github.com/goccy/go-json"
)

// Transport is the contract every backend implements.
type Transport interface {
	// ID identifies this transport instance.
	ID() string

	// Connect acquires the underlying resources. Calling it while connected is a
	// no-op; concurrent calls while connecting share one in-flight attempt.
	Connect(ctx context.Context) error

	// Disconnect releases all resources, cancels pending reconnection and
	// forces the state to disconnected. It is idempotent.
	Disconnect(ctx context.Context) error

	// Subscribe registers handler for channel. The returned Unsubscribe may be
	// called any number of times.
	Subscribe(ctx context.Context, channel string, handler Handler) (Unsubscribe, error)

	// Publish sends payload on channel.
	Publish(ctx context.Context, channel string, payload json.RawMessage, options ...opts.Option[PublishOptions]) error

	// Capabilities describes what this transport can do.
	Capabilities() Capabilities

	// State reports the current connection state.
	State() State

	// On registers a lifecycle listener. The returned function removes it.
	On(kind EventKind, listener Listener) func()
}

// Handler receives one inbound message.
type Handler func(ctx context.Context, msg Message)

// Unsubscribe removes a previously registered handler.
type Unsubscribe func()

// Capabilities is the static descriptor a transport advertises.
type Capabilities struct {
	CanSubscribe      bool `json:"canSubscribe"`
	CanPublish        bool `json:"canPublish"`
	Bidirectional     bool `json:"bidirectional"`
	SupportsTargeting bool `json:"supportsTargeting"`
	SupportsChannels  bool `json:"supportsChannels"`
}

// Metadata travels alongside a payload.
type Metadata struct {
	SenderID     string         `json:"senderId,omitempty"`
	ConnectionID string         `json:"connectionId,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

// Message is the envelope handed to handlers.
type Message struct {
	Channel   string          `json:"channel"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	TargetIDs []string        `json:"targetIds,omitempty"`
	Metadata  *Metadata       `json:"metadata,omitempty"`
}

// Attributes returns the message attributes, or nil.
func (m Message) Attributes() map[string]any {
	if m.Metadata == nil {
		return nil
	}
	return m.Metadata.Attributes
}

// PublishOptions tune a single Publish call.
type PublishOptions struct {
	MessageID string
	TargetIDs []string
	Metadata  *Metadata
}

// WithMessageID overrides the generated message id.
var WithMessageID = opts.ForName[PublishOptions, string]("MessageID")

// WithTargets restricts delivery to the given connection/peer ids.
func WithTargets(ids ...string) opts.Option[PublishOptions] {
	return opts.Type[PublishOptions](func(o *PublishOptions) error {
		o.TargetIDs = append(o.TargetIDs, ids...)
		return nil
	})
}

// WithMetadata attaches metadata to the message.
func WithMetadata(md Metadata) opts.Option[PublishOptions] {
	return opts.Type[PublishOptions](func(o *PublishOptions) error {
		o.Metadata = &md
		return nil
	})
}

// WithAttributes merges filterable attributes into the message metadata.
func WithAttributes(attrs map[string]any) opts.Option[PublishOptions] {
	return opts.Type[PublishOptions](func(o *PublishOptions) error {
		if len(attrs) == 0 {
			return nil
		}
		if o.Metadata == nil {
			o.Metadata = &Metadata{}
		}
		if o.Metadata.Attributes == nil {
			o.Metadata.Attributes = make(map[string]any, len(attrs))
		}
		for k, v := range attrs {
			o.Metadata.Attributes[k] = v
		}
		return nil
	})
}
