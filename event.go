package conduit

import (
	"context"
	"fmt"

	"github.com/casualjim/conduit/events"
	"github.com/casualjim/conduit/pkg/jsonx"
	"github.com/casualjim/conduit/pkg/stdx"
	"github.com/casualjim/conduit/transport"
	"github.com/fogfish/opts"
)

// Event is the typed publish and subscribe pair for one registered event.
type Event[T any] struct {
	bus *Bus
	def events.Definition
}

// Bind returns the typed entry points for the event called name.
func Bind[T any](b *Bus, name string) (*Event[T], error) {
	def, err := b.registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	return &Event[T]{bus: b, def: def}, nil
}

// MustBind is Bind that panics when name is not registered.
func MustBind[T any](b *Bus, name string) *Event[T] {
	return stdx.Must1(Bind[T](b, name))
}

func (e *Event[T]) Name() string    { return e.def.Name }
func (e *Event[T]) Channel() string { return e.def.ChannelName() }

// Publish validates and sends payload.
func (e *Event[T]) Publish(ctx context.Context, payload T, options ...opts.Option[transport.PublishOptions]) error {
	return e.bus.Publish(ctx, e.def.Name, payload, options...)
}

// Subscribe registers a typed handler.
func (e *Event[T]) Subscribe(ctx context.Context, handler func(ctx context.Context, payload T, msg transport.Message) error, options ...SubscribeOption) (transport.Unsubscribe, error) {
	if handler == nil {
		return nil, transport.ErrNilHandler
	}
	return e.bus.Subscribe(ctx, e.def.Name, func(ctx context.Context, d Delivery) error {
		payload, err := jsonx.Convert[T](d.Value)
		if err != nil {
			return fmt.Errorf("event %s: decoding payload: %w", e.def.Name, err)
		}
		return handler(ctx, payload, d.Message)
	}, options...)
}

