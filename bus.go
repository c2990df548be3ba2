package conduit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/casualjim/conduit/events"
	"github.com/casualjim/conduit/internal/metrics"
	"github.com/casualjim/conduit/pkg/slogx"
	"github.com/casualjim/conduit/pkg/uuidx"
	"github.com/casualjim/conduit/subscription"
	"github.com/casualjim/conduit/transport"
	"github.com/fogfish/opts"
	json "github.com/goccy/go-json"
)

// ErrPublishOnly is returned by Subscribe on a bus built from a bare publish
// function.
var ErrPublishOnly = errors.New("bus has no transport to subscribe with")

// PublishFunc is the raw publish entry point a bus can be built on instead of
// a full transport.
type PublishFunc func(ctx context.Context, channel string, payload json.RawMessage, options ...opts.Option[transport.PublishOptions]) error

// Delivery is one validated inbound event.
type Delivery = subscription.Delivery

// Handler processes one delivery. Errors are logged and never stop delivery to
// the other handlers.
type Handler = subscription.Handler

// SubscribeOption tunes one subscription.
type SubscribeOption = subscription.SubscribeOption

// WithFilter restricts a subscription to messages whose attributes match.
var WithFilter = subscription.WithFilter

type config struct {
	logger   *slog.Logger
	metrics  metrics.Recorder
	teardown time.Duration
}

type Option = opts.Option[config]

var (
	WithLogger = opts.ForName[config, *slog.Logger]("logger")
	// WithTeardownTimeout bounds the Disconnect issued after the last
	// subscription is removed.
	WithTeardownTimeout = opts.ForName[config, time.Duration]("teardown")
)

func WithMetrics(rec metrics.Recorder) Option {
	return opts.Type[config](func(c *config) error {
		c.metrics = rec
		return nil
	})
}

// Bus validates events from a registry on their way to and from a transport.
type Bus struct {
	registry  *events.Registry
	transport transport.Transport
	publish   PublishFunc
	subs      *subscription.Manager
	logger    *slog.Logger
}

// New binds reg to t.
func New(reg *events.Registry, t transport.Transport, options ...Option) (*Bus, error) {
	if t == nil {
		return nil, errors.New("transport is required")
	}
	b, cfg, err := newBus(reg, t.Publish, options)
	if err != nil {
		return nil, err
	}
	b.transport = t

	subOpts := []subscription.Option{
		subscription.WithChannels(b.channelFor),
		subscription.WithValidator(b.validateInbound),
		subscription.WithLogger(cfg.logger),
	}
	if cfg.metrics != nil {
		subOpts = append(subOpts, subscription.WithMetrics(cfg.metrics))
	}
	if cfg.teardown > 0 {
		subOpts = append(subOpts, subscription.WithTeardownTimeout(cfg.teardown))
	}
	if b.subs, err = subscription.New(t, subOpts...); err != nil {
		return nil, err
	}
	return b, nil
}

// NewPublisher builds a publish only bus over a raw publish function.
func NewPublisher(reg *events.Registry, publish PublishFunc, options ...Option) (*Bus, error) {
	if publish == nil {
		return nil, errors.New("publish function is required")
	}
	b, _, err := newBus(reg, publish, options)
	return b, err
}

func newBus(reg *events.Registry, publish PublishFunc, options []Option) (*Bus, config, error) {
	var cfg config
	if err := opts.Apply(&cfg, options); err != nil {
		return nil, cfg, err
	}
	if reg == nil {
		return nil, cfg, errors.New("registry is required")
	}
	return &Bus{
		registry: reg,
		publish:  publish,
		logger:   slogx.Component(cfg.logger, "bus"),
	}, cfg, nil
}

// Registry returns the events this bus knows.
func (b *Bus) Registry() *events.Registry { return b.registry }

// Transport returns the underlying transport, nil for a publish only bus.
func (b *Bus) Transport() transport.Transport { return b.transport }

// Connect connects the underlying transport. Subscribing connects on demand;
// publishing does not.
func (b *Bus) Connect(ctx context.Context) error {
	if b.transport == nil {
		return nil
	}
	return b.transport.Connect(ctx)
}

// Publish validates payload against the schema of event and sends it. Nothing
// is sent when validation fails.
func (b *Bus) Publish(ctx context.Context, event string, payload any, options ...opts.Option[transport.PublishOptions]) error {
	def, err := b.registry.Lookup(event)
	if err != nil {
		return err
	}
	value, err := def.Validate(payload)
	if err != nil {
		return err
	}

	var po transport.PublishOptions
	if err := opts.Apply(&po, options); err != nil {
		return err
	}
	if po.Metadata != nil {
		if err := def.ValidateAttributes(po.Metadata.Attributes); err != nil {
			return err
		}
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", event, err)
	}
	if po.MessageID == "" {
		po.MessageID = uuidx.NewString()
		options = append(options, transport.WithMessageID(po.MessageID))
	}

	if err := b.publish(ctx, def.ChannelName(), data, options...); err != nil {
		return err
	}
	b.logger.Debug("published", slogx.Event(event), slogx.MessageID(po.MessageID))
	return nil
}

// Subscribe registers an untyped handler for event. Delivery.Value holds the
// payload as returned by the event's validator.
func (b *Bus) Subscribe(ctx context.Context, event string, handler Handler, options ...SubscribeOption) (transport.Unsubscribe, error) {
	if b.subs == nil {
		return nil, ErrPublishOnly
	}
	if _, err := b.registry.Lookup(event); err != nil {
		return nil, err
	}
	return b.subs.Subscribe(ctx, event, handler, options...)
}

// ActiveEvents lists the events with at least one live handler.
func (b *Bus) ActiveEvents() []string {
	if b.subs == nil {
		return nil
	}
	return b.subs.ActiveEvents()
}

// Channels lists the channels of ActiveEvents, the resources a broker needs
// to carry for this process.
func (b *Bus) Channels() []string {
	active := b.ActiveEvents()
	channels := make([]string, 0, len(active))
	for _, name := range active {
		channels = append(channels, b.channelFor(name))
	}
	sort.Strings(channels)
	return channels
}

// Close removes every subscription and disconnects the transport.
func (b *Bus) Close(ctx context.Context) error {
	if b.subs == nil {
		return nil
	}
	return b.subs.Close(ctx)
}

func (b *Bus) channelFor(event string) string {
	def, err := b.registry.Lookup(event)
	if err != nil {
		return event
	}
	return def.ChannelName()
}

func (b *Bus) validateInbound(event string, msg transport.Message) (any, error) {
	def, err := b.registry.Lookup(event)
	if err != nil {
		return nil, err
	}
	return def.Validate(msg.Payload)
}
