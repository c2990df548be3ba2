// Package broker is the NATS backed transport.
//
// It holds two physical connections: one only ever publishes, the other only
// ever subscribes. Channel names are mapped to subjects by prepending the
// configured prefix, so several logical buses can share one NATS deployment.
// The first handler on a channel issues the wire subscription and removing the
// last one tears it down; handlers registered before Connect are wired when the
// subscriber connection comes up.
//
// Reconnection is left to the NATS client. Its disconnect and reconnect
// callbacks drive the transport between connected and reconnecting.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/casualjim/conduit/internal/metrics"
	"github.com/casualjim/conduit/internal/registry"
	"github.com/casualjim/conduit/pkg/slogx"
	"github.com/casualjim/conduit/transport"
	"github.com/fogfish/opts"
)

const Kind = "broker"

var capabilities = transport.Capabilities{
	CanSubscribe:     true,
	CanPublish:       true,
	Bidirectional:    true,
	SupportsChannels: true,
}

type config struct {
	url       string
	name      string
	prefix    string
	reconnect transport.ReconnectPolicy
	dialer    Dialer
	logger    *slog.Logger
	metrics   metrics.Recorder
}

type Option = opts.Option[config]

var (
	// WithURL sets the NATS server URL. Defaults to $NATS_URL or the NATS default.
	WithURL = opts.ForName[config, string]("url")
	// WithName sets the client name prefix; connections are named <name>-pub and <name>-sub.
	WithName = opts.ForName[config, string]("name")
	// WithPrefix namespaces every channel.
	WithPrefix    = opts.ForName[config, string]("prefix")
	WithReconnect = opts.ForName[config, transport.ReconnectPolicy]("reconnect")
	WithLogger    = opts.ForName[config, *slog.Logger]("logger")
)

// WithDialer replaces the NATS dialer.
func WithDialer(d Dialer) Option {
	return opts.Type[config](func(c *config) error {
		c.dialer = d
		return nil
	})
}

func WithMetrics(rec metrics.Recorder) Option {
	return opts.Type[config](func(c *config) error {
		c.metrics = rec
		return nil
	})
}

// Transport publishes and subscribes through a broker.
type Transport struct {
	*transport.Base
	cfg config

	mu    sync.Mutex
	pub   Conn
	sub   Conn
	down  map[Role]bool
	wires registry.Registry[Subscription]
}

// New creates a broker transport. Nothing is dialed until Connect.
func New(options ...Option) (*Transport, error) {
	cfg := config{
		name:      "conduit",
		reconnect: transport.DefaultReconnect,
	}
	if err := opts.Apply(&cfg, options); err != nil {
		return nil, err
	}
	if cfg.dialer == nil {
		cfg.dialer = NATS(cfg.url, cfg.name, cfg.reconnect)
	}

	t := &Transport{
		cfg:   cfg,
		down:  make(map[Role]bool),
		wires: registry.New[Subscription](),
	}
	baseOpts := []opts.Option[transport.Base]{transport.WithLogger(cfg.logger)}
	if cfg.metrics != nil {
		baseOpts = append(baseOpts, transport.WithMetrics(cfg.metrics))
	}
	t.Base = transport.NewBase(Kind, capabilities, transport.Hooks{
		Connect:     t.connect,
		Disconnect:  t.disconnect,
		Subscribe:   t.subscribe,
		Unsubscribe: t.unsubscribe,
		Publish:     t.publish,
	}, baseOpts...)
	return t, nil
}

// Subject maps a channel to its broker subject.
func (t *Transport) Subject(channel string) string {
	return t.cfg.prefix + channel
}

// Prefix returns the channel namespace.
func (t *Transport) Prefix() string { return t.cfg.prefix }

func (t *Transport) connect(ctx context.Context) error {
	pub, err := t.cfg.dialer(ctx, RolePublisher, t.events(RolePublisher))
	if err != nil {
		return err
	}
	sub, err := t.cfg.dialer(ctx, RoleSubscriber, t.events(RoleSubscriber))
	if err != nil {
		pub.Close()
		return err
	}

	t.mu.Lock()
	t.pub, t.sub = pub, sub
	clear(t.down)
	t.mu.Unlock()

	for _, ch := range t.Channels() {
		if err := t.subscribe(ctx, ch); err != nil {
			t.closeConns()
			return err
		}
	}
	return nil
}

func (t *Transport) disconnect(context.Context) error {
	var errs []error
	t.mu.Lock()
	var channels []string
	t.wires.Range(func(ch string, s Subscription) bool {
		if err := s.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
		channels = append(channels, ch)
		return true
	})
	for _, ch := range channels {
		t.wires.Del(ch)
	}
	t.mu.Unlock()
	t.closeConns()
	return errors.Join(errs...)
}

func (t *Transport) closeConns() {
	t.mu.Lock()
	pub, sub := t.pub, t.sub
	t.pub, t.sub = nil, nil
	t.mu.Unlock()
	if pub != nil {
		pub.Close()
	}
	if sub != nil {
		sub.Close()
	}
}

// events maps native connection health onto the transport state. The
// transport counts as reconnecting while either connection is down.
func (t *Transport) events(role Role) ConnEvents {
	log := t.Logger().With(slog.String("role", string(role)))
	return ConnEvents{
		Disconnected: func(err error) {
			if t.ManuallyDisconnected() {
				return
			}
			log.Warn("broker connection lost", slogx.Error(err))
			t.mu.Lock()
			t.down[role] = true
			t.mu.Unlock()
			if terr := t.TransitionWith(transport.StateReconnecting, transport.Event{Err: err}); terr != nil {
				log.Debug("ignoring disconnect", slogx.Error(terr))
				return
			}
			t.Metrics().RecordReconnect(context.Background(), Kind, 0)
		},
		Reconnected: func() {
			log.Info("broker connection restored")
			t.mu.Lock()
			delete(t.down, role)
			healthy := len(t.down) == 0
			t.mu.Unlock()
			if healthy && t.State() == transport.StateReconnecting {
				if err := t.Transition(transport.StateConnected); err != nil {
					log.Debug("ignoring reconnect", slogx.Error(err))
				}
			}
		},
		Closed: func() {
			if s := t.State(); t.ManuallyDisconnected() || (s != transport.StateConnected && s != transport.StateReconnecting) {
				return
			}
			log.Error("broker connection closed")
			if err := t.TransitionWith(transport.StateDisconnected, transport.Event{Err: errors.New("broker connection closed")}); err != nil {
				log.Debug("ignoring close", slogx.Error(err))
			}
			t.closeConns()
		},
	}
}

func (t *Transport) subscribe(_ context.Context, channel string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub == nil {
		return nil
	}
	if _, ok := t.wires.Get(channel); ok {
		return nil
	}

	subject := t.Subject(channel)
	s, err := t.sub.Subscribe(subject, func(data []byte) {
		t.deliver(channel, data)
	})
	if err != nil {
		return err
	}
	if err := t.sub.Flush(); err != nil {
		t.Logger().Warn("flushing subscription", slog.String("subject", subject), slogx.Error(err))
	}
	t.wires.Add(channel, s)
	return nil
}

func (t *Transport) unsubscribe(_ context.Context, channel string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.wires.Get(channel)
	if !ok {
		return nil
	}
	t.wires.Del(channel)
	return s.Unsubscribe()
}

// WireSubscriptions reports how many wire subscriptions are open.
func (t *Transport) WireSubscriptions() int {
	return t.wires.Len()
}

func (t *Transport) deliver(channel string, data []byte) {
	ctx := context.Background()
	msg, err := decodeBody(channel, data)
	if err != nil {
		t.Logger().Warn("undecodable broker message", slogx.Channel(channel), slogx.Error(err))
		t.Metrics().RecordDrop(ctx, channel, "decode")
		return
	}
	t.Dispatch(ctx, msg)
}

func (t *Transport) publish(_ context.Context, msg transport.Message) error {
	if s := t.State(); s != transport.StateConnected && s != transport.StateReconnecting {
		return &transport.TransportStateError{Operation: "publish", State: s}
	}
	body, err := encodeBody(msg)
	if err != nil {
		return err
	}
	t.mu.Lock()
	pub := t.pub
	t.mu.Unlock()
	if pub == nil {
		return &transport.TransportStateError{Operation: "publish", State: t.State()}
	}
	return pub.Publish(t.Subject(msg.Channel), body)
}

var _ transport.Transport = (*Transport)(nil)
