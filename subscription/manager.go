package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/casualjim/conduit/filter"
	"github.com/casualjim/conduit/internal/metrics"
	"github.com/casualjim/conduit/pkg/slogx"
	"github.com/casualjim/conduit/transport"
	"github.com/fogfish/opts"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/sync/singleflight"
)

// DefaultTeardownTimeout bounds the Disconnect issued when the last
// subscription goes away.
const DefaultTeardownTimeout = 5 * time.Second

// Delivery is one inbound message for one event.
type Delivery struct {
	Event   string
	Message transport.Message
	// Value is the validated payload when the manager has a validator, the raw
	// payload otherwise.
	Value any
}

// Handler processes a delivery. Returned errors are logged, never propagated.
type Handler func(ctx context.Context, d Delivery) error

// ValidateFunc validates an inbound message for event before any handler runs.
type ValidateFunc func(event string, msg transport.Message) (any, error)

type config struct {
	channel  func(event string) string
	validate ValidateFunc
	teardown time.Duration
	logger   *slog.Logger
	metrics  metrics.Recorder
}

// Option configures a Manager.
type Option = opts.Option[config]

var (
	// WithTeardownTimeout bounds the final Disconnect.
	WithTeardownTimeout = opts.ForName[config, time.Duration]("teardown")
	WithLogger          = opts.ForName[config, *slog.Logger]("logger")
)

// WithChannels maps event names to transport channels. Defaults to identity.
func WithChannels(fn func(event string) string) Option {
	return opts.Type[config](func(c *config) error {
		c.channel = fn
		return nil
	})
}

// WithValidator validates each inbound message once before fan out. A message
// that fails is logged and dropped.
func WithValidator(fn ValidateFunc) Option {
	return opts.Type[config](func(c *config) error {
		c.validate = fn
		return nil
	})
}

func WithMetrics(rec metrics.Recorder) Option {
	return opts.Type[config](func(c *config) error {
		c.metrics = rec
		return nil
	})
}

type subscribeConfig struct {
	policy filter.Policy
}

// SubscribeOption tunes one registration.
type SubscribeOption = opts.Option[subscribeConfig]

// WithFilter restricts a handler to messages whose attributes match policy.
var WithFilter = opts.ForName[subscribeConfig, filter.Policy]("policy")

type registration struct {
	handler Handler
	policy  filter.Policy
}

type entry struct {
	event    string
	channel  string
	handlers *orderedmap.OrderedMap[uint64, registration]

	ready       chan struct{}
	err         error
	unsubscribe transport.Unsubscribe
}

// Manager reference counts handlers against transport subscriptions.
type Manager struct {
	transport transport.Transport
	cfg       config
	logger    *slog.Logger

	mu      sync.Mutex
	entries *orderedmap.OrderedMap[string, *entry]
	nextID  uint64

	// life serializes opening transport subscriptions against the final
	// teardown so a Disconnect never races a fresh subscription.
	life    sync.Mutex
	connect singleflight.Group
}

// New creates a manager over t.
func New(t transport.Transport, options ...Option) (*Manager, error) {
	cfg := config{teardown: DefaultTeardownTimeout}
	if err := opts.Apply(&cfg, options); err != nil {
		return nil, err
	}
	if cfg.channel == nil {
		cfg.channel = func(event string) string { return event }
	}
	if cfg.metrics == nil {
		cfg.metrics = metrics.Default()
	}
	m := &Manager{
		transport: t,
		cfg:       cfg,
		logger:    slogx.Component(cfg.logger, "subscription").With(slogx.TransportID(t.ID())),
		entries:   orderedmap.New[string, *entry](),
	}
	t.On(transport.EventDisconnect, func(evt transport.Event) {
		if evt.ConnectionID == "" {
			m.prune()
		}
	})
	return m, nil
}

// channelReporter is implemented by transports that expose their handler
// tables, which every backend embedding transport.Base does.
type channelReporter interface {
	HasSubscription(channel string) bool
}

// prune forgets opened entries whose transport subscription is gone. A direct
// Disconnect on the transport clears its handler tables, so the next Subscribe
// for such an event has to open a fresh transport subscription.
func (m *Manager) prune() {
	rep, ok := m.transport.(channelReporter)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []string
	for pair := m.entries.Oldest(); pair != nil; pair = pair.Next() {
		e := pair.Value
		select {
		case <-e.ready:
		default:
			continue
		}
		if e.err == nil && !rep.HasSubscription(e.channel) {
			stale = append(stale, pair.Key)
		}
	}
	for _, event := range stale {
		m.entries.Delete(event)
		m.logger.Debug("dropped stale subscription", slogx.Event(event))
	}
}

// Subscribe registers handler for event. The returned function removes it and
// may be called any number of times.
func (m *Manager) Subscribe(ctx context.Context, event string, handler Handler, options ...SubscribeOption) (transport.Unsubscribe, error) {
	if handler == nil {
		return nil, transport.ErrNilHandler
	}
	var sc subscribeConfig
	if err := opts.Apply(&sc, options); err != nil {
		return nil, err
	}
	if err := sc.policy.Validate(); err != nil {
		return nil, err
	}

	m.prune()

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	e, exists := m.entries.Get(event)
	if !exists {
		e = &entry{
			event:    event,
			channel:  m.cfg.channel(event),
			handlers: orderedmap.New[uint64, registration](),
			ready:    make(chan struct{}),
		}
		m.entries.Set(event, e)
	}
	e.handlers.Set(id, registration{handler: handler, policy: sc.policy})
	m.mu.Unlock()

	if !exists {
		e.err = m.open(ctx, e)
		close(e.ready)
		if e.err != nil {
			m.discard(e)
			return nil, e.err
		}
	} else {
		select {
		case <-e.ready:
		case <-ctx.Done():
			m.remove(e, id)
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.remove(e, id) })
	}, nil
}

func (m *Manager) ensureConnected(ctx context.Context) error {
	switch m.transport.State() {
	case transport.StateConnected, transport.StateReconnecting:
		return nil
	}
	_, err, _ := m.connect.Do("connect", func() (any, error) {
		return nil, m.transport.Connect(ctx)
	})
	return err
}

func (m *Manager) open(ctx context.Context, e *entry) error {
	if err := m.ensureConnected(ctx); err != nil {
		return err
	}

	m.life.Lock()
	defer m.life.Unlock()
	// a teardown may have run between connecting and taking the lock
	if err := m.ensureConnected(ctx); err != nil {
		return err
	}
	unsub, err := m.transport.Subscribe(ctx, e.channel, func(ctx context.Context, msg transport.Message) {
		m.dispatch(ctx, e, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", e.channel, err)
	}
	e.unsubscribe = unsub
	m.logger.Debug("opened subscription", slogx.Event(e.event), slogx.Channel(e.channel))
	return nil
}

// discard drops an entry whose transport subscription never opened.
func (m *Manager) discard(e *entry) {
	m.mu.Lock()
	if cur, ok := m.entries.Get(e.event); ok && cur == e {
		m.entries.Delete(e.event)
	}
	m.mu.Unlock()
}

func (m *Manager) remove(e *entry, id uint64) {
	m.mu.Lock()
	if _, ok := e.handlers.Delete(id); !ok || e.handlers.Len() > 0 {
		m.mu.Unlock()
		return
	}
	if cur, ok := m.entries.Get(e.event); ok && cur == e {
		m.entries.Delete(e.event)
	}
	m.mu.Unlock()

	<-e.ready
	if e.unsubscribe != nil {
		e.unsubscribe()
		m.logger.Debug("closed subscription", slogx.Event(e.event), slogx.Channel(e.channel))
	}
	m.teardown()
}

// teardown disconnects the transport when nothing is subscribed any more.
func (m *Manager) teardown() {
	m.life.Lock()
	defer m.life.Unlock()

	m.mu.Lock()
	empty := m.entries.Len() == 0
	m.mu.Unlock()
	if !empty || m.transport.State() == transport.StateDisconnected {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.teardown)
	defer cancel()
	if err := m.transport.Disconnect(ctx); err != nil {
		m.logger.Warn("disconnect after last unsubscribe failed", slogx.Error(err))
	}
}

func (m *Manager) dispatch(ctx context.Context, e *entry, msg transport.Message) {
	m.mu.Lock()
	regs := make([]registration, 0, e.handlers.Len())
	for pair := e.handlers.Oldest(); pair != nil; pair = pair.Next() {
		regs = append(regs, pair.Value)
	}
	m.mu.Unlock()
	if len(regs) == 0 {
		return
	}

	d := Delivery{Event: e.event, Message: msg, Value: msg.Payload}
	if m.cfg.validate != nil {
		v, err := m.cfg.validate(e.event, msg)
		if err != nil {
			m.logger.Warn("dropping invalid message",
				slogx.Event(e.event),
				slogx.MessageID(msg.MessageID),
				slogx.Error(err),
			)
			m.cfg.metrics.RecordDrop(ctx, e.channel, "validation")
			return
		}
		d.Value = v
	}

	attrs := msg.Attributes()
	for _, reg := range regs {
		if len(reg.policy) > 0 && !reg.policy.Match(attrs) {
			continue
		}
		m.invoke(ctx, e, reg.handler, d)
	}
}

func (m *Manager) invoke(ctx context.Context, e *entry, h Handler, d Delivery) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("handler panicked",
				slogx.Event(e.event),
				slogx.MessageID(d.Message.MessageID),
				slog.Any("panic", r),
			)
			m.cfg.metrics.RecordHandlerError(ctx, e.channel)
		}
	}()
	if err := h(ctx, d); err != nil {
		m.logger.Error("handler failed",
			slogx.Event(e.event),
			slogx.MessageID(d.Message.MessageID),
			slogx.Error(err),
		)
		m.cfg.metrics.RecordHandlerError(ctx, e.channel)
	}
}

// HasActiveSubscription reports whether event has at least one handler.
func (m *Manager) HasActiveSubscription(event string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries.Get(event)
	return ok && e.handlers.Len() > 0
}

// ActiveEvents lists events with at least one handler, sorted.
func (m *Manager) ActiveEvents() []string {
	m.mu.Lock()
	names := make([]string, 0, m.entries.Len())
	for pair := m.entries.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.handlers.Len() > 0 {
			names = append(names, pair.Key)
		}
	}
	m.mu.Unlock()
	sort.Strings(names)
	return names
}

// HandlerCount reports how many handlers event has.
func (m *Manager) HandlerCount(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries.Get(event); ok {
		return e.handlers.Len()
	}
	return 0
}

// Close removes every handler and disconnects the transport.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	all := make([]*entry, 0, m.entries.Len())
	for pair := m.entries.Oldest(); pair != nil; pair = pair.Next() {
		all = append(all, pair.Value)
		pair.Value.handlers = orderedmap.New[uint64, registration]()
	}
	m.entries = orderedmap.New[string, *entry]()
	m.mu.Unlock()

	for _, e := range all {
		<-e.ready
		if e.unsubscribe != nil {
			e.unsubscribe()
		}
	}

	m.life.Lock()
	defer m.life.Unlock()
	return m.transport.Disconnect(ctx)
}
