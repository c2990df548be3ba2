package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/casualjim/conduit/internal/metrics"
	"github.com/casualjim/conduit/internal/registry"
	"github.com/casualjim/conduit/pkg/slogx"
	"github.com/casualjim/conduit/pkg/uuidx"
	"github.com/fogfish/opts"
	json "github.com/goccy/go-json"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/sync/singleflight"
)

// Hooks are the backend specific operations a Base delegates to. Every hook is
// optional. Hooks must be safe to call more than once (Disconnect in particular).
type Hooks struct {
	// Connect acquires the wire resources. It runs while the state is connecting.
	Connect func(ctx context.Context) error
	// Disconnect releases the wire resources.
	Disconnect func(ctx context.Context) error
	// Subscribe issues the wire level subscription for the first handler on channel.
	Subscribe func(ctx context.Context, channel string) error
	// Unsubscribe tears the wire subscription down after the last handler left.
	Unsubscribe func(ctx context.Context, channel string) error
	// Publish writes one message. Capability checks already passed.
	Publish func(ctx context.Context, msg Message) error
}

// handlers is the arena every Base keeps its channel handler sets in, keyed by
// (transport id, channel).
var handlers = registry.NewArena[*handlerSet]()

// Base is the connection state scaffolding shared by every backend. A backend
// embeds *Base and supplies Hooks; Base owns the state variable, capability
// checks, handler tables and lifecycle dispatch.
type Base struct {
	id      string
	kind    string
	caps    Capabilities
	hooks   Hooks
	logger  *slog.Logger
	metrics metrics.Recorder

	state  atomic.Int32
	events *emitter
	manual atomic.Bool

	connect     singleflight.Group
	wireMu      sync.Mutex
	nextHandler atomic.Uint64
}

// WithLogger sets the logger used by the scaffolding.
func WithLogger(logger *slog.Logger) opts.Option[Base] {
	return opts.Type[Base](func(b *Base) error {
		b.logger = logger
		return nil
	})
}

// WithMetrics sets the recorder for publish, delivery and drop counters.
func WithMetrics(rec metrics.Recorder) opts.Option[Base] {
	return opts.Type[Base](func(b *Base) error {
		b.metrics = rec
		return nil
	})
}

// WithID overrides the generated transport id.
func WithID(id string) opts.Option[Base] {
	return opts.Type[Base](func(b *Base) error {
		if id != "" {
			b.id = id
		}
		return nil
	})
}

// NewBase creates the scaffolding for a backend of the given kind.
func NewBase(kind string, caps Capabilities, hooks Hooks, options ...opts.Option[Base]) *Base {
	b := &Base{
		id:    uuidx.NewString(),
		kind:  kind,
		caps:  caps,
		hooks: hooks,
	}
	if err := opts.Apply(b, options); err != nil {
		panic(err)
	}
	if b.metrics == nil {
		b.metrics = metrics.Default()
	}
	b.logger = slogx.Component(b.logger, kind).With(slogx.TransportID(b.id))
	b.events = newEmitter(b.logger)
	return b
}

func (b *Base) ID() string                 { return b.id }
func (b *Base) Kind() string               { return b.kind }
func (b *Base) Capabilities() Capabilities { return b.caps }
func (b *Base) Logger() *slog.Logger       { return b.logger }
func (b *Base) Metrics() metrics.Recorder  { return b.metrics }

func (b *Base) State() State {
	return State(b.state.Load())
}

// ManuallyDisconnected reports whether the last lifecycle command was
// Disconnect. Backends consult it to suppress reconnection.
func (b *Base) ManuallyDisconnected() bool {
	return b.manual.Load()
}

// On registers a lifecycle listener.
func (b *Base) On(kind EventKind, listener Listener) func() {
	return b.events.on(kind, listener)
}

// Transition moves the state machine to `to` and emits the matching lifecycle
// events. Transitions to the current state are no-ops.
func (b *Base) Transition(to State) error {
	return b.TransitionWith(to, Event{})
}

// TransitionWith is Transition with extra event detail (error, attempt).
func (b *Base) TransitionWith(to State, detail Event) error {
	b.events.mu.Lock()
	from := State(b.state.Load())
	if from == to {
		b.events.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		b.events.mu.Unlock()
		return &TransportStateError{Operation: "transition", State: from, Target: &to}
	}
	b.state.Store(int32(to))

	stateEvt := detail
	stateEvt.Kind, stateEvt.State, stateEvt.Previous = EventState, to, from
	evts := []Event{stateEvt}
	if kind := kindFor(to); kind != "" {
		evt := detail
		evt.Kind, evt.State, evt.Previous = kind, to, from
		evts = append(evts, evt)
	}
	drain := b.events.enqueueLocked(evts...)
	b.events.mu.Unlock()

	b.logger.Debug("state transition", slog.String("from", from.String()), slogx.State(to))
	if drain {
		b.events.drain()
	}
	return nil
}

// Emit publishes a lifecycle event that is not a state transition, such as a
// peer connection closing or a further reconnect attempt.
func (b *Base) Emit(evt Event) {
	b.events.mu.Lock()
	evt.State = State(b.state.Load())
	evt.Previous = evt.State
	drain := b.events.enqueueLocked(evt)
	b.events.mu.Unlock()
	if drain {
		b.events.drain()
	}
}

// Connect runs the Connect hook between the connecting and connected states.
// Concurrent callers share one in-flight attempt.
func (b *Base) Connect(ctx context.Context) error {
	if b.settled() {
		return nil
	}
	_, err, _ := b.connect.Do("connect", func() (any, error) {
		if b.settled() {
			return nil, nil
		}
		b.manual.Store(false)
		if err := b.Transition(StateConnecting); err != nil {
			return nil, err
		}
		if b.hooks.Connect != nil {
			if err := b.hooks.Connect(ctx); err != nil {
				cerr := b.connectionError(err)
				if terr := b.TransitionWith(StateError, Event{Err: cerr}); terr != nil {
					b.logger.Warn("connect failed after state changed", slogx.Error(terr))
				}
				return nil, cerr
			}
		}
		if b.manual.Load() {
			b.abandon(ctx)
			return nil, &TransportStateError{Operation: "connect", State: b.State()}
		}
		if err := b.Transition(StateConnected); err != nil {
			b.abandon(ctx)
			return nil, err
		}
		return nil, nil
	})
	return err
}

// abandon releases whatever a Connect hook acquired after a Disconnect raced
// it and already moved the state to disconnected.
func (b *Base) abandon(ctx context.Context) {
	if b.hooks.Disconnect == nil {
		return
	}
	if err := b.hooks.Disconnect(context.WithoutCancel(ctx)); err != nil {
		b.logger.Warn("release after aborted connect failed", slogx.Error(err))
	}
}

// settled is true when Connect has nothing to do: already connected, or a
// reconnection cycle owns the connection.
func (b *Base) settled() bool {
	s := b.State()
	return s == StateConnected || s == StateReconnecting
}

func (b *Base) connectionError(err error) error {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return err
	}
	return &ConnectionError{Transport: b.kind, Err: err}
}

// Disconnect suppresses reconnection, runs the Disconnect hook, clears every
// handler table and forces the state to disconnected. Listeners of the
// disconnect event already observe the empty tables.
func (b *Base) Disconnect(ctx context.Context) error {
	b.manual.Store(true)
	var err error
	if b.hooks.Disconnect != nil {
		err = b.hooks.Disconnect(ctx)
	}
	b.wireMu.Lock()
	handlers.Drop(b.id)
	b.wireMu.Unlock()
	if terr := b.TransitionWith(StateDisconnected, Event{Err: err}); terr != nil {
		b.logger.Warn("disconnect transition failed", slogx.Error(terr))
	}
	return err
}

// RequireConnected returns a TransportStateError unless the transport is connected.
func (b *Base) RequireConnected(op string) error {
	if s := b.State(); s != StateConnected {
		return &TransportStateError{Operation: op, State: s}
	}
	return nil
}

// Subscribe registers handler on channel. Only the first handler on a channel
// reaches the Subscribe hook; only removing the last one reaches Unsubscribe.
func (b *Base) Subscribe(ctx context.Context, channel string, handler Handler) (Unsubscribe, error) {
	if !b.caps.CanSubscribe {
		return nil, &CapabilityError{Transport: b.kind, Operation: "subscribe"}
	}
	if handler == nil {
		return nil, ErrNilHandler
	}
	if channel == "" {
		return nil, ErrEmptyChannel
	}

	b.wireMu.Lock()
	set := handlers.GetOrAdd(b.id, channel, newHandlerSet)
	id := b.nextHandler.Add(1)
	if first := set.add(id, handler); first && b.hooks.Subscribe != nil {
		if err := b.hooks.Subscribe(ctx, channel); err != nil {
			if set.remove(id) == 0 {
				handlers.Del(b.id, channel)
			}
			b.wireMu.Unlock()
			return nil, fmt.Errorf("subscribe %s: %w", channel, err)
		}
	}
	b.wireMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.removeHandler(channel, id) })
	}, nil
}

func (b *Base) removeHandler(channel string, id uint64) {
	b.wireMu.Lock()
	defer b.wireMu.Unlock()

	set, ok := handlers.Get(b.id, channel)
	if !ok {
		return
	}
	if !set.has(id) {
		return
	}
	if set.remove(id) > 0 {
		return
	}
	handlers.Del(b.id, channel)
	if b.hooks.Unsubscribe != nil {
		if err := b.hooks.Unsubscribe(context.Background(), channel); err != nil {
			b.logger.Warn("wire unsubscribe failed", slogx.Channel(channel), slogx.Error(err))
		}
	}
}

// Publish checks capabilities, stamps a message id and hands the message to
// the Publish hook.
func (b *Base) Publish(ctx context.Context, channel string, payload json.RawMessage, options ...opts.Option[PublishOptions]) error {
	if !b.caps.CanPublish {
		return &CapabilityError{Transport: b.kind, Operation: "publish"}
	}
	if channel == "" {
		return ErrEmptyChannel
	}
	var po PublishOptions
	if err := opts.Apply(&po, options); err != nil {
		return err
	}
	if len(po.TargetIDs) > 0 && !b.caps.SupportsTargeting {
		return &CapabilityError{Transport: b.kind, Operation: "targeted publish"}
	}
	msg := Message{
		Channel:   channel,
		Payload:   payload,
		MessageID: po.MessageID,
		TargetIDs: po.TargetIDs,
		Metadata:  po.Metadata,
	}
	if msg.MessageID == "" {
		msg.MessageID = uuidx.NewString()
	}
	if b.hooks.Publish != nil {
		if err := b.hooks.Publish(ctx, msg); err != nil {
			return err
		}
	}
	b.metrics.RecordPublish(ctx, channel)
	return nil
}

// Dispatch invokes every handler registered on msg.Channel, in registration
// order, and returns how many ran. A panicking handler is logged and does not
// stop delivery to the rest.
func (b *Base) Dispatch(ctx context.Context, msg Message) int {
	set, ok := handlers.Get(b.id, msg.Channel)
	if !ok {
		return 0
	}
	hs := set.snapshot()
	for _, h := range hs {
		b.invoke(ctx, h, msg)
		b.metrics.RecordDelivery(ctx, msg.Channel)
	}
	return len(hs)
}

func (b *Base) invoke(ctx context.Context, h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked",
				slogx.Channel(msg.Channel),
				slogx.MessageID(msg.MessageID),
				slog.Any("panic", r),
			)
			b.metrics.RecordHandlerError(ctx, msg.Channel)
		}
	}()
	h(ctx, msg)
}

// Channels lists, sorted, every channel that has at least one handler.
func (b *Base) Channels() []string {
	names := handlers.Names(b.id)
	sort.Strings(names)
	return names
}

// HasSubscription reports whether channel has at least one handler.
func (b *Base) HasSubscription(channel string) bool {
	return b.HandlerCount(channel) > 0
}

// HandlerCount reports the number of handlers on channel.
func (b *Base) HandlerCount(channel string) int {
	set, ok := handlers.Get(b.id, channel)
	if !ok {
		return 0
	}
	return set.len()
}

type handlerSet struct {
	mu       sync.Mutex
	handlers *orderedmap.OrderedMap[uint64, Handler]
}

func newHandlerSet() *handlerSet {
	return &handlerSet{handlers: orderedmap.New[uint64, Handler]()}
}

// add inserts h and reports whether it is the only handler.
func (s *handlerSet) add(id uint64, h Handler) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers.Set(id, h)
	return s.handlers.Len() == 1
}

func (s *handlerSet) has(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handlers.Get(id)
	return ok
}

// remove deletes id and returns the remaining count.
func (s *handlerSet) remove(id uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers.Delete(id)
	return s.handlers.Len()
}

func (s *handlerSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers.Len()
}

func (s *handlerSet) snapshot() []Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Handler, 0, s.handlers.Len())
	for pair := s.handlers.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}
