package transport

import (
	"log/slog"
	"sync"

	"github.com/gammazero/deque"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// EventKind names a lifecycle notification.
type EventKind string

const (
	EventConnect      EventKind = "connect"
	EventDisconnect   EventKind = "disconnect"
	EventError        EventKind = "error"
	EventReconnecting EventKind = "reconnecting"
	// EventState fires for every state transition, before the kind specific event.
	EventState EventKind = "state"
)

// Event is a lifecycle notification.
type Event struct {
	Kind EventKind
	// State is the state after the transition that produced this event.
	State State
	// Previous is the state before the transition.
	Previous State
	// ConnectionID is set when the event concerns one peer connection
	// (socket server) rather than the transport itself.
	ConnectionID string
	// Attempt is the zero based reconnection attempt for reconnecting events.
	Attempt int
	Err     error
}

// Listener observes lifecycle events.
type Listener func(Event)

// emitter delivers lifecycle events to listeners in one total order. Events
// are queued and drained by whichever goroutine first finds the queue idle,
// so a listener may call back into the transport without deadlocking: its
// own events are appended and delivered after the current one.
type emitter struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[EventKind]*orderedmap.OrderedMap[uint64, Listener]
	pending   deque.Deque[Event]
	draining  bool
	logger    *slog.Logger
}

func newEmitter(logger *slog.Logger) *emitter {
	return &emitter{
		listeners: make(map[EventKind]*orderedmap.OrderedMap[uint64, Listener]),
		logger:    logger,
	}
}

func (e *emitter) on(kind EventKind, l Listener) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	set, ok := e.listeners[kind]
	if !ok {
		set = orderedmap.New[uint64, Listener]()
		e.listeners[kind] = set
	}
	set.Set(id, l)
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			if set, ok := e.listeners[kind]; ok {
				set.Delete(id)
			}
			e.mu.Unlock()
		})
	}
}

// enqueueLocked must be called with e.mu held; it returns true when the caller
// should drain.
func (e *emitter) enqueueLocked(evts ...Event) bool {
	for _, evt := range evts {
		e.pending.PushBack(evt)
	}
	if e.draining {
		return false
	}
	e.draining = true
	return true
}

func (e *emitter) emit(evts ...Event) {
	e.mu.Lock()
	drain := e.enqueueLocked(evts...)
	e.mu.Unlock()
	if drain {
		e.drain()
	}
}

func (e *emitter) drain() {
	for {
		e.mu.Lock()
		if e.pending.Len() == 0 {
			e.draining = false
			e.mu.Unlock()
			return
		}
		evt := e.pending.PopFront()
		var targets []Listener
		if set, ok := e.listeners[evt.Kind]; ok {
			targets = make([]Listener, 0, set.Len())
			for pair := set.Oldest(); pair != nil; pair = pair.Next() {
				targets = append(targets, pair.Value)
			}
		}
		e.mu.Unlock()

		for _, l := range targets {
			e.deliver(l, evt)
		}
	}
}

func (e *emitter) deliver(l Listener, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lifecycle listener panicked", slog.String("kind", string(evt.Kind)), slog.Any("panic", r))
		}
	}()
	l(evt)
}

// kindFor maps a transition target to its lifecycle notification.
func kindFor(to State) EventKind {
	switch to {
	case StateConnected:
		return EventConnect
	case StateDisconnected:
		return EventDisconnect
	case StateReconnecting:
		return EventReconnecting
	case StateError:
		return EventError
	default:
		return ""
	}
}
