// Package inproc connects transports living in the same process through a
// named Hub, the way separate windows or workers exchange messages: a peer's
// publishes are delivered asynchronously to the other peers on the hub, each
// through its own ordered inbox.
package inproc

import (
	"context"
	"log/slog"
	"sync"

	"github.com/casualjim/conduit/internal/metrics"
	"github.com/casualjim/conduit/pkg/slogx"
	"github.com/casualjim/conduit/transport"
	"github.com/fogfish/opts"
	"github.com/gammazero/deque"
)

const Kind = "inproc"

var capabilities = transport.Capabilities{
	CanSubscribe:      true,
	CanPublish:        true,
	Bidirectional:     true,
	SupportsTargeting: true,
	SupportsChannels:  true,
}

type config struct {
	echo    bool
	id      string
	logger  *slog.Logger
	metrics metrics.Recorder
}

var (
	// WithEcho delivers a peer's own publishes back to it.
	WithEcho = opts.ForName[config, bool]("echo")
	// WithPeerID fixes the peer id other peers target.
	WithPeerID = opts.ForName[config, string]("id")
	WithLogger = opts.ForName[config, *slog.Logger]("logger")
)

func WithMetrics(rec metrics.Recorder) opts.Option[config] {
	return opts.Type[config](func(c *config) error {
		c.metrics = rec
		return nil
	})
}

// Transport is one peer attached to a Hub while connected.
type Transport struct {
	*transport.Base
	hub *Hub
	cfg config

	mu    sync.Mutex
	inbox *inbox
}

// New creates a peer for the hub named hubName.
func New(hubName string, options ...opts.Option[config]) (*Transport, error) {
	var cfg config
	if err := opts.Apply(&cfg, options); err != nil {
		return nil, err
	}
	t := &Transport{hub: Open(hubName), cfg: cfg}

	baseOpts := []opts.Option[transport.Base]{
		transport.WithID(cfg.id),
		transport.WithLogger(cfg.logger),
	}
	if cfg.metrics != nil {
		baseOpts = append(baseOpts, transport.WithMetrics(cfg.metrics))
	}
	t.Base = transport.NewBase(Kind, capabilities, transport.Hooks{
		Connect:    t.connect,
		Disconnect: t.disconnect,
		Publish:    t.publish,
	}, baseOpts...)
	return t, nil
}

// Hub returns the hub this peer attaches to.
func (t *Transport) Hub() *Hub { return t.hub }

func (t *Transport) connect(context.Context) error {
	t.mu.Lock()
	t.inbox = newInbox(t)
	t.mu.Unlock()
	t.hub.attach(t)
	return nil
}

func (t *Transport) disconnect(context.Context) error {
	t.hub.detach(t)
	t.mu.Lock()
	in := t.inbox
	t.inbox = nil
	t.mu.Unlock()
	if in != nil {
		in.close()
	}
	return nil
}

func (t *Transport) publish(ctx context.Context, msg transport.Message) error {
	if err := t.RequireConnected("publish"); err != nil {
		return err
	}
	md := transport.Metadata{SenderID: t.ID()}
	if msg.Metadata != nil {
		md.ConnectionID = msg.Metadata.ConnectionID
		md.Attributes = msg.Metadata.Attributes
	}
	msg.Metadata = &md

	if n := t.hub.route(t, msg); n == 0 {
		t.Logger().Debug("no peer received message", slogx.Channel(msg.Channel), slogx.MessageID(msg.MessageID))
	}
	return nil
}

func (t *Transport) enqueue(msg transport.Message) bool {
	t.mu.Lock()
	in := t.inbox
	t.mu.Unlock()
	if in == nil {
		return false
	}
	return in.push(msg)
}

type inbox struct {
	owner *Transport

	mu      sync.Mutex
	pending deque.Deque[transport.Message]
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func newInbox(owner *Transport) *inbox {
	in := &inbox{
		owner: owner,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go in.run()
	return in
}

func (in *inbox) push(msg transport.Message) bool {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return false
	}
	in.pending.PushBack(msg)
	in.mu.Unlock()

	select {
	case in.wake <- struct{}{}:
	default:
	}
	return true
}

func (in *inbox) pop() (transport.Message, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.pending.Len() == 0 {
		return transport.Message{}, false
	}
	return in.pending.PopFront(), true
}

// run never blocks close: a handler may disconnect its own transport.
func (in *inbox) run() {
	ctx := context.Background()
	for {
		select {
		case <-in.done:
			return
		case <-in.wake:
		}
		for {
			msg, ok := in.pop()
			if !ok {
				break
			}
			in.owner.Dispatch(ctx, msg)
		}
	}
}

func (in *inbox) close() {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	in.closed = true
	dropped := in.pending.Len()
	in.pending.Clear()
	in.mu.Unlock()

	close(in.done)
	if dropped > 0 {
		in.owner.Logger().Debug("discarded undelivered messages", slog.Int("count", dropped))
	}
}

var _ transport.Transport = (*Transport)(nil)
