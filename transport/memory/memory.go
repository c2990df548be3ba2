// Package memory is a loopback transport: everything published is delivered to
// the handlers registered on the same instance. It is the reference backend for
// tests and for wiring a bus inside one process without any I/O.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/casualjim/conduit/internal/metrics"
	"github.com/casualjim/conduit/pkg/slogx"
	"github.com/casualjim/conduit/transport"
	"github.com/filecoin-project/go-clock"
	"github.com/fogfish/opts"
)

const (
	Kind = "memory"

	defaultSlowConsumerTimeout = 100 * time.Millisecond
)

var capabilities = transport.Capabilities{
	CanSubscribe:     true,
	CanPublish:       true,
	Bidirectional:    true,
	SupportsChannels: true,
}

type config struct {
	buffer      int
	slowTimeout time.Duration
	clock       clock.Clock
	logger      *slog.Logger
	metrics     metrics.Recorder
}

// WithBuffer switches delivery to a single pump goroutine fed by a queue of
// size n. Publish returns once the message is queued.
func WithBuffer(n int) opts.Option[config] {
	return opts.Type[config](func(c *config) error {
		c.buffer = n
		return nil
	})
}

// WithSlowConsumerTimeout bounds how long a buffered Publish waits for queue
// space before dropping the message.
var WithSlowConsumerTimeout = opts.ForName[config, time.Duration]("slowTimeout")

var WithLogger = opts.ForName[config, *slog.Logger]("logger")

// WithClock replaces the wall clock used for the slow consumer timeout.
func WithClock(c clock.Clock) opts.Option[config] {
	return opts.Type[config](func(cfg *config) error {
		cfg.clock = c
		return nil
	})
}

func WithMetrics(rec metrics.Recorder) opts.Option[config] {
	return opts.Type[config](func(cfg *config) error {
		cfg.metrics = rec
		return nil
	})
}

// Transport delivers in process. Publish requires the transport to be connected.
type Transport struct {
	*transport.Base
	cfg config

	mu    sync.Mutex
	queue chan transport.Message
	done  chan struct{}
}

// New creates a memory transport.
func New(options ...opts.Option[config]) (*Transport, error) {
	cfg := config{
		slowTimeout: defaultSlowConsumerTimeout,
		clock:       clock.New(),
	}
	if err := opts.Apply(&cfg, options); err != nil {
		return nil, err
	}

	t := &Transport{cfg: cfg}
	baseOpts := []opts.Option[transport.Base]{transport.WithLogger(cfg.logger)}
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

func (t *Transport) connect(context.Context) error {
	if t.cfg.buffer <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = make(chan transport.Message, t.cfg.buffer)
	t.done = make(chan struct{})
	go t.run(t.queue, t.done)
	return nil
}

func (t *Transport) disconnect(context.Context) error {
	t.mu.Lock()
	done := t.done
	t.done, t.queue = nil, nil
	t.mu.Unlock()
	if done != nil {
		close(done)
	}
	return nil
}

func (t *Transport) publish(ctx context.Context, msg transport.Message) error {
	if err := t.RequireConnected("publish"); err != nil {
		return err
	}
	if t.cfg.buffer <= 0 {
		t.Dispatch(ctx, msg)
		return nil
	}

	t.mu.Lock()
	queue, done := t.queue, t.done
	t.mu.Unlock()
	if queue == nil {
		return &transport.TransportStateError{Operation: "publish", State: t.State()}
	}

	select {
	case queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return &transport.TransportStateError{Operation: "publish", State: transport.StateDisconnected}
	case <-t.cfg.clock.After(t.cfg.slowTimeout):
		t.Logger().Warn("slow consumer, dropping message",
			slogx.Channel(msg.Channel),
			slogx.MessageID(msg.MessageID),
		)
		t.Metrics().RecordDrop(ctx, msg.Channel, "slow_consumer")
		return nil
	}
}

// run is not awaited on disconnect so handlers may disconnect the transport
// they are running on.
func (t *Transport) run(queue <-chan transport.Message, done <-chan struct{}) {
	ctx := context.Background()
	for {
		select {
		case msg := <-queue:
			t.Dispatch(ctx, msg)
		case <-done:
			return
		}
	}
}

var _ transport.Transport = (*Transport)(nil)
