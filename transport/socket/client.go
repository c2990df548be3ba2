package socket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/casualjim/conduit/internal/metrics"
	"github.com/casualjim/conduit/pkg/slogx"
	"github.com/casualjim/conduit/transport"
	"github.com/filecoin-project/go-clock"
	"github.com/fogfish/opts"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	ClientKind = "socket-client"

	defaultWriteTimeout     = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

// ErrReconnectExhausted is attached to the disconnect event emitted when the
// reconnect budget runs out.
var ErrReconnectExhausted = errors.New("reconnection attempts exhausted")

var clientCapabilities = transport.Capabilities{
	CanSubscribe:     true,
	CanPublish:       true,
	Bidirectional:    true,
	SupportsChannels: true,
}

type clientConfig struct {
	reconnect    transport.ReconnectPolicy
	clock        clock.Clock
	dialer       *websocket.Dialer
	header       http.Header
	writeTimeout time.Duration
	queueLimit   int
	overflow     OverflowPolicy
	logger       *slog.Logger
	metrics      metrics.Recorder
}

type ClientOption = opts.Option[clientConfig]

var (
	WithReconnect    = opts.ForName[clientConfig, transport.ReconnectPolicy]("reconnect")
	WithDialer       = opts.ForName[clientConfig, *websocket.Dialer]("dialer")
	WithHeader       = opts.ForName[clientConfig, http.Header]("header")
	WithWriteTimeout = opts.ForName[clientConfig, time.Duration]("writeTimeout")
	WithClientLogger = opts.ForName[clientConfig, *slog.Logger]("logger")
)

// WithClock replaces the clock that schedules reconnection attempts.
func WithClock(c clock.Clock) ClientOption {
	return opts.Type[clientConfig](func(cfg *clientConfig) error {
		cfg.clock = c
		return nil
	})
}

// WithQueueLimit bounds the offline publish queue.
func WithQueueLimit(limit int, policy OverflowPolicy) ClientOption {
	return opts.Type[clientConfig](func(cfg *clientConfig) error {
		cfg.queueLimit = limit
		cfg.overflow = policy
		return nil
	})
}

func WithClientMetrics(rec metrics.Recorder) ClientOption {
	return opts.Type[clientConfig](func(cfg *clientConfig) error {
		cfg.metrics = rec
		return nil
	})
}

// Client is the websocket client transport. It reconnects with exponential
// backoff after unexpected closes, resubscribes every channel that still has
// handlers and flushes publishes queued while offline.
type Client struct {
	*transport.Base
	url string
	cfg clientConfig

	// sendMu serializes every write on the connection and the online flip, so
	// the offline queue is always flushed before any direct write.
	sendMu sync.Mutex
	wired  map[string]struct{}

	mu      sync.Mutex
	conn    *websocket.Conn
	reading *websocket.Conn
	online  bool
	attempt int
	timer   *clock.Timer

	queue *outbox
}

// NewClient creates a client for the websocket endpoint url.
func NewClient(url string, options ...ClientOption) (*Client, error) {
	cfg := clientConfig{
		reconnect:    transport.DefaultReconnect,
		clock:        clock.New(),
		dialer:       websocket.DefaultDialer,
		writeTimeout: defaultWriteTimeout,
	}
	if err := opts.Apply(&cfg, options); err != nil {
		return nil, err
	}

	c := &Client{
		url:   url,
		cfg:   cfg,
		wired: make(map[string]struct{}),
		queue: &outbox{limit: cfg.queueLimit, policy: cfg.overflow},
	}
	baseOpts := []opts.Option[transport.Base]{transport.WithLogger(cfg.logger)}
	if cfg.metrics != nil {
		baseOpts = append(baseOpts, transport.WithMetrics(cfg.metrics))
	}
	c.Base = transport.NewBase(ClientKind, clientCapabilities, transport.Hooks{
		Connect:     c.connect,
		Disconnect:  c.disconnect,
		Subscribe:   c.subscribe,
		Unsubscribe: c.unsubscribe,
		Publish:     c.publish,
	}, baseOpts...)
	c.On(transport.EventConnect, func(transport.Event) { c.startReader() })
	return c, nil
}

// URL returns the endpoint this client dials.
func (c *Client) URL() string { return c.url }

// Queued reports how many publishes wait for the next connection.
func (c *Client) Queued() int { return c.queue.len() }

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.cfg.dialer.DialContext(ctx, c.url, c.cfg.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, &transport.ConnectionError{Transport: ClientKind, Endpoint: c.url, Err: err}
	}
	return conn, nil
}

func (c *Client) connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.attempt = 0
	c.mu.Unlock()
	c.goOnline(conn)
	return nil
}

func (c *Client) disconnect(context.Context) error {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.conn, c.online, c.attempt = nil, false, 0
	c.mu.Unlock()

	if n := c.queue.clear(); n > 0 {
		c.Logger().Warn("discarding queued publishes", slog.Int("count", n))
	}
	if conn == nil {
		return nil
	}
	c.sendMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.sendMu.Unlock()
	return conn.Close()
}

// goOnline resubscribes every channel with handlers and flushes the offline
// queue before letting publishes write directly.
func (c *Client) goOnline(conn *websocket.Conn) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.wired = make(map[string]struct{})
	for _, ch := range c.Channels() {
		if err := c.write(conn, controlFrame(FrameSubscribe, ch)); err != nil {
			c.Logger().Warn("resubscribe failed", slogx.Channel(ch), slogx.Error(err))
			return
		}
		c.wired[ch] = struct{}{}
	}

	pending := c.queue.take()
	for i, f := range pending {
		if err := c.write(conn, f); err != nil {
			c.queue.restore(pending[i:])
			c.Logger().Warn("flushing queued publishes failed", slog.Int("remaining", len(pending)-i), slogx.Error(err))
			return
		}
	}
	if len(pending) > 0 {
		c.Logger().Debug("flushed queued publishes", slog.Int("count", len(pending)))
	}

	c.mu.Lock()
	if c.conn == conn {
		c.online = true
	}
	c.mu.Unlock()
}

func (c *Client) write(conn *websocket.Conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// current returns the live connection when writes may go straight to it.
func (c *Client) current() (*websocket.Conn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn, c.online && c.conn != nil
}

func (c *Client) subscribe(_ context.Context, channel string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	conn, ok := c.current()
	if !ok {
		return nil
	}
	if _, done := c.wired[channel]; done {
		return nil
	}
	if err := c.write(conn, controlFrame(FrameSubscribe, channel)); err != nil {
		// the reader notices the broken connection; resubscribe covers it
		c.Logger().Warn("subscribe frame failed", slogx.Channel(channel), slogx.Error(err))
		return nil
	}
	c.wired[channel] = struct{}{}
	return nil
}

func (c *Client) unsubscribe(_ context.Context, channel string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	conn, ok := c.current()
	if _, done := c.wired[channel]; !ok || !done {
		return nil
	}
	delete(c.wired, channel)
	return c.write(conn, controlFrame(FrameUnsubscribe, channel))
}

func (c *Client) publish(ctx context.Context, msg transport.Message) error {
	f := messageFrame(FramePublish, msg)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if conn, ok := c.current(); ok {
		err := c.write(conn, f)
		if err == nil {
			return nil
		}
		c.Logger().Warn("publish write failed, queueing", slogx.Channel(msg.Channel), slogx.Error(err))
	}
	return c.enqueue(ctx, f)
}

func (c *Client) enqueue(ctx context.Context, f Frame) error {
	evicted, err := c.queue.push(f)
	if err != nil {
		c.Metrics().RecordDrop(ctx, f.Channel, "queue_full")
		return err
	}
	if evicted != nil {
		c.Logger().Warn("outbound queue full, dropped oldest publish",
			slogx.Channel(evicted.Channel),
			slogx.MessageID(evicted.MessageID),
		)
		c.Metrics().RecordDrop(ctx, evicted.Channel, "queue_overflow")
	}
	c.Metrics().RecordQueued(ctx, f.Channel)
	return nil
}

func (c *Client) startReader() {
	c.mu.Lock()
	conn := c.conn
	if conn == nil || conn == c.reading {
		c.mu.Unlock()
		return
	}
	c.reading = conn
	c.mu.Unlock()
	go c.readLoop(conn)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	ctx := context.Background()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.lost(conn, err)
			return
		}
		f, err := decodeFrame(data)
		if err != nil {
			c.Logger().Warn("undecodable frame", slogx.Error(err))
			c.Metrics().RecordDrop(ctx, "", "decode")
			continue
		}
		if f.Type != FrameMessage {
			c.Logger().Debug("ignoring frame", slog.String("type", string(f.Type)), slogx.Channel(f.Channel))
			continue
		}
		c.Dispatch(ctx, f.message())
	}
}

// lost handles an unexpected close of conn.
func (c *Client) lost(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn, c.online = nil, false
	c.mu.Unlock()
	_ = conn.Close()

	if c.ManuallyDisconnected() || !c.cfg.reconnect.Enabled {
		c.settle(transport.Event{Err: cause})
		return
	}
	c.Logger().Warn("connection lost", slogx.Error(cause))
	if err := c.TransitionWith(transport.StateReconnecting, transport.Event{Err: cause}); err != nil {
		c.Logger().Debug("not reconnecting", slogx.Error(err))
		return
	}
	c.schedule()
}

// schedule arms the timer for the next attempt, or settles into disconnected
// once the budget is spent.
func (c *Client) schedule() {
	c.mu.Lock()
	attempt := c.attempt
	if c.cfg.reconnect.Exhausted(attempt) {
		c.attempt = 0
		c.mu.Unlock()
		c.Logger().Error("giving up reconnecting", slog.Int("attempts", attempt))
		c.settle(transport.Event{Err: ErrReconnectExhausted, Attempt: attempt})
		return
	}
	delay := c.cfg.reconnect.Delay(attempt)
	c.attempt++
	c.timer = c.cfg.clock.AfterFunc(delay, c.retry)
	c.mu.Unlock()

	c.Metrics().RecordReconnect(context.Background(), ClientKind, attempt)
	c.Logger().Info("reconnect scheduled", slog.Int("attempt", attempt), slog.Duration("delay", delay))
	if attempt > 0 {
		c.Emit(transport.Event{Kind: transport.EventReconnecting, Attempt: attempt})
	}
}

func (c *Client) retry() {
	if c.ManuallyDisconnected() || c.State() != transport.StateReconnecting {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultHandshakeTimeout)
	conn, err := c.dial(ctx)
	cancel()
	if err != nil {
		c.Logger().Warn("reconnect attempt failed", slogx.Error(err))
		c.schedule()
		return
	}

	c.mu.Lock()
	if c.ManuallyDisconnected() || c.State() != transport.StateReconnecting {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn, c.attempt, c.timer = conn, 0, nil
	c.mu.Unlock()

	c.goOnline(conn)
	if err := c.Transition(transport.StateConnected); err != nil {
		c.Logger().Debug("reconnect superseded", slogx.Error(err))
		c.mu.Lock()
		if c.conn == conn {
			c.conn, c.online = nil, false
		}
		c.mu.Unlock()
		_ = conn.Close()
	}
}

func (c *Client) settle(evt transport.Event) {
	if err := c.TransitionWith(transport.StateDisconnected, evt); err != nil {
		c.Logger().Warn("settle failed", slogx.Error(err))
	}
}

var _ transport.Transport = (*Client)(nil)
