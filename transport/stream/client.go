package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casualjim/conduit/internal/metrics"
	"github.com/casualjim/conduit/pkg/slogx"
	"github.com/casualjim/conduit/transport"
	"github.com/cenkalti/backoff/v4"
	"github.com/filecoin-project/go-clock"
	"github.com/fogfish/opts"
	json "github.com/goccy/go-json"
)

const (
	ClientKind = "stream-client"

	// DefaultRetry is the reconnection interval used until the server sends a
	// retry field.
	DefaultRetry = 3 * time.Second

	contentType = "text/event-stream"
)

// ErrStreamClosed is returned when the server ends the stream with 204 No
// Content, which tells the client not to reconnect.
var ErrStreamClosed = errors.New("server closed the event stream")

var clientCapabilities = transport.Capabilities{
	CanSubscribe:     true,
	SupportsChannels: true,
}

type clientConfig struct {
	httpClient  *http.Client
	header      http.Header
	credentials bool
	retry       time.Duration
	clock       clock.Clock
	logger      *slog.Logger
	metrics     metrics.Recorder
}

type ClientOption = opts.Option[clientConfig]

var (
	WithHTTPClient = opts.ForName[clientConfig, *http.Client]("httpClient")
	WithHeader     = opts.ForName[clientConfig, http.Header]("header")
	// WithCredentials keeps a cookie jar across reconnects so session cookies
	// issued by the server are sent back on every stream request.
	WithCredentials = opts.ForName[clientConfig, bool]("credentials")
	// WithRetry sets the initial reconnection interval.
	WithRetry        = opts.ForName[clientConfig, time.Duration]("retry")
	WithClientLogger = opts.ForName[clientConfig, *slog.Logger]("logger")
)

func WithClock(c clock.Clock) ClientOption {
	return opts.Type[clientConfig](func(cfg *clientConfig) error {
		cfg.clock = c
		return nil
	})
}

func WithClientMetrics(rec metrics.Recorder) ClientOption {
	return opts.Type[clientConfig](func(cfg *clientConfig) error {
		cfg.metrics = rec
		return nil
	})
}

// Client consumes a server-sent event stream. Each event name is a channel.
// It cannot publish.
type Client struct {
	*transport.Base
	url string
	cfg clientConfig

	retry       atomic.Int64
	lastEventID atomic.Value

	mu     sync.Mutex
	cancel context.CancelFunc
	gen    uint64
}

// NewClient creates a stream client for url.
func NewClient(url string, options ...ClientOption) (*Client, error) {
	cfg := clientConfig{
		retry: DefaultRetry,
		clock: clock.New(),
	}
	if err := opts.Apply(&cfg, options); err != nil {
		return nil, err
	}
	if cfg.httpClient == nil {
		cfg.httpClient = &http.Client{}
	}
	if cfg.credentials && cfg.httpClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		hc := *cfg.httpClient
		hc.Jar = jar
		cfg.httpClient = &hc
	}

	c := &Client{url: url, cfg: cfg}
	c.retry.Store(int64(cfg.retry))
	c.lastEventID.Store("")

	baseOpts := []opts.Option[transport.Base]{transport.WithLogger(cfg.logger)}
	if cfg.metrics != nil {
		baseOpts = append(baseOpts, transport.WithMetrics(cfg.metrics))
	}
	c.Base = transport.NewBase(ClientKind, clientCapabilities, transport.Hooks{
		Connect:    c.connect,
		Disconnect: c.disconnect,
	}, baseOpts...)
	return c, nil
}

// Retry reports the current reconnection interval.
func (c *Client) Retry() time.Duration { return time.Duration(c.retry.Load()) }

// LastEventID reports the id of the last event received.
func (c *Client) LastEventID() string { return c.lastEventID.Load().(string) }

func (c *Client) connect(ctx context.Context) error {
	gen, resp, err := c.open(ctx)
	if err != nil {
		return err
	}
	go c.consume(gen, resp)
	return nil
}

func (c *Client) disconnect(context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.gen++
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// open issues the stream request. The request outlives ctx; ctx only bounds
// the wait for response headers.
func (c *Client) open(ctx context.Context) (uint64, *http.Response, error) {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.url, nil)
	if err != nil {
		cancel()
		return 0, nil, err
	}
	for k, vs := range c.cfg.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", contentType)
	req.Header.Set("Cache-Control", "no-cache")
	if id := c.LastEventID(); id != "" {
		req.Header.Set("Last-Event-ID", id)
	}

	resp, err := c.cfg.httpClient.Do(req)
	if err != nil {
		cancel()
		return 0, nil, &transport.ConnectionError{Transport: ClientKind, Endpoint: c.url, Err: err}
	}
	if err := checkResponse(resp); err != nil {
		_ = resp.Body.Close()
		cancel()
		return 0, nil, &transport.ConnectionError{Transport: ClientKind, Endpoint: c.url, Err: err}
	}

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.gen++
	gen := c.gen
	c.cancel = cancel
	c.mu.Unlock()
	return gen, resp, nil
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusNoContent {
		return ErrStreamClosed
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mt != contentType {
		return fmt.Errorf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	return nil
}

func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Client) consume(gen uint64, resp *http.Response) {
	ctx := context.Background()
	err := readEvents(resp.Body,
		func(d time.Duration) { c.retry.Store(int64(d)) },
		func(evt event) { c.dispatch(ctx, evt) },
	)
	_ = resp.Body.Close()

	if !c.current(gen) || c.ManuallyDisconnected() {
		return
	}
	if err == nil {
		err = errors.New("stream ended")
	}
	c.Logger().Warn("event stream interrupted", slogx.Error(err))
	c.reconnect(err)
}

func (c *Client) dispatch(ctx context.Context, evt event) {
	if evt.HasID {
		c.lastEventID.Store(evt.ID)
	}
	var b body
	if err := json.Unmarshal([]byte(evt.Data), &b); err != nil {
		c.Logger().Warn("undecodable event", slogx.Channel(evt.Name), slogx.Error(err))
		c.Metrics().RecordDrop(ctx, evt.Name, "decode")
		return
	}
	c.Dispatch(ctx, transport.Message{
		Channel:   evt.Name,
		Payload:   b.Payload,
		MessageID: evt.ID,
		Metadata:  b.Metadata,
	})
}

// reconnect reopens the stream the way an EventSource does: wait the
// server-advertised retry interval between attempts, with no growth, until it
// succeeds, the server answers 204, or Disconnect is called.
func (c *Client) reconnect(cause error) {
	if err := c.TransitionWith(transport.StateReconnecting, transport.Event{Err: cause}); err != nil {
		c.Logger().Debug("not reconnecting", slogx.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := c.On(transport.EventDisconnect, func(transport.Event) { cancel() })
	defer stop()

	timer := &clockTimer{clock: c.cfg.clock}
	select {
	case <-c.cfg.clock.After(c.Retry()):
	case <-ctx.Done():
		return
	}

	attempt := 0
	var (
		gen  uint64
		resp *http.Response
	)
	op := func() error {
		if c.ManuallyDisconnected() {
			return backoff.Permanent(context.Canceled)
		}
		c.Metrics().RecordReconnect(ctx, ClientKind, attempt)
		g, r, err := c.open(ctx)
		if err != nil {
			if errors.Is(err, ErrStreamClosed) {
				return backoff.Permanent(err)
			}
			return err
		}
		gen, resp = g, r
		return nil
	}
	notify := func(err error, next time.Duration) {
		attempt++
		c.Logger().Warn("stream reconnect failed", slogx.Error(err), slog.Duration("next", next))
		c.Emit(transport.Event{Kind: transport.EventReconnecting, Attempt: attempt, Err: err})
	}

	policy := backoff.WithContext(&backoff.ConstantBackOff{Interval: c.Retry()}, ctx)
	if err := backoff.RetryNotifyWithTimer(op, policy, notify, timer); err != nil {
		if c.ManuallyDisconnected() || errors.Is(err, context.Canceled) {
			return
		}
		c.Logger().Error("stream closed by server", slogx.Error(err))
		if terr := c.TransitionWith(transport.StateDisconnected, transport.Event{Err: err}); terr != nil {
			c.Logger().Debug("settle failed", slogx.Error(terr))
		}
		return
	}

	if err := c.Transition(transport.StateConnected); err != nil {
		_ = resp.Body.Close()
		return
	}
	go c.consume(gen, resp)
}

// clockTimer adapts a clock.Clock to backoff.Timer so retry waits follow the
// injected clock.
type clockTimer struct {
	clock clock.Clock
	timer *clock.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.Timer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.C
}

var _ transport.Transport = (*Client)(nil)
