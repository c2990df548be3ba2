package socket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/casualjim/conduit/pkg/uuidx"
	"github.com/casualjim/conduit/transport"
	"github.com/casualjim/conduit/transport/transporttest"
	"github.com/filecoin-project/go-clock"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, options ...ServerOption) (*Server, string) {
	t.Helper()
	srv, err := NewServer(options...)
	require.NoError(t, err)
	require.NoError(t, srv.Connect(context.Background()))
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		_ = srv.Disconnect(context.Background())
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dialClient(t *testing.T, url string, options ...ClientOption) *Client {
	t.Helper()
	c, err := NewClient(url, options...)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })
	return c
}

func awaitSubscriber(srv *Server) func(t *testing.T, channel string) {
	return func(t *testing.T, channel string) {
		require.Eventually(t, func() bool {
			return len(srv.Subscribers(channel)) > 0
		}, transporttest.Wait, transporttest.Tick)
	}
}

func TestSocketAcceptance(t *testing.T) {
	transporttest.Run(t, "ClientToServer", func(t *testing.T) transporttest.Pair {
		srv, url := startServer(t)
		return transporttest.Pair{Publisher: dialClient(t, url), Subscriber: srv}
	})

	transporttest.Run(t, "ServerToClient", func(t *testing.T) transporttest.Pair {
		srv, url := startServer(t)
		return transporttest.Pair{
			Publisher:       srv,
			Subscriber:      dialClient(t, url),
			AwaitSubscribed: awaitSubscriber(srv),
		}
	})

	transporttest.Run(t, "Relay", func(t *testing.T) transporttest.Pair {
		srv, url := startServer(t, WithRelay(true))
		return transporttest.Pair{
			Publisher:       dialClient(t, url),
			Subscriber:      dialClient(t, url),
			AwaitSubscribed: awaitSubscriber(srv),
		}
	})
}

func TestServerTargeting(t *testing.T) {
	srv, url := startServer(t)
	ctx := context.Background()

	ids := []string{uuidx.NewString(), uuidx.NewString(), uuidx.NewString()}
	recs := make([]*transporttest.Recorder, len(ids))
	for i, id := range ids {
		c := dialClient(t, url+"?"+ConnectionIDParam+"="+id)
		recs[i] = &transporttest.Recorder{}
		_, err := c.Subscribe(ctx, "direct", recs[i].Handle)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		return len(srv.Subscribers("direct")) == 3
	}, transporttest.Wait, transporttest.Tick)
	assert.ElementsMatch(t, ids, srv.Connections())

	require.NoError(t, srv.Publish(ctx, "direct", json.RawMessage(`{"hello":"you"}`), transport.WithTargets(ids[1])))
	require.Eventually(t, func() bool { return recs[1].Len() == 1 }, transporttest.Wait, transporttest.Tick)

	require.NoError(t, srv.Publish(ctx, "direct", json.RawMessage(`{"hello":"all"}`)))
	require.Eventually(t, func() bool {
		return recs[0].Len() == 1 && recs[1].Len() == 2 && recs[2].Len() == 1
	}, transporttest.Wait, transporttest.Tick)
	assert.JSONEq(t, `{"hello":"all"}`, string(recs[0].Messages()[0].Payload))
}

func TestServerConnectionEvents(t *testing.T) {
	srv, url := startServer(t)

	var mu sync.Mutex
	var connected, disconnected []string
	srv.On(transport.EventConnect, func(e transport.Event) {
		mu.Lock()
		connected = append(connected, e.ConnectionID)
		mu.Unlock()
	})
	srv.On(transport.EventDisconnect, func(e transport.Event) {
		mu.Lock()
		disconnected = append(disconnected, e.ConnectionID)
		mu.Unlock()
	})

	id := uuidx.NewString()
	c := dialClient(t, url+"?"+ConnectionIDParam+"="+id)
	_, err := c.Subscribe(context.Background(), "orders", func(context.Context, transport.Message) {})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(srv.Subscribers("orders")) == 1 }, transporttest.Wait, transporttest.Tick)

	require.NoError(t, c.Disconnect(context.Background()))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(disconnected) == 1
	}, transporttest.Wait, transporttest.Tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{id}, connected)
	assert.Equal(t, []string{id}, disconnected)
	assert.Empty(t, srv.Subscribers("orders"))
	assert.Equal(t, transport.StateConnected, srv.State())
}

func TestServerRejectsWhenStopped(t *testing.T) {
	srv, err := NewServer()
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	c, err := NewClient("ws"+strings.TrimPrefix(ts.URL, "http"), WithReconnect(transport.NoReconnect))
	require.NoError(t, err)
	err = c.Connect(context.Background())
	var ce *transport.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, transport.StateError, c.State())
}

func TestClientReconnects(t *testing.T) {
	srv, url := startServer(t)
	ctx := context.Background()
	mock := clock.NewMock()

	id := uuidx.NewString()
	c := dialClient(t, url+"?"+ConnectionIDParam+"="+id,
		WithClock(mock),
		WithReconnect(transport.ReconnectPolicy{Enabled: true, MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}),
	)

	var mu sync.Mutex
	var states []string
	c.On(transport.EventState, func(e transport.Event) {
		mu.Lock()
		states = append(states, e.State.String())
		mu.Unlock()
	})

	fromServer := &transporttest.Recorder{}
	_, err := c.Subscribe(ctx, "orders", fromServer.Handle)
	require.NoError(t, err)
	atServer := &transporttest.Recorder{}
	_, err = srv.Subscribe(ctx, "orders", atServer.Handle)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(srv.Subscribers("orders")) == 1 }, transporttest.Wait, transporttest.Tick)

	require.NoError(t, srv.CloseConnection(id))
	require.Eventually(t, func() bool { return c.State() == transport.StateReconnecting }, transporttest.Wait, transporttest.Tick)

	for i := range 3 {
		require.NoError(t, c.Publish(ctx, "orders", json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i))))
	}
	assert.Equal(t, 3, c.Queued())

	require.Eventually(t, func() bool {
		mock.Add(100 * time.Millisecond)
		return c.State() == transport.StateConnected
	}, transporttest.Wait, transporttest.Tick)

	require.Eventually(t, func() bool { return atServer.Len() == 3 }, transporttest.Wait, transporttest.Tick)
	for i, msg := range atServer.Messages() {
		assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i), string(msg.Payload))
	}
	assert.Equal(t, 0, c.Queued())

	// the handler survived the reconnect and the channel was resubscribed
	require.Eventually(t, func() bool { return len(srv.Subscribers("orders")) == 1 }, transporttest.Wait, transporttest.Tick)
	require.NoError(t, srv.Publish(ctx, "orders", json.RawMessage(`{"back":true}`)))
	require.Eventually(t, func() bool { return fromServer.Len() == 1 }, transporttest.Wait, transporttest.Tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"reconnecting", "connected"}, states)
}

func TestClientGivesUp(t *testing.T) {
	srv, url := startServer(t)
	mock := clock.NewMock()
	c := dialClient(t, url,
		WithClock(mock),
		WithReconnect(transport.ReconnectPolicy{Enabled: true, MaxAttempts: 2, BaseDelay: 10 * time.Millisecond, MaxDelay: 10 * time.Millisecond}),
	)

	var mu sync.Mutex
	var attempts []int
	var final transport.Event
	c.On(transport.EventReconnecting, func(e transport.Event) {
		mu.Lock()
		attempts = append(attempts, e.Attempt)
		mu.Unlock()
	})
	c.On(transport.EventDisconnect, func(e transport.Event) {
		mu.Lock()
		final = e
		mu.Unlock()
	})

	// stopping the server closes every connection and refuses new upgrades
	require.NoError(t, srv.Disconnect(context.Background()))

	require.Eventually(t, func() bool {
		mock.Add(10 * time.Millisecond)
		return c.State() == transport.StateDisconnected
	}, transporttest.Wait, transporttest.Tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1}, attempts)
	assert.True(t, errors.Is(final.Err, ErrReconnectExhausted))
	assert.False(t, c.ManuallyDisconnected())
}

func TestClientManualDisconnectStopsReconnect(t *testing.T) {
	srv, url := startServer(t)
	mock := clock.NewMock()
	id := uuidx.NewString()
	c := dialClient(t, url+"?"+ConnectionIDParam+"="+id, WithClock(mock))

	require.NoError(t, srv.CloseConnection(id))
	require.Eventually(t, func() bool { return c.State() == transport.StateReconnecting }, transporttest.Wait, transporttest.Tick)

	require.NoError(t, c.Disconnect(context.Background()))
	mock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, transport.StateDisconnected, c.State())
	assert.NotContains(t, srv.Connections(), id)
}

func TestClientDisconnectDuringDialClosesSocket(t *testing.T) {
	srv, url := startServer(t)
	release := make(chan struct{})
	dialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			<-release
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
	c, err := NewClient(url, WithDialer(dialer))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return c.State() == transport.StateConnecting }, transporttest.Wait, transporttest.Tick)

	require.NoError(t, c.Disconnect(context.Background()))
	close(release)

	require.Error(t, <-done)
	assert.Equal(t, transport.StateDisconnected, c.State())
	require.Eventually(t, func() bool { return len(srv.Connections()) == 0 }, transporttest.Wait, transporttest.Tick)

	err = c.Publish(context.Background(), "orders", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 1, c.Queued())
}

func TestClientQueuesBeforeFirstConnect(t *testing.T) {
	srv, url := startServer(t)
	ctx := context.Background()

	atServer := &transporttest.Recorder{}
	_, err := srv.Subscribe(ctx, "orders", atServer.Handle)
	require.NoError(t, err)

	c, err := NewClient(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Disconnect(ctx) })

	require.NoError(t, c.Publish(ctx, "orders", json.RawMessage(`{"seq":0}`)))
	require.NoError(t, c.Publish(ctx, "orders", json.RawMessage(`{"seq":1}`)))
	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Publish(ctx, "orders", json.RawMessage(`{"seq":2}`)))

	require.Eventually(t, func() bool { return atServer.Len() == 3 }, transporttest.Wait, transporttest.Tick)
	for i, msg := range atServer.Messages() {
		assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i), string(msg.Payload))
		assert.NotEmpty(t, msg.Metadata.ConnectionID)
	}
}

func TestClientQueueLimit(t *testing.T) {
	ctx := context.Background()

	t.Run("reject new", func(t *testing.T) {
		c, err := NewClient("ws://127.0.0.1:1", WithQueueLimit(2, RejectNew))
		require.NoError(t, err)
		require.NoError(t, c.Publish(ctx, "orders", json.RawMessage(`{"seq":0}`)))
		require.NoError(t, c.Publish(ctx, "orders", json.RawMessage(`{"seq":1}`)))
		err = c.Publish(ctx, "orders", json.RawMessage(`{"seq":2}`))
		assert.ErrorIs(t, err, transport.ErrQueueFull)
		assert.Equal(t, 2, c.Queued())
	})

	t.Run("drop oldest", func(t *testing.T) {
		srv, url := startServer(t)
		atServer := &transporttest.Recorder{}
		_, err := srv.Subscribe(ctx, "orders", atServer.Handle)
		require.NoError(t, err)

		c, err := NewClient(url, WithQueueLimit(2, DropOldest))
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Disconnect(ctx) })
		for i := range 3 {
			require.NoError(t, c.Publish(ctx, "orders", json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i))))
		}
		assert.Equal(t, 2, c.Queued())

		require.NoError(t, c.Connect(ctx))
		require.Eventually(t, func() bool { return atServer.Len() == 2 }, transporttest.Wait, transporttest.Tick)
		assert.JSONEq(t, `{"seq":1}`, string(atServer.Messages()[0].Payload))
		assert.JSONEq(t, `{"seq":2}`, string(atServer.Messages()[1].Payload))
	})
}

func TestClientSingleWireSubscription(t *testing.T) {
	srv, url := startServer(t)
	c := dialClient(t, url)
	ctx := context.Background()

	u1, err := c.Subscribe(ctx, "orders", func(context.Context, transport.Message) {})
	require.NoError(t, err)
	u2, err := c.Subscribe(ctx, "orders", func(context.Context, transport.Message) {})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(srv.Subscribers("orders")) == 1 }, transporttest.Wait, transporttest.Tick)

	u1()
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, srv.Subscribers("orders"), 1)

	u2()
	require.Eventually(t, func() bool { return len(srv.Subscribers("orders")) == 0 }, transporttest.Wait, transporttest.Tick)
}

func TestServerListenAddr(t *testing.T) {
	srv, err := NewServer(WithListenAddr("127.0.0.1:0"))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, srv.Connect(ctx))
	t.Cleanup(func() { _ = srv.Disconnect(ctx) })
	require.NotNil(t, srv.Addr())

	atServer := &transporttest.Recorder{}
	_, err = srv.Subscribe(ctx, "orders", atServer.Handle)
	require.NoError(t, err)

	c := dialClient(t, "ws://"+srv.Addr().String())
	require.NoError(t, c.Publish(ctx, "orders", json.RawMessage(`{"orderId":"o1"}`)))
	require.Eventually(t, func() bool { return atServer.Len() == 1 }, transporttest.Wait, transporttest.Tick)
}

func TestFrameWireShape(t *testing.T) {
	f := messageFrame(FramePublish, transport.Message{
		Channel:   "orders",
		Payload:   json.RawMessage(`{"orderId":"o1"}`),
		MessageID: "m-1",
	})
	data, err := json.Marshal(f)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"publish","channel":"orders","payload":{"orderId":"o1"},"messageId":"m-1"}`, string(data))

	back, err := decodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, "m-1", back.message().MessageID)
}
