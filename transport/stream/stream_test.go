package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/casualjim/conduit/pkg/uuidx"
	"github.com/casualjim/conduit/transport"
	"github.com/casualjim/conduit/transport/transporttest"
	"github.com/filecoin-project/go-clock"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type streamEnv struct {
	srv      *Server
	url      string
	requests atomic.Int32

	mu           sync.Mutex
	lastEventIDs []string
}

func startStream(t *testing.T, options ...ServerOption) *streamEnv {
	t.Helper()
	srv, err := NewServer(options...)
	require.NoError(t, err)
	require.NoError(t, srv.Connect(context.Background()))

	env := &streamEnv{srv: srv}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.requests.Add(1)
		env.mu.Lock()
		env.lastEventIDs = append(env.lastEventIDs, r.Header.Get("Last-Event-ID"))
		env.mu.Unlock()
		srv.ServeHTTP(w, r)
	}))
	env.url = ts.URL
	t.Cleanup(func() {
		_ = srv.Disconnect(context.Background())
		ts.Close()
	})
	return env
}

func (e *streamEnv) headers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.lastEventIDs...)
}

func openClient(t *testing.T, url string, options ...ClientOption) *Client {
	t.Helper()
	c, err := NewClient(url, options...)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })
	return c
}

func TestStreamAcceptance(t *testing.T) {
	transporttest.Run(t, "SSE", func(t *testing.T) transporttest.Pair {
		env := startStream(t)
		return transporttest.Pair{
			Publisher:  env.srv,
			Subscriber: openClient(t, env.url),
			AwaitSubscribed: func(t *testing.T, _ string) {
				require.Eventually(t, func() bool { return len(env.srv.Consumers()) > 0 }, transporttest.Wait, transporttest.Tick)
			},
		}
	})
}

func TestStreamClientCannotPublish(t *testing.T) {
	env := startStream(t)
	c, err := NewClient(env.url)
	require.NoError(t, err)

	err = c.Publish(context.Background(), "orders", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, transport.IsCapability(err))
	assert.EqualValues(t, 0, env.requests.Load())
	assert.False(t, c.Capabilities().CanPublish)
	assert.False(t, c.Capabilities().Bidirectional)
}

func TestStreamServerCannotSubscribe(t *testing.T) {
	env := startStream(t)
	_, err := env.srv.Subscribe(context.Background(), "orders", func(context.Context, transport.Message) {})
	assert.True(t, transport.IsCapability(err))
}

func TestStreamNamedSubStreams(t *testing.T) {
	env := startStream(t)
	c := openClient(t, env.url)
	ctx := context.Background()

	orders, users := &transporttest.Recorder{}, &transporttest.Recorder{}
	_, err := c.Subscribe(ctx, "orders", orders.Handle)
	require.NoError(t, err)
	_, err = c.Subscribe(ctx, "users", users.Handle)
	require.NoError(t, err)

	require.NoError(t, env.srv.Publish(ctx, "orders", json.RawMessage(`{"orderId":"o1"}`)))
	require.NoError(t, env.srv.Publish(ctx, "users", json.RawMessage(`{"id":"u1"}`)))
	require.NoError(t, env.srv.Publish(ctx, "ignored", json.RawMessage(`{}`)))

	require.Eventually(t, func() bool { return orders.Len() == 1 && users.Len() == 1 }, transporttest.Wait, transporttest.Tick)
	assert.EqualValues(t, 1, env.requests.Load())
}

func TestStreamServerTargeting(t *testing.T) {
	env := startStream(t)
	ctx := context.Background()

	ids := []string{uuidx.NewString(), uuidx.NewString()}
	recs := []*transporttest.Recorder{{}, {}}
	for i, id := range ids {
		c := openClient(t, env.url+"?"+ClientIDParam+"="+id)
		_, err := c.Subscribe(ctx, "direct", recs[i].Handle)
		require.NoError(t, err)
	}
	assert.ElementsMatch(t, ids, env.srv.Consumers())

	require.NoError(t, env.srv.Publish(ctx, "direct", json.RawMessage(`{}`), transport.WithTargets(ids[1])))
	require.Eventually(t, func() bool { return recs[1].Len() == 1 }, transporttest.Wait, transporttest.Tick)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, recs[0].Len())
}

func TestStreamServerRejectsUnframableValues(t *testing.T) {
	env := startStream(t)
	c := openClient(t, env.url)
	ctx := context.Background()

	rec := &transporttest.Recorder{}
	_, err := c.Subscribe(ctx, "orders", rec.Handle)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(env.srv.Consumers()) > 0 }, transporttest.Wait, transporttest.Tick)

	err = env.srv.Publish(ctx, "orders\nevent: orders", json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrUnframable)
	err = env.srv.Publish(ctx, "orders", json.RawMessage(`{}`), transport.WithMessageID("m-1\n\nevent: orders"))
	require.ErrorIs(t, err, ErrUnframable)

	require.NoError(t, env.srv.Publish(ctx, "orders", json.RawMessage(`{"ok":true}`)))
	require.Eventually(t, func() bool { return rec.Len() == 1 }, transporttest.Wait, transporttest.Tick)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.Len())
}

func TestStreamRetryFieldAndReconnect(t *testing.T) {
	env := startStream(t, WithServerRetry(2*time.Second))
	mock := clock.NewMock()
	ctx := context.Background()

	id := uuidx.NewString()
	c := openClient(t, env.url+"?"+ClientIDParam+"="+id, WithClock(mock))
	require.Eventually(t, func() bool { return c.Retry() == 2*time.Second }, transporttest.Wait, transporttest.Tick)

	var mu sync.Mutex
	var kinds []transport.EventKind
	c.On(transport.EventReconnecting, func(e transport.Event) {
		mu.Lock()
		kinds = append(kinds, e.Kind)
		mu.Unlock()
	})
	c.On(transport.EventConnect, func(e transport.Event) {
		mu.Lock()
		kinds = append(kinds, e.Kind)
		mu.Unlock()
	})

	rec := &transporttest.Recorder{}
	_, err := c.Subscribe(ctx, "orders", rec.Handle)
	require.NoError(t, err)
	require.NoError(t, env.srv.Publish(ctx, "orders", json.RawMessage(`{"n":1}`), transport.WithMessageID("evt-1")))
	require.Eventually(t, func() bool { return rec.Len() == 1 }, transporttest.Wait, transporttest.Tick)
	assert.Equal(t, "evt-1", c.LastEventID())

	require.True(t, env.srv.CloseConsumer(id))
	require.Eventually(t, func() bool { return c.State() == transport.StateReconnecting }, transporttest.Wait, transporttest.Tick)

	require.Eventually(t, func() bool {
		mock.Add(2 * time.Second)
		return c.State() == transport.StateConnected
	}, transporttest.Wait, transporttest.Tick)

	headers := env.headers()
	require.Len(t, headers, 2)
	assert.Equal(t, "", headers[0])
	assert.Equal(t, "evt-1", headers[1])

	require.Eventually(t, func() bool { return len(env.srv.Consumers()) == 1 }, transporttest.Wait, transporttest.Tick)
	require.NoError(t, env.srv.Publish(ctx, "orders", json.RawMessage(`{"n":2}`)))
	require.Eventually(t, func() bool { return rec.Len() == 2 }, transporttest.Wait, transporttest.Tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []transport.EventKind{transport.EventReconnecting, transport.EventConnect}, kinds)
}

func TestStreamNoContentStopsRetrying(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Content-Type", contentType)
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("retry: 10\n\n"))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(ts.Close)

	mock := clock.NewMock()
	c := openClient(t, ts.URL, WithClock(mock))

	require.Eventually(t, func() bool {
		mock.Add(10 * time.Millisecond)
		return c.State() == transport.StateDisconnected
	}, transporttest.Wait, transporttest.Tick)
	assert.EqualValues(t, 2, calls.Load())
	assert.False(t, c.ManuallyDisconnected())
}

func TestStreamRejectsNonEventStream(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(ts.Close)

	c, err := NewClient(ts.URL)
	require.NoError(t, err)
	err = c.Connect(context.Background())
	var ce *transport.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, transport.StateError, c.State())
}

func TestStreamCredentialsKeepCookies(t *testing.T) {
	var mu sync.Mutex
	var cookies []string
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		if ck, err := r.Cookie("session"); err == nil {
			cookies = append(cookies, ck.Value)
		} else {
			cookies = append(cookies, "")
		}
		mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "s-1", Path: "/"})
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("retry: 10\n\n"))
		w.(http.Flusher).Flush()
		if calls.Add(1) > 1 {
			<-r.Context().Done()
		}
	}))
	t.Cleanup(ts.Close)

	mock := clock.NewMock()
	c := openClient(t, ts.URL, WithClock(mock), WithCredentials(true), WithHeader(http.Header{"Authorization": {"Bearer t"}}))

	require.Eventually(t, func() bool {
		mock.Add(10 * time.Millisecond)
		return calls.Load() >= 2 && c.State() == transport.StateConnected
	}, transporttest.Wait, transporttest.Tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "", cookies[0])
	assert.Equal(t, "s-1", cookies[1])
}
