package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/casualjim/conduit/transport"
	"github.com/casualjim/conduit/transport/transporttest"
	"github.com/filecoin-project/go-clock"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connected(t *testing.T) *Transport {
	t.Helper()
	tr, err := New()
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Disconnect(context.Background()) })
	return tr
}

func TestMemoryAcceptance(t *testing.T) {
	transporttest.Run(t, "Sync", func(t *testing.T) transporttest.Pair {
		tr := connected(t)
		return transporttest.Pair{Publisher: tr, Subscriber: tr}
	})

	transporttest.Run(t, "Buffered", func(t *testing.T) transporttest.Pair {
		tr, err := New(WithBuffer(64))
		require.NoError(t, err)
		require.NoError(t, tr.Connect(context.Background()))
		t.Cleanup(func() { _ = tr.Disconnect(context.Background()) })
		return transporttest.Pair{Publisher: tr, Subscriber: tr}
	})
}

func TestMemoryPublishRequiresConnection(t *testing.T) {
	tr, err := New()
	require.NoError(t, err)

	err = tr.Publish(context.Background(), "orders", json.RawMessage(`{}`))
	var se *transport.TransportStateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, transport.StateDisconnected, se.State)
}

func TestMemoryCapabilities(t *testing.T) {
	tr, err := New()
	require.NoError(t, err)
	caps := tr.Capabilities()
	assert.True(t, caps.CanPublish)
	assert.True(t, caps.CanSubscribe)
	assert.False(t, caps.SupportsTargeting)

	require.NoError(t, tr.Connect(context.Background()))
	err = tr.Publish(context.Background(), "orders", json.RawMessage(`{}`), transport.WithTargets("peer"))
	assert.True(t, transport.IsCapability(err))
}

func TestMemorySlowConsumer(t *testing.T) {
	mock := clock.NewMock()
	tr, err := New(WithBuffer(1), WithClock(mock), WithSlowConsumerTimeout(50*time.Millisecond))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))
	t.Cleanup(func() { _ = tr.Disconnect(ctx) })

	release := make(chan struct{})
	var mu sync.Mutex
	var got int
	_, err = tr.Subscribe(ctx, "orders", func(context.Context, transport.Message) {
		<-release
		mu.Lock()
		got++
		mu.Unlock()
	})
	require.NoError(t, err)

	// first message blocks the pump, second fills the queue
	require.NoError(t, tr.Publish(ctx, "orders", json.RawMessage(`{"n":1}`)))
	require.Eventually(t, func() bool { return len(tr.queue) == 0 }, transporttest.Wait, transporttest.Tick)
	require.NoError(t, tr.Publish(ctx, "orders", json.RawMessage(`{"n":2}`)))

	done := make(chan error, 1)
	go func() { done <- tr.Publish(ctx, "orders", json.RawMessage(`{"n":3}`)) }()

	require.Eventually(t, func() bool {
		mock.Add(50 * time.Millisecond)
		select {
		case err := <-done:
			assert.NoError(t, err)
			return true
		default:
			return false
		}
	}, transporttest.Wait, transporttest.Tick)

	close(release)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got == 2
	}, transporttest.Wait, transporttest.Tick)
}
