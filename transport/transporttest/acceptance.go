// Package transporttest holds the acceptance suite every transport backend
// runs, so each one is held to the same observable contract.
package transporttest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/casualjim/conduit/transport"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	Wait = 3 * time.Second
	Tick = 5 * time.Millisecond
)

// Pair is one publishing and one subscribing side of a backend. They may be the
// same transport (loopback) or two ends of one wire.
type Pair struct {
	Publisher  transport.Transport
	Subscriber transport.Transport
	// AwaitSubscribed blocks until a subscription made on Subscriber for channel
	// is visible to Publisher. Nil when subscriptions take effect synchronously.
	AwaitSubscribed func(t *testing.T, channel string)
}

// Factory builds a connected pair. It registers its own cleanup.
type Factory func(t *testing.T) Pair

type acceptanceTest struct {
	name string
	test func(t *testing.T, factory Factory)
}

// Run executes the acceptance suite against factory.
func Run(t *testing.T, name string, factory Factory) {
	tests := []acceptanceTest{
		{"delivers to every handler in registration order", testRegistrationOrder},
		{"round trips payload, channel and message id", testRoundTrip},
		{"preserves publish order", testPublishOrder},
		{"unsubscribe is idempotent", testIdempotentUnsubscribe},
		{"isolates channels", testChannelIsolation},
		{"validates handler requirement", testHandlerValidation},
		{"disconnect is idempotent", testDisconnectIdempotent},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", name, tt.name), func(t *testing.T) {
			tt.test(t, factory)
		})
	}
}

// Recorder collects messages delivered to one handler.
type Recorder struct {
	mu   sync.Mutex
	msgs []transport.Message
}

func (r *Recorder) Handle(_ context.Context, msg transport.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *Recorder) Messages() []transport.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.Message(nil), r.msgs...)
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func await(t *testing.T, p Pair, channel string) {
	t.Helper()
	if p.AwaitSubscribed != nil {
		p.AwaitSubscribed(t, channel)
	}
}

func testRegistrationOrder(t *testing.T, factory Factory) {
	p := factory(t)
	ctx := context.Background()

	var mu sync.Mutex
	var order []int
	for i := range 3 {
		unsub, err := p.Subscriber.Subscribe(ctx, "orders", func(context.Context, transport.Message) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
		require.NoError(t, err)
		t.Cleanup(unsub)
	}
	await(t, p, "orders")

	require.NoError(t, p.Publisher.Publish(ctx, "orders", json.RawMessage(`{"orderId":"o1"}`)))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, Wait, Tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func testRoundTrip(t *testing.T, factory Factory) {
	p := factory(t)
	ctx := context.Background()

	rec := &Recorder{}
	unsub, err := p.Subscriber.Subscribe(ctx, "orders", rec.Handle)
	require.NoError(t, err)
	t.Cleanup(unsub)
	await(t, p, "orders")

	payload := json.RawMessage(`{"orderId":"o1","lines":[{"sku":"a","qty":2}],"total":12.5}`)
	require.NoError(t, p.Publisher.Publish(ctx, "orders", payload,
		transport.WithMessageID("msg-1"),
		transport.WithAttributes(map[string]any{"status": "new"}),
	))
	require.Eventually(t, func() bool { return rec.Len() == 1 }, Wait, Tick)

	got := rec.Messages()[0]
	assert.Equal(t, "orders", got.Channel)
	assert.Equal(t, "msg-1", got.MessageID)
	assert.JSONEq(t, string(payload), string(got.Payload))
	assert.Equal(t, "new", got.Attributes()["status"])
}

func testPublishOrder(t *testing.T, factory Factory) {
	p := factory(t)
	ctx := context.Background()

	rec := &Recorder{}
	unsub, err := p.Subscriber.Subscribe(ctx, "ticks", rec.Handle)
	require.NoError(t, err)
	t.Cleanup(unsub)
	await(t, p, "ticks")

	const n = 25
	for i := range n {
		require.NoError(t, p.Publisher.Publish(ctx, "ticks", json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i))))
	}
	require.Eventually(t, func() bool { return rec.Len() == n }, Wait, Tick)

	for i, msg := range rec.Messages() {
		assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i), string(msg.Payload))
	}
}

func testIdempotentUnsubscribe(t *testing.T, factory Factory) {
	p := factory(t)
	ctx := context.Background()

	first, second := &Recorder{}, &Recorder{}
	unsub1, err := p.Subscriber.Subscribe(ctx, "orders", first.Handle)
	require.NoError(t, err)
	unsub2, err := p.Subscriber.Subscribe(ctx, "orders", second.Handle)
	require.NoError(t, err)
	t.Cleanup(unsub2)
	await(t, p, "orders")

	unsub1()
	unsub1()

	require.NoError(t, p.Publisher.Publish(ctx, "orders", json.RawMessage(`{"n":1}`)))
	require.Eventually(t, func() bool { return second.Len() == 1 }, Wait, Tick)
	assert.Equal(t, 0, first.Len())
}

func testChannelIsolation(t *testing.T, factory Factory) {
	p := factory(t)
	ctx := context.Background()

	orders, users := &Recorder{}, &Recorder{}
	u1, err := p.Subscriber.Subscribe(ctx, "orders", orders.Handle)
	require.NoError(t, err)
	t.Cleanup(u1)
	u2, err := p.Subscriber.Subscribe(ctx, "users", users.Handle)
	require.NoError(t, err)
	t.Cleanup(u2)
	await(t, p, "orders")
	await(t, p, "users")

	require.NoError(t, p.Publisher.Publish(ctx, "users", json.RawMessage(`{"id":"u1"}`)))
	require.NoError(t, p.Publisher.Publish(ctx, "orders", json.RawMessage(`{"id":"o1"}`)))
	require.Eventually(t, func() bool { return orders.Len() == 1 && users.Len() == 1 }, Wait, Tick)

	assert.Equal(t, "orders", orders.Messages()[0].Channel)
	assert.Equal(t, "users", users.Messages()[0].Channel)
}

func testHandlerValidation(t *testing.T, factory Factory) {
	p := factory(t)
	_, err := p.Subscriber.Subscribe(context.Background(), "orders", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrNilHandler)
}

func testDisconnectIdempotent(t *testing.T, factory Factory) {
	p := factory(t)
	ctx := context.Background()
	require.NoError(t, p.Subscriber.Disconnect(ctx))
	require.NoError(t, p.Subscriber.Disconnect(ctx))
	assert.Equal(t, transport.StateDisconnected, p.Subscriber.State())
}
