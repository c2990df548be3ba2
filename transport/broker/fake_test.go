package broker

import (
	"context"
	"errors"
	"sync"
)

// fakeBroker is an in-memory stand in for a NATS server. Delivery is
// synchronous on the publishing goroutine.
type fakeBroker struct {
	mu          sync.Mutex
	subs        map[string][]*fakeSub
	subscribes  map[string]int
	unsubs      map[string]int
	published   map[Role]int
	conns       []*fakeConn
	failOnRole  Role
	dialedRoles []Role
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		subs:       make(map[string][]*fakeSub),
		subscribes: make(map[string]int),
		unsubs:     make(map[string]int),
		published:  make(map[Role]int),
	}
}

func (b *fakeBroker) dial(_ context.Context, role Role, events ConnEvents) (Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialedRoles = append(b.dialedRoles, role)
	if role == b.failOnRole {
		return nil, errors.New("connection refused")
	}
	c := &fakeConn{broker: b, role: role, events: events}
	b.conns = append(b.conns, c)
	return c, nil
}

func (b *fakeBroker) conn(role Role) *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.conns) - 1; i >= 0; i-- {
		if b.conns[i].role == role {
			return b.conns[i]
		}
	}
	return nil
}

func (b *fakeBroker) subscribeCount(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribes[subject]
}

func (b *fakeBroker) unsubscribeCount(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unsubs[subject]
}

func (b *fakeBroker) publishCount(role Role) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[role]
}

type fakeConn struct {
	broker *fakeBroker
	role   Role
	events ConnEvents

	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	if c.isClosed() {
		return errors.New("connection closed")
	}
	c.broker.mu.Lock()
	c.broker.published[c.role]++
	subs := append([]*fakeSub(nil), c.broker.subs[subject]...)
	c.broker.mu.Unlock()

	for _, s := range subs {
		s.cb(append([]byte(nil), data...))
	}
	return nil
}

func (c *fakeConn) Subscribe(subject string, cb func([]byte)) (Subscription, error) {
	if c.isClosed() {
		return nil, errors.New("connection closed")
	}
	s := &fakeSub{broker: c.broker, subject: subject, cb: cb}
	c.broker.mu.Lock()
	c.broker.subs[subject] = append(c.broker.subs[subject], s)
	c.broker.subscribes[subject]++
	c.broker.mu.Unlock()
	return s, nil
}

func (c *fakeConn) Flush() error { return nil }

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeSub struct {
	broker  *fakeBroker
	subject string
	cb      func([]byte)
}

func (s *fakeSub) Unsubscribe() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	list := s.broker.subs[s.subject]
	for i, other := range list {
		if other == s {
			s.broker.subs[s.subject] = append(list[:i], list[i+1:]...)
			s.broker.unsubs[s.subject]++
			break
		}
	}
	return nil
}
