package socket

import (
	"sync"

	"github.com/casualjim/conduit/transport"
	"github.com/gammazero/deque"
)

// OverflowPolicy decides what a bounded outbound queue does when full.
type OverflowPolicy int

const (
	// DropOldest evicts the head of the queue to make room.
	DropOldest OverflowPolicy = iota
	// RejectNew fails the publish with transport.ErrQueueFull.
	RejectNew
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case RejectNew:
		return "reject_new"
	default:
		return "unknown"
	}
}

// outbox holds publish frames written while offline. A limit <= 0 means
// unbounded.
type outbox struct {
	mu     sync.Mutex
	frames deque.Deque[Frame]
	limit  int
	policy OverflowPolicy
}

// push appends f. evicted is set when DropOldest discarded a frame.
func (o *outbox) push(f Frame) (evicted *Frame, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.limit > 0 && o.frames.Len() >= o.limit {
		if o.policy == RejectNew {
			return nil, transport.ErrQueueFull
		}
		old := o.frames.PopFront()
		evicted = &old
	}
	o.frames.PushBack(f)
	return evicted, nil
}

// take removes and returns every queued frame in FIFO order.
func (o *outbox) take() []Frame {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Frame, 0, o.frames.Len())
	for o.frames.Len() > 0 {
		out = append(out, o.frames.PopFront())
	}
	return out
}

// restore puts unsent frames back at the head, preserving their order.
func (o *outbox) restore(frames []Frame) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(frames) - 1; i >= 0; i-- {
		o.frames.PushFront(frames[i])
	}
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.frames.Len()
}

func (o *outbox) clear() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := o.frames.Len()
	o.frames.Clear()
	return n
}
