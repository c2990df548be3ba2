package inproc

import (
	"sync"

	"github.com/casualjim/conduit/internal/registry"
	"github.com/casualjim/conduit/transport"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

var hubs = registry.New[*Hub]()

// Hub is a named meeting point for in-process peers. Peers attached to the
// same hub see each other's publishes.
type Hub struct {
	name string

	mu    sync.Mutex
	peers *orderedmap.OrderedMap[string, *Transport]
}

// Open returns the hub registered under name, creating it on first use.
func Open(name string) *Hub {
	h, _ := hubs.GetOrAdd(name, func() *Hub {
		return &Hub{name: name, peers: orderedmap.New[string, *Transport]()}
	})
	return h
}

func (h *Hub) Name() string { return h.name }

// Peers lists the ids of attached peers in attach order.
func (h *Hub) Peers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, h.peers.Len())
	for pair := h.peers.Oldest(); pair != nil; pair = pair.Next() {
		ids = append(ids, pair.Key)
	}
	return ids
}

func (h *Hub) attach(p *Transport) {
	h.mu.Lock()
	h.peers.Set(p.ID(), p)
	h.mu.Unlock()
}

func (h *Hub) detach(p *Transport) {
	h.mu.Lock()
	h.peers.Delete(p.ID())
	h.mu.Unlock()
}

// route enqueues msg on every eligible peer inbox. Holding the hub lock while
// enqueueing gives every receiver the same relative order of concurrent
// publishes.
func (h *Hub) route(from *Transport, msg transport.Message) int {
	var targets map[string]struct{}
	if len(msg.TargetIDs) > 0 {
		targets = make(map[string]struct{}, len(msg.TargetIDs))
		for _, id := range msg.TargetIDs {
			targets[id] = struct{}{}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	var n int
	for pair := h.peers.Oldest(); pair != nil; pair = pair.Next() {
		peer := pair.Value
		if peer == from && !from.cfg.echo {
			continue
		}
		if targets != nil {
			if _, ok := targets[peer.ID()]; !ok {
				continue
			}
		}
		if peer.enqueue(msg) {
			n++
		}
	}
	return n
}
