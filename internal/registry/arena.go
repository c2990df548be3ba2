package registry

import "sync"

// Arena stores values keyed by (owner, name). Owners are transport instances,
// names are channels. Keeping every owner's slots behind its own key means one
// transport can never observe or mutate another's entries, and tearing an
// owner down is a single explicit Drop call.
type Arena[T any] struct {
	owners Registry[*slots[T]]
}

type slots[T any] struct {
	mu     sync.Mutex
	values map[string]T
}

func NewArena[T any]() *Arena[T] {
	return &Arena[T]{owners: New[*slots[T]]()}
}

func (a *Arena[T]) slotsFor(owner string) *slots[T] {
	s, _ := a.owners.GetOrAdd(owner, func() *slots[T] {
		return &slots[T]{values: make(map[string]T)}
	})
	return s
}

// Get returns the value for (owner, name).
func (a *Arena[T]) Get(owner, name string) (T, bool) {
	s, ok := a.owners.Get(owner)
	if !ok {
		var zero T
		return zero, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[name]
	return v, ok
}

// GetOrAdd returns the value for (owner, name), creating it with fn when absent.
func (a *Arena[T]) GetOrAdd(owner, name string, fn func() T) T {
	s := a.slotsFor(owner)
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.values[name]; ok {
		return v
	}
	v := fn()
	s.values[name] = v
	return v
}

// Del removes (owner, name).
func (a *Arena[T]) Del(owner, name string) {
	s, ok := a.owners.Get(owner)
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.values, name)
	s.mu.Unlock()
}

// Names lists every name held by owner, in no particular order.
func (a *Arena[T]) Names(owner string) []string {
	s, ok := a.owners.Get(owner)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.values))
	for name := range s.values {
		names = append(names, name)
	}
	return names
}

// Drop releases every slot belonging to owner.
func (a *Arena[T]) Drop(owner string) {
	a.owners.Del(owner)
}

// Owners reports how many owners currently hold slots.
func (a *Arena[T]) Owners() int {
	return a.owners.Len()
}
