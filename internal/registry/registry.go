// Package registry provides the concurrent, string keyed tables conduit uses
// for everything that must be looked up from more than one goroutine: hub
// membership, server connections, broker wire subscriptions and the per
// transport handler arena.
package registry

import "github.com/alphadose/haxmap"

// Registry is a concurrent name -> value table.
type Registry[T any] interface {
	Get(name string) (T, bool)
	Add(name string, value T)
	GetOrAdd(name string, value func() T) (T, bool)
	Del(name string)
	Range(fn func(name string, value T) bool)
	Len() int
}

type registry[T any] struct {
	values *haxmap.Map[string, T]
}

func New[T any]() Registry[T] {
	return &registry[T]{
		values: haxmap.New[string, T](),
	}
}

func (r *registry[T]) Get(name string) (T, bool) {
	return r.values.Get(name)
}

func (r *registry[T]) Add(name string, value T) {
	r.values.Set(name, value)
}

// GetOrAdd returns the value stored under name, computing and storing it when
// absent. The boolean reports whether the value was already present.
func (r *registry[T]) GetOrAdd(name string, valueFn func() T) (T, bool) {
	return r.values.GetOrCompute(name, valueFn)
}

func (r *registry[T]) Del(name string) {
	r.values.Del(name)
}

func (r *registry[T]) Range(fn func(name string, value T) bool) {
	r.values.ForEach(fn)
}

func (r *registry[T]) Len() int {
	return int(r.values.Len())
}
