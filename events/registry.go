package events

import (
	"fmt"

	"github.com/casualjim/conduit/pkg/stdx"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Registry is the immutable set of definitions an application works with.
type Registry struct {
	defs     *orderedmap.OrderedMap[string, Definition]
	channels map[string]string
}

// NewRegistry builds a registry. Names and resolved channels must be unique.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{
		defs:     orderedmap.New[string, Definition](len(defs)),
		channels: make(map[string]string, len(defs)),
	}
	for _, def := range defs {
		if def.Name == "" {
			return nil, errMissingName
		}
		if def.Schema == nil {
			return nil, fmt.Errorf("event %s: schema is required", def.Name)
		}
		if _, exists := r.defs.Get(def.Name); exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateEvent, def.Name)
		}
		ch := def.ChannelName()
		if other, taken := r.channels[ch]; taken {
			return nil, fmt.Errorf("%w: %s and %s share channel %s", ErrDuplicateEvent, other, def.Name, ch)
		}
		r.defs.Set(def.Name, def)
		r.channels[ch] = def.Name
	}
	return r, nil
}

// MustRegistry is NewRegistry that panics on error.
func MustRegistry(defs ...Definition) *Registry {
	return stdx.Must1(NewRegistry(defs...))
}

// Lookup returns the definition for name.
func (r *Registry) Lookup(name string) (Definition, error) {
	def, ok := r.defs.Get(name)
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
	return def, nil
}

// ForChannel returns the definition travelling on channel.
func (r *Registry) ForChannel(channel string) (Definition, error) {
	name, ok := r.channels[channel]
	if !ok {
		return Definition{}, fmt.Errorf("%w: no event on channel %s", ErrUnknownEvent, channel)
	}
	return r.Lookup(name)
}

// Names lists event names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, 0, r.defs.Len())
	for pair := r.defs.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// Definitions lists definitions in registration order.
func (r *Registry) Definitions() []Definition {
	defs := make([]Definition, 0, r.defs.Len())
	for pair := r.defs.Oldest(); pair != nil; pair = pair.Next() {
		defs = append(defs, pair.Value)
	}
	return defs
}

func (r *Registry) Len() int {
	return r.defs.Len()
}
