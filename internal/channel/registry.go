package channel

import (
	"sort"
	"sync"
)

// Registry holds the live channels. It is constructed by the composition
// root and passed explicitly; there is no package-level instance.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Channel
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]Channel{}}
}

func (r *Registry) Put(c Channel) {
	if c == nil {
		return
	}
	r.mu.Lock()
	r.m[c.Name()] = c
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Channel, bool) {
	r.mu.RLock()
	c, ok := r.m[name]
	r.mu.RUnlock()
	return c, ok
}

func (r *Registry) Remove(name string) {
	r.mu.Lock()
	delete(r.m, name)
	r.mu.Unlock()
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.m))
	for n := range r.m {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Snapshot returns the channels in name order.
func (r *Registry) Snapshot() []Channel {
	r.mu.RLock()
	out := make([]Channel, 0, len(r.m))
	for _, c := range r.m {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
