// Package registry holds the engine's optional components under
// well-known capability names. Components are registered explicitly at
// startup from the configured capability list; a missing capability is
// simply absent, and callers observe that through the boolean Lookup
// result instead of a silently swallowed import failure.
package registry

import (
	"sort"
	"sync"
)

// Capability names an optional component slot.
type Capability string

const (
	CapFailureMemory Capability = "failure_memory"
	CapModelRouter   Capability = "model_router"
	CapMetrics       Capability = "metrics"
)

// Registry is a typed name -> component map. Registration happens at
// startup; lookups are concurrent-safe for the process lifetime.
type Registry struct {
	mu      sync.RWMutex
	entries map[Capability]any
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[Capability]any)}
}

// Register binds a component to a capability name. A later Register
// for the same name replaces the earlier binding.
func (r *Registry) Register(name Capability, component any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = component
}

// Has reports whether a capability is registered.
func (r *Registry) Has(name Capability) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Names returns the registered capability names in sorted order.
func (r *Registry) Names() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]Capability, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Lookup fetches a capability as T. It returns the zero value and
// false when the capability is absent or bound to a different type.
func Lookup[T any](r *Registry, name Capability) (T, bool) {
	var zero T
	if r == nil {
		return zero, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[name]
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}
