package processor

import (
	"fmt"
	"strings"
	"sync"
)

// Registry holds the configured processor adapters keyed by provider name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	primary  string
}

// NewRegistry registers adapters; the first one is the primary processor
// used for outgoing calls.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, adapter := range adapters {
		r.Register(adapter)
	}
	return r
}

func (r *Registry) Register(adapter Adapter) {
	if adapter == nil {
		return
	}
	name := normalize(adapter.Provider())
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = adapter
	if r.primary == "" {
		r.primary = name
	}
}

// Get returns the adapter for provider.
func (r *Registry) Get(provider string) (Adapter, error) {
	name := normalize(provider)
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return adapter, nil
}

// Primary returns the adapter used for outgoing processor calls.
func (r *Registry) Primary() (Adapter, error) {
	r.mu.RLock()
	primary := r.primary
	r.mu.RUnlock()
	if primary == "" {
		return nil, ErrProviderNotFound
	}
	return r.Get(primary)
}

// SetPrimary selects the adapter used for outgoing calls.
func (r *Registry) SetPrimary(provider string) error {
	if _, err := r.Get(provider); err != nil {
		return err
	}
	r.mu.Lock()
	r.primary = normalize(provider)
	r.mu.Unlock()
	return nil
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
