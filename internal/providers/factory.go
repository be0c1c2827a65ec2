package providers

import (
	"fmt"
	"sort"
	"sync"
)

// Factory holds the configured adapters keyed by provider ID. Registration
// happens once at startup; lookups are concurrent.
type Factory struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewFactory returns an empty factory.
func NewFactory() *Factory {
	return &Factory{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Duplicate IDs are a configuration error.
func (f *Factory) Register(a Adapter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.adapters[a.ID()]; exists {
		return fmt.Errorf("provider %q already registered", a.ID())
	}
	f.adapters[a.ID()] = a
	return nil
}

// Get returns the adapter for id.
func (f *Factory) Get(id string) (Adapter, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	a, ok := f.adapters[id]
	return a, ok
}

// IDs returns the registered provider IDs in sorted order.
func (f *Factory) IDs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]string, 0, len(f.adapters))
	for id := range f.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
