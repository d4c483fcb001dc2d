package infer

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Adapter is a LoRA style weight overlay applied at generation time.
type Adapter struct {
	Name   string            `json:"name" yaml:"name"`
	Path   string            `json:"path" yaml:"path"`
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// Fingerprint hashes the adapter definition.
func (a Adapter) Fingerprint() uint64 {
	h := xxhash.New()
	h.WriteString(a.Name)
	h.Write([]byte{0})
	h.WriteString(a.Path)
	for _, k := range slices.Sorted(maps.Keys(a.Params)) {
		h.Write([]byte{0})
		h.WriteString(k)
		h.Write([]byte{'='})
		h.WriteString(a.Params[k])
	}
	return h.Sum64()
}

type adapterEntry struct {
	adapter     Adapter
	fingerprint uint64
}

// AdapterRegistry is an append-only name to adapter mapping owned by one
// engine. Entries never change once registered.
type AdapterRegistry struct {
	mu      sync.RWMutex
	entries map[string]adapterEntry
}

func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{entries: make(map[string]adapterEntry)}
}

// Register adds a. It reports whether the adapter is new. Registering the
// same name with a different definition fails with ErrAdapterConflict.
func (r *AdapterRegistry) Register(a Adapter) (bool, error) {
	if a.Name == "" {
		return false, configErrorf("adapter", "name is required")
	}
	fp := a.Fingerprint()

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[a.Name]; ok {
		if existing.fingerprint != fp {
			return false, fmt.Errorf("adapter %q: %w", a.Name, ErrAdapterConflict)
		}
		return false, nil
	}
	stored := a
	stored.Params = maps.Clone(a.Params)
	r.entries[a.Name] = adapterEntry{adapter: stored, fingerprint: fp}
	return true, nil
}

func (r *AdapterRegistry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Adapter{}, false
	}
	a := e.adapter
	a.Params = maps.Clone(e.adapter.Params)
	return a, true
}

// Names returns the registered names in sorted order.
func (r *AdapterRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.entries))
}
