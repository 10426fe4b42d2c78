// Package detection keeps the set of detector variants available to the
// orchestration engine.
package detection

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
)

// Factory builds a detector bound to session. An empty session is passed
// when a fresh worker is about to be created.
type Factory func(session scanning.Session) (scanning.Detector, error)

type entry struct {
	meta    scanning.Metadata
	factory Factory
}

var _ scanning.DetectorLoader = (*Registry)(nil)

// Registry maps module names to detector factories. It is populated once at
// startup and handed to the components that need it.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a variant. Registering the same module twice is an error.
func (r *Registry) Register(meta scanning.Metadata, factory Factory) error {
	if meta.Module == "" {
		return fmt.Errorf("registering detector: module name is empty")
	}
	if factory == nil {
		return fmt.Errorf("registering detector %q: factory is nil", meta.Module)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[meta.Module]; ok {
		return fmt.Errorf("registering detector %q: already registered", meta.Module)
	}
	r.entries[meta.Module] = entry{meta: meta, factory: factory}
	return nil
}

// List returns every registered variant's metadata ordered by module name.
func (r *Registry) List() []scanning.Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]scanning.Metadata, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Module < out[j].Module })
	return out
}

// Metadata returns the description of module.
func (r *Registry) Metadata(module string) (scanning.Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[module]
	if !ok {
		return scanning.Metadata{}, fmt.Errorf("%w: %q", scanning.ErrDetectorNotLoadable, module)
	}
	return e.meta, nil
}

// Load instantiates module's detector bound to session.
func (r *Registry) Load(module string, session scanning.Session) (scanning.Detector, error) {
	r.mu.RLock()
	e, ok := r.entries[module]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", scanning.ErrDetectorNotLoadable, module)
	}

	d, err := e.factory(session)
	if err != nil {
		return nil, fmt.Errorf("loading detector %q: %w", module, err)
	}
	return d, nil
}
