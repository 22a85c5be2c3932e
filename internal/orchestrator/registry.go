package orchestrator

import (
	"fmt"
	"sync"

	wetwire "github.com/lex00/wetwire-vpn-go"
)

// Registry is the append-only set of handles published during a build.
type Registry struct {
	mu      sync.RWMutex
	handles wetwire.Handles
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(wetwire.Handles)}
}

// Publish adds handles. Publishing a name twice is an error.
func (r *Registry) Publish(h wetwire.Handles) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range h.Names() {
		if _, ok := r.handles[name]; ok {
			return fmt.Errorf("handle %s already published", name)
		}
	}
	for name, v := range h {
		r.handles[name] = v
	}
	return nil
}

// Lookup returns a published handle.
func (r *Registry) Lookup(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.handles[name]
	return v, ok
}

// Select returns the named handles; all must already be published.
func (r *Registry) Select(names []string) (wetwire.Handles, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(wetwire.Handles, len(names))
	for _, name := range names {
		v, ok := r.handles[name]
		if !ok {
			return nil, fmt.Errorf("handle %s not yet published", name)
		}
		out[name] = v
	}
	return out, nil
}

// Snapshot returns a copy of every published handle.
func (r *Registry) Snapshot() wetwire.Handles {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handles.Clone()
}
