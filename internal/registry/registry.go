package registry

import (
	"sort"
	"sync"
)

// Registry is an insert-only set of unit identities.
type Registry struct {
	mu      sync.RWMutex
	records map[string]struct{} // unit ID -> committed
}

// New creates an empty registry.
// Most callers want Default; New exists for isolated tests and tools.
func New() *Registry {
	return &Registry{
		records: make(map[string]struct{}),
	}
}

var defaultRegistry = New()

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}

// IsRecorded reports whether id has committed a transformation (query).
func (r *Registry) IsRecorded(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[id]
	return ok
}

// Record marks id as committed (command).
// Returns true if this call created the record, false if it already existed.
func (r *Registry) Record(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[id]; ok {
		return false
	}
	r.records[id] = struct{}{}
	return true
}

// Len returns the number of recorded units (query).
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// List returns the recorded identities in lexical order (query).
func (r *Registry) List() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}
