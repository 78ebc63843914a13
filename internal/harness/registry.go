package harness

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound reports a harness name with no registered implementation.
// Dispatch treats it as a per-task failure, never a scheduler crash.
var ErrNotFound = errors.New("harness not found")

// Registry maps harness name → implementation. Safe for concurrent use;
// lookups happen inside concurrently scheduled task pipelines.
type Registry struct {
	mu        sync.RWMutex
	harnesses map[string]Harness
}

func NewRegistry() *Registry {
	return &Registry{harnesses: map[string]Harness{}}
}

func (r *Registry) Register(h Harness) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.harnesses[h.Name()] = h
}

func (r *Registry) Get(name string) (Harness, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.harnesses[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrNotFound, name, r.namesLocked())
	}
	return h, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.harnesses))
	for n := range r.harnesses {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
