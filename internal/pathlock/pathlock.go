// Package pathlock serializes writers of shared files within the process.
// There is no cross-process locking; two orchestrator instances pointed at
// the same checklist are unsupported.
package pathlock

import (
	"path/filepath"
	"sync"
)

// Registry maps canonicalized paths to mutexes, created on first access
type Registry struct {
	locks map[string]*sync.Mutex
	mu    sync.Mutex
}

// NewRegistry creates an empty lock registry
func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*sync.Mutex)}
}

// Get returns the mutex guarding the given path
func (r *Registry) Get(path string) *sync.Mutex {
	key := canonical(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[key]
	if !ok {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	return l
}

func canonical(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}
