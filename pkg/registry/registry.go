// Package registry tracks which bus resources already have a live control
// interface in this process, so discovery can borrow an open session instead
// of opening a second one against the same device.
package registry

import (
	"errors"
	"runtime"
	"sync"
	"weak"
)

// ErrInUse is returned when registering a resource that already has a live
// handle.
var ErrInUse = errors.New("resource already has a live control interface")

// Registry maps a resource name to a weakly held handle. Entries disappear
// once the handle is garbage collected or explicitly removed.
type Registry[T any] struct {
	mu      sync.Mutex
	entries map[string]weak.Pointer[T]
}

// New creates an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{entries: make(map[string]weak.Pointer[T])}
}

// Register records h for resource. It fails with ErrInUse if another live
// handle is registered under the same name.
func (r *Registry[T]) Register(resource string, h *T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if wp, ok := r.entries[resource]; ok {
		if cur := wp.Value(); cur != nil && cur != h {
			return ErrInUse
		}
	}
	wp := weak.Make(h)
	r.entries[resource] = wp
	runtime.AddCleanup(h, r.prune, cleanupArg[T]{resource: resource, wp: wp})
	return nil
}

type cleanupArg[T any] struct {
	resource string
	wp       weak.Pointer[T]
}

// prune drops an entry whose handle was collected, unless it has been
// re-registered with a different handle since.
func (r *Registry[T]) prune(arg cleanupArg[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[arg.resource]; ok && cur == arg.wp {
		delete(r.entries, arg.resource)
	}
}

// Lookup returns the live handle for resource, if any.
func (r *Registry[T]) Lookup(resource string) (*T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLocked(resource)
}

func (r *Registry[T]) lookupLocked(resource string) (*T, bool) {
	wp, ok := r.entries[resource]
	if !ok {
		return nil, false
	}
	h := wp.Value()
	if h == nil {
		delete(r.entries, resource)
		return nil, false
	}
	return h, true
}

// With calls fn while holding the registry mutex, passing the live handle
// for resource or nil. Registration and removal by other goroutines block
// until fn returns.
func (r *Registry[T]) With(resource string, fn func(h *T) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, _ := r.lookupLocked(resource)
	return fn(h)
}

// Remove drops the entry for resource.
func (r *Registry[T]) Remove(resource string) {
	r.mu.Lock()
	delete(r.entries, resource)
	r.mu.Unlock()
}

// Len returns the number of live entries.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for name, wp := range r.entries {
		if wp.Value() == nil {
			delete(r.entries, name)
			continue
		}
		n++
	}
	return n
}
