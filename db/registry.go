package db

import (
	"fmt"
	"reflect"
	"sync"
)

// Registry holds database accessors keyed by interface type. A module asks
// for the accessor interface it depends on and receives whatever concrete
// implementation the server wired in.
type Registry struct {
	mu        sync.RWMutex
	accessors map[reflect.Type]Accessor
}

// NewRegistry creates an empty accessor registry.
func NewRegistry() *Registry {
	return &Registry{accessors: make(map[reflect.Type]Accessor)}
}

// SetAccessor registers impl under the interface type T, replacing any
// previous registration.
func SetAccessor[T Accessor](r *Registry, impl T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accessors[typeOf[T]()] = impl
}

// GetAccessor returns the accessor registered under the interface type T.
func GetAccessor[T Accessor](r *Registry) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var zero T
	a, ok := r.accessors[typeOf[T]()]
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrAccessorNotFound, typeOf[T]())
	}
	t, ok := a.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s registered with mismatched type", ErrAccessorNotFound, typeOf[T]())
	}
	return t, nil
}

// Len returns the number of registered accessors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.accessors)
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}
