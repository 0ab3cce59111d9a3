// Package service provides the capability locator: auxiliary services such as
// mailing and localization are registered by interface type and looked up by
// the modules that need them. Like database accessors, services are explicit
// wiring, not ambient singletons.
package service

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// ErrServiceNotFound indicates no service of the requested type is registered.
var ErrServiceNotFound = errors.New("ServiceNotFound")

// Service is the marker interface for locatable capabilities.
type Service interface {
	// ServiceName identifies the service in logs and errors.
	ServiceName() string
}

// Locator holds services keyed by interface type.
type Locator struct {
	mu       sync.RWMutex
	services map[reflect.Type]Service
}

// NewLocator creates an empty locator.
func NewLocator() *Locator {
	return &Locator{services: make(map[reflect.Type]Service)}
}

// Set registers impl under the interface type T, replacing any previous
// registration.
func Set[T Service](l *Locator, impl T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services[typeOf[T]()] = impl
}

// Get returns the service registered under the interface type T.
func Get[T Service](l *Locator) (T, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var zero T
	s, ok := l.services[typeOf[T]()]
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrServiceNotFound, typeOf[T]())
	}
	t, ok := s.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s registered with mismatched type", ErrServiceNotFound, typeOf[T]())
	}
	return t, nil
}

// Len returns the number of registered services.
func (l *Locator) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.services)
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}
