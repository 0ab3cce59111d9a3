// Package module implements the server module system: typed registration,
// dependency declaration and ordered initialization with cycle detection.
package module

import (
	"reflect"
	"sync/atomic"
)

// State tracks a module through its lifecycle.
type State int32

const (
	// StateUninitialized is the state before InitializeAll runs.
	StateUninitialized State = iota
	// StateInitializing marks a module whose Initialize is on the stack.
	StateInitializing
	// StateInitialized marks a successfully initialized module.
	StateInitialized
	// StateFailed marks a module whose Initialize returned an error or whose
	// dependencies could not be satisfied.
	StateFailed
)

// String returns a readable state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateInitialized:
		return "initialized"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Host is what a module sees of the server during initialization. Lookups by
// type let a module grab the concrete dependencies it declared.
type Host interface {
	// Module returns the registered module of the given type, or nil.
	Module(t reflect.Type) ServerModule
}

// ServerModule is one unit of server functionality. Modules declare their
// dependencies by type; the registry initializes them in dependency order.
type ServerModule interface {
	// Name identifies the module in logs and errors.
	Name() string

	// Dependencies lists module types that must be registered and
	// initialized before this module.
	Dependencies() []reflect.Type

	// Initialize wires the module against its dependencies.
	Initialize(host Host) error
}

// OptionalDepender is implemented by modules with soft dependencies. An
// optional dependency is initialized first when present but its absence does
// not fail the module.
type OptionalDepender interface {
	OptionalDependencies() []reflect.Type
}

// DependencyType returns the reflect key under which a module type is
// registered and looked up.
func DependencyType[T ServerModule]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

type entry struct {
	mod   ServerModule
	state atomic.Int32
	err   error
}

func (e *entry) setState(s State) {
	e.state.Store(int32(s))
}

func (e *entry) getState() State {
	return State(e.state.Load())
}
