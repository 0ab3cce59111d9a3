package module

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"github.com/lcx/nexus/log"
)

// Registry holds server modules keyed by their concrete type and drives
// dependency-ordered initialization.
type Registry struct {
	mu      sync.RWMutex
	entries map[reflect.Type]*entry
}

// NewRegistry creates an empty module registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[reflect.Type]*entry)}
}

// Add registers a module under its concrete type. Registering a second module
// of the same type is an error.
func (r *Registry) Add(m ServerModule) error {
	if m == nil {
		return fmt.Errorf("module cannot be nil")
	}
	t := reflect.TypeOf(m)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[t]; ok {
		return fmt.Errorf("module type %s already registered", t)
	}
	r.entries[t] = &entry{mod: m}
	return nil
}

// Get looks up a module by its concrete type.
func (r *Registry) Get(t reflect.Type) (ServerModule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[t]
	if !ok {
		return nil, false
	}
	return e.mod, true
}

// StateOf reports the lifecycle state of the module registered under t.
func (r *Registry) StateOf(t reflect.Type) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[t]
	if !ok {
		return StateUninitialized, false
	}
	return e.getState(), true
}

// Len returns the number of registered modules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// GetModule returns the registered module of concrete type T.
func GetModule[T ServerModule](r *Registry) (T, bool) {
	var zero T
	m, ok := r.Get(reflect.TypeOf(zero))
	if !ok {
		return zero, false
	}
	t, ok := m.(T)
	return t, ok
}

// InitializeAll initializes every registered module in dependency order.
//
// A circular dependency is unrecoverable and aborts the whole run. A module
// with a missing or failed dependency is marked failed and skipped while the
// remaining modules still initialize; those per-module errors are aggregated
// into the returned error.
//
// Iteration order over modules with no dependency relation is made
// deterministic by sorting on module name.
func (r *Registry) InitializeAll(host Host) error {
	r.mu.RLock()
	types := make([]reflect.Type, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	r.mu.RUnlock()

	sort.Slice(types, func(i, j int) bool {
		return r.entries[types[i]].mod.Name() < r.entries[types[j]].mod.Name()
	})

	var errs error
	for _, t := range types {
		if err := r.initModule(t, host, nil); err != nil {
			if cyc, ok := err.(*CircularDependencyError); ok {
				return cyc
			}
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// initModule initializes one module after its dependency closure, tracking the
// DFS path in stack for cycle reporting.
func (r *Registry) initModule(t reflect.Type, host Host, stack []reflect.Type) error {
	r.mu.RLock()
	e, ok := r.entries[t]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	switch e.getState() {
	case StateInitialized:
		return nil
	case StateFailed:
		return e.err
	case StateInitializing:
		return &CircularDependencyError{Cycle: cycleNames(r, stack, t)}
	}

	e.setState(StateInitializing)
	stack = append(stack, t)

	for _, dep := range e.mod.Dependencies() {
		r.mu.RLock()
		de, registered := r.entries[dep]
		r.mu.RUnlock()
		if !registered {
			e.err = &MissingDependencyError{Module: e.mod.Name(), Dependency: dep.String()}
			e.setState(StateFailed)
			log.Error().Str("module", e.mod.Name()).Str("dependency", dep.String()).
				Msg("module dependency not registered")
			return e.err
		}
		if err := r.initModule(dep, host, stack); err != nil {
			if _, ok := err.(*CircularDependencyError); ok {
				return err
			}
			e.err = &DependencyFailedError{Module: e.mod.Name(), Dependency: de.mod.Name()}
			e.setState(StateFailed)
			return e.err
		}
	}

	if od, ok := e.mod.(OptionalDepender); ok {
		for _, dep := range od.OptionalDependencies() {
			r.mu.RLock()
			_, registered := r.entries[dep]
			r.mu.RUnlock()
			if !registered {
				continue
			}
			if err := r.initModule(dep, host, stack); err != nil {
				if _, ok := err.(*CircularDependencyError); ok {
					return err
				}
				// Optional dependency failure is tolerated.
				log.Warn().Str("module", e.mod.Name()).Str("dependency", dep.String()).
					Msg("optional module dependency failed")
			}
		}
	}

	if err := e.mod.Initialize(host); err != nil {
		e.err = &InitError{Module: e.mod.Name(), Err: err}
		e.setState(StateFailed)
		log.Error().Err(err).Str("module", e.mod.Name()).Msg("module initialization failed")
		return e.err
	}

	e.setState(StateInitialized)
	log.Info().Str("module", e.mod.Name()).Msg("module initialized")
	return nil
}

func cycleNames(r *Registry, stack []reflect.Type, repeat reflect.Type) []string {
	start := 0
	for i, t := range stack {
		if t == repeat {
			start = i
			break
		}
	}
	names := make([]string, 0, len(stack)-start+1)
	for _, t := range stack[start:] {
		names = append(names, r.entries[t].mod.Name())
	}
	names = append(names, r.entries[repeat].mod.Name())
	return names
}
