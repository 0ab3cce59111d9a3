package module

import (
	"fmt"
	"strings"
)

// CircularDependencyError aborts initialization entirely. The cycle lists the
// module names along the loop, first repeated last.
type CircularDependencyError struct {
	Cycle []string
}

func (e *CircularDependencyError) Error() string {
	return "circular module dependency: " + strings.Join(e.Cycle, " -> ")
}

// MissingDependencyError marks a module whose declared dependency is not
// registered. Only the declaring module fails; the rest keep initializing.
type MissingDependencyError struct {
	Module     string
	Dependency string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("module %s requires unregistered module type %s", e.Module, e.Dependency)
}

// DependencyFailedError marks a module skipped because a dependency failed to
// initialize.
type DependencyFailedError struct {
	Module     string
	Dependency string
}

func (e *DependencyFailedError) Error() string {
	return fmt.Sprintf("module %s not initialized: dependency %s failed", e.Module, e.Dependency)
}

// InitError wraps the error a module's Initialize returned.
type InitError struct {
	Module string
	Err    error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("module %s failed to initialize: %v", e.Module, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}
