// Package db defines the database accessor abstraction shared by server
// modules. Concrete accessors wrap a specific backend; modules retrieve the
// accessors they need from the registry by type, never through ambient
// singletons.
package db

import (
	"errors"
)

var (
	// ErrRecordNotExist indicates that the requested record could not be found.
	ErrRecordNotExist = errors.New("RecordNotExistErr")
	// ErrRecordExist indicates that the record already exists and cannot be inserted.
	ErrRecordExist = errors.New("RecordAlreadyExist")
	// ErrAccessorNotFound indicates that no accessor of the requested type is registered.
	ErrAccessorNotFound = errors.New("AccessorNotFound")
)

// Accessor is the marker interface for database accessors. Each accessor
// exposes a domain-specific API (accounts, profiles, match history); this
// package only manages their registration and lookup.
type Accessor interface {
	// AccessorName identifies the accessor in logs and errors.
	AccessorName() string
}
