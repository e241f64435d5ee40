// ABOUTME: Error kinds returned by the configuration store
// ABOUTME: NotFound, Validation (incl. duplicates), Storage and Closed stay distinguishable

package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicate is matched by a *ValidationError caused by an id collision.
	ErrDuplicate = errors.New("already exists")

	// ErrStorage is matched by every *StorageError.
	ErrStorage = errors.New("storage failure")

	// ErrClosed is returned for mutations attempted after Close.
	ErrClosed = errors.New("store closed")

	// ErrNoDocument is returned by a Persister that has nothing saved yet.
	ErrNoDocument = errors.New("no persisted document")
)

// ValidationError describes malformed input for a single field.
type ValidationError struct {
	Field     string
	Msg       string
	duplicate bool
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// Is lets errors.Is match ErrValidation and, for id collisions, ErrDuplicate.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation || (e.duplicate && target == ErrDuplicate)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

func duplicate(field, id string) *ValidationError {
	return &ValidationError{Field: field, Msg: fmt.Sprintf("%q already exists", id), duplicate: true}
}

// StorageError reports a failed durable write. The triggering mutation was
// not applied.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is lets errors.Is match ErrStorage.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func notFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}
