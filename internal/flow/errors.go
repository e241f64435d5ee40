// ABOUTME: Error kinds for the progressive flow engine
// ABOUTME: Sentinels plus InputError, which keeps the flow on the same field

package flow

import (
	"errors"
	"fmt"
)

var (
	// ErrNoActiveFlow means no flow is running for the chat and topic.
	ErrNoActiveFlow = errors.New("no active flow")

	// ErrNotOwner means someone other than the flow's owner tried to drive it.
	ErrNotOwner = errors.New("flow belongs to another user")

	// ErrBusy means another user's flow is already active for the key.
	ErrBusy = errors.New("another flow is active here")

	// ErrInvalidInput is matched by every *InputError.
	ErrInvalidInput = errors.New("invalid input")

	// ErrWrongState means the operation does not apply in the flow's state.
	ErrWrongState = errors.New("operation not valid in this step")

	// ErrNoDefault means KeepDefault was used on a field without a default.
	ErrNoDefault = errors.New("field has no default")

	// ErrUnknownField means EditField named a field the flow does not have.
	ErrUnknownField = errors.New("unknown field")

	// ErrCancelled means the flow was cancelled or expired while an
	// operation was in flight.
	ErrCancelled = errors.New("flow cancelled")

	// ErrClosed means the engine has been shut down.
	ErrClosed = errors.New("flow engine closed")
)

// InputError reports a value rejected by a field's validator.
type InputError struct {
	Field string
	Err   error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *InputError) Unwrap() error { return e.Err }

// Is reports whether target is ErrInvalidInput.
func (e *InputError) Is(target error) bool { return target == ErrInvalidInput }
