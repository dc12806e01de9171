package command

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the Router. Callers match with errors.Is.
var (
	// ErrUnknownBackend indicates the command names a backend with no
	// registered adapter.
	ErrUnknownBackend = errors.New("command: unknown backend")

	// ErrUnknownEntity indicates the command targets an entity that is not
	// present in the state store.
	ErrUnknownEntity = errors.New("command: unknown entity")

	// ErrInvalidTransition indicates the command is malformed or not legal
	// for the target's current state. Rejected before any adapter call.
	ErrInvalidTransition = errors.New("command: invalid transition")

	// ErrTimeout indicates the backend did not acknowledge within the
	// configured deadline. The operation may still complete; any resulting
	// change arrives through the normal event path.
	ErrTimeout = errors.New("command: backend timeout")
)

// BackendError wraps a failure reported by a backend adapter, preserving
// which backend and action failed.
type BackendError struct {
	Backend string
	Action  string
	Err     error
}

// Error returns the formatted error string.
func (e *BackendError) Error() string {
	return fmt.Sprintf("command: backend %s failed action %s: %v", e.Backend, e.Action, e.Err)
}

// Unwrap returns the underlying adapter error.
func (e *BackendError) Unwrap() error {
	return e.Err
}
