package state

import "errors"

// Domain errors for the state package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, state.ErrInvariantViolation) {
//	    // drop and log, never propagate to subscribers
//	}
var (
	// ErrInvariantViolation is returned when applying an event would break a
	// store invariant. Such events are logged and dropped; they are never
	// surfaced to callers or subscribers as if they occurred.
	ErrInvariantViolation = errors.New("state: invariant violation")

	// ErrUnknownBackend is returned when an event names a backend the store
	// does not manage.
	ErrUnknownBackend = errors.New("state: unknown backend")

	// ErrUnknownEntity is returned when an operation targets an entity not
	// present in the store.
	ErrUnknownEntity = errors.New("state: unknown entity")
)
