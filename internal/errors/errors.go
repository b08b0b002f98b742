package errors

import (
	"errors"
)

// Sentinel errors for different categories
var (
	// ErrTransient - transient dependency failure (network/remote-file/model); retried with backoff
	ErrTransient = errors.New("transient error")

	// ErrLockTimeout - session lock could not be acquired within the timeout
	ErrLockTimeout = errors.New("lock timeout")

	// ErrBreakerOpen - circuit breaker rejected the call without attempting it
	ErrBreakerOpen = errors.New("circuit breaker open")

	// ErrNotFound - resource not found (unknown task or session)
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput - invalid input (malformed submission or human input)
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict - conflicting state transition (e.g. terminal-status overwrite)
	ErrConflict = errors.New("conflict")

	// ErrInvalidModelOutput - planner/generator returned malformed content
	ErrInvalidModelOutput = errors.New("invalid model output")

	// ErrUnhealthy - post-write health probe failed; triggers rollback, not a bug
	ErrUnhealthy = errors.New("deployment unhealthy")

	// ErrInternal - internal error
	ErrInternal = errors.New("internal error")
)
