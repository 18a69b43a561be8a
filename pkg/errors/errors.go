package errors

import (
	"errors"
	"fmt"
)

// Standard errors
var (
	// ErrNotFound is returned when no record exists for an id within a tenant
	ErrNotFound = errors.New("resource not found")

	// ErrVersionConflict is returned when an optimistic update loses against a concurrent writer.
	// Callers re-fetch and retry.
	ErrVersionConflict = errors.New("version conflict")

	// ErrCrossTenantDenied is returned when a non-system caller addresses another tenant
	ErrCrossTenantDenied = errors.New("cross-tenant access denied")

	// ErrPermissionDenied is returned when the caller's role lacks the operation
	ErrPermissionDenied = errors.New("permission denied")

	// ErrStorageUnavailable is returned when the metadata store cannot be reached after retries
	ErrStorageUnavailable = errors.New("metadata store unavailable")

	// ErrIndexUnavailable is returned when the vector index is unreachable or timed out
	ErrIndexUnavailable = errors.New("vector index unavailable")

	// ErrEmbeddingUnavailable is returned when no embedding could be produced
	ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

	// ErrValidation is returned for malformed input. Never retried.
	ErrValidation = errors.New("validation error")

	// ErrDuplicate is returned when new content is too close to an existing memory to be worth storing
	ErrDuplicate = errors.New("near-duplicate memory")

	// ErrInvalidTransition is returned when a status change is not allowed by the lifecycle
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrLuaExecution is returned when there's an error executing a Lua script
	ErrLuaExecution = errors.New("lua script execution error")

	// ErrFunctionNotFound is returned when a Lua function is not defined
	ErrFunctionNotFound = errors.New("lua function not found")
)

// Wrap wraps an error with additional context
func Wrap(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Mark attaches a sentinel to err so that Is(result, sentinel) holds while
// the original error stays inspectable.
func Mark(err, sentinel error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// Is reports whether any error in err's tree matches target.
// This is a convenience function that wraps errors.Is
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target, and if so, sets
// target to that error value and returns true. Otherwise, it returns false.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// IsPermanent reports whether err is a domain error that retrying cannot fix.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDuplicate) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrCrossTenantDenied) ||
		errors.Is(err, ErrPermissionDenied)
}
