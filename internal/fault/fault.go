// Package fault defines the sentinel errors shared by the cortex stores.
// Callers classify failures with errors.Is; stores wrap these with
// fmt.Errorf("...: %w", ...) to add context.
package fault

import "errors"

var (
	// ErrValidation marks malformed input. Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a referenced entity that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks an optimistic-concurrency write collision.
	// Callers retry with fresh state, bounded.
	ErrConflict = errors.New("write conflict")

	// ErrCorruptHistory marks a checkpoint ancestry cycle or dangling
	// parent. Fatal, never repaired silently.
	ErrCorruptHistory = errors.New("corrupt checkpoint history")

	// ErrTimedOut marks a caller-side wait that elapsed. The underlying
	// entity is untouched and the operation is resumable.
	ErrTimedOut = errors.New("timed out")

	// ErrExpired marks a review attempted past the request's deadline.
	ErrExpired = errors.New("request expired")

	// ErrAlreadyDecided marks a second review of a non-pending request.
	ErrAlreadyDecided = errors.New("request already decided")

	// ErrUnavailable marks a storage backend that stayed unreachable
	// after bounded retries.
	ErrUnavailable = errors.New("storage unavailable")
)
