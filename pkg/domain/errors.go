package domain

import "errors"

// Error sentinels shared by persistence backends and the registration
// service. Backends wrap driver errors with these so callers can classify
// failures with errors.Is.
var (
	// ErrInvalidRequest marks a malformed request; it is never retried.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrParticipantExists is returned when a create races a concurrent
	// create of the same participant id.
	ErrParticipantExists = errors.New("participant already exists")
	// ErrParticipantNotFound is returned by updates of an unknown id.
	ErrParticipantNotFound = errors.New("participant not found")
	// ErrTransient marks storage contention (serialization failure,
	// deadlock, busy database) that is safe to retry.
	ErrTransient = errors.New("transient storage contention")
	// ErrStorageUnavailable marks an unreachable storage backend.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrRetriesExhausted is returned once bounded retries are used up.
	ErrRetriesExhausted = errors.New("registration retries exhausted")
)

// Retryable reports whether err belongs to a class the registration service
// retries.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrParticipantExists) ||
		errors.Is(err, ErrStorageUnavailable)
}
