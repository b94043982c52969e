package service

import "errors"

var (
	// ErrSessionNotFound means no session exists with the given ID.
	ErrSessionNotFound = errors.New("session not found")
	// ErrForbidden means the caller does not own the session.
	ErrForbidden = errors.New("session belongs to another user")
	// ErrRemote wraps a failed job status lookup. Nothing was mutated.
	ErrRemote = errors.New("remote job lookup failed")
	// ErrPersistence wraps a failed store read or write.
	ErrPersistence = errors.New("persistence failure")
	// ErrInvalidState means the session is not in a status that allows the
	// requested operation.
	ErrInvalidState = errors.New("session is not in a valid state for this operation")
)
