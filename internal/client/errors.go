package client

import (
	"errors"
	"fmt"
	"time"
)

// JobErrorKind classifies a failed remote job lookup.
type JobErrorKind string

const (
	JobErrorNotFound    JobErrorKind = "not_found"
	JobErrorRateLimited JobErrorKind = "rate_limited"
	JobErrorService     JobErrorKind = "service_error"
)

var (
	ErrJobNotFound    = errors.New("remote job not found")
	ErrJobRateLimited = errors.New("remote service rate limited")
	ErrJobService     = errors.New("remote service error")
)

// JobError is returned by JobStatusClient implementations.
type JobError struct {
	Kind       JobErrorKind
	StatusCode int
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *JobError) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg != "" {
			msg += ": "
		}
		msg += e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("astria %s (status %d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("astria %s: %s", e.Kind, msg)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the sentinel for the error's kind.
func (e *JobError) Is(target error) bool {
	switch target {
	case ErrJobNotFound:
		return e.Kind == JobErrorNotFound
	case ErrJobRateLimited:
		return e.Kind == JobErrorRateLimited
	case ErrJobService:
		return e.Kind == JobErrorService
	}
	return false
}
