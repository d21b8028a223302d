package notifications

import (
	"errors"
	"time"
)

// Queue errors.
var (
	ErrEntryNotFound    = errors.New("queue entry not found")
	ErrClaimLost        = errors.New("queue entry is no longer held by this claim")
	ErrNotRetryable     = errors.New("queue entry is not in a retryable status")
	ErrQueueUnavailable = errors.New("notification queue unavailable")
)

// Worker errors.
var (
	ErrInvalidLimit = errors.New("invalid batch limit")
)

// RetryableError wraps an error and marks it as retryable or not.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

// IsRetryable returns whether the error is retryable.
func (e *RetryableError) IsRetryable() bool {
	return e.Retryable
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a retryable error.
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: true}
}

// NewNonRetryableError creates a non-retryable error.
func NewNonRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: false}
}

type retryable interface {
	IsRetryable() bool
}

// IsRetryable checks if an error is retryable.
// Errors that do not say otherwise are retried.
func IsRetryable(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}

type retryDelayer interface {
	RetryDelay() time.Duration
}

// RetryDelay returns the wait a provider asked for before the next attempt,
// such as an HTTP 429 Retry-After, or zero when err carries none.
func RetryDelay(err error) time.Duration {
	var d retryDelayer
	if errors.As(err, &d) {
		return max(d.RetryDelay(), 0)
	}
	return 0
}
