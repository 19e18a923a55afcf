package domain

import "errors"

var (
	// ErrInvalidRequest is returned when scheduling parameters are missing or malformed
	ErrInvalidRequest = errors.New("invalid request")

	// ErrRecipientSource is returned when the recipient list could not be produced
	ErrRecipientSource = errors.New("recipient source error")

	// ErrPersistence is returned when the job store is unavailable or a write fails
	ErrPersistence = errors.New("persistence error")

	// ErrQueue is returned when a work item could not be enqueued
	ErrQueue = errors.New("queue error")

	// ErrTransport is returned when the mail transport rejects a delivery
	ErrTransport = errors.New("transport error")

	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyTerminal is returned when a job has already been sent or failed
	ErrJobAlreadyTerminal = errors.New("job already in terminal status")

	// ErrJobAlreadyClaimed is returned when another worker holds an active claim on the job
	ErrJobAlreadyClaimed = errors.New("job already claimed by another worker")

	// ErrInvalidPayload is returned when a queue item is malformed
	ErrInvalidPayload = errors.New("invalid queue payload")
)

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
