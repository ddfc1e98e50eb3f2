package logging

import "fmt"

// OperationError annotates an infrastructure failure (model fetch, runtime
// setup, upload staging) with where it happened.
type OperationError struct {
	Operation string
	RequestID string
	// Attempt is the 1-based attempt that produced Err; zero when the
	// operation is not retried.
	Attempt int
	Err     error
}

func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	msg := e.Operation
	if e.RequestID != "" {
		msg = fmt.Sprintf("%s (request_id=%s)", msg, e.RequestID)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s [attempt %d]", msg, e.Attempt)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps err with the operation it occurred in. A nil err
// stays nil.
func NewOperationError(operation, requestID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RequestID: requestID, Err: err}
}

// NewAttemptError is NewOperationError for retried operations.
func NewAttemptError(operation string, attempt int, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, Attempt: attempt, Err: err}
}
