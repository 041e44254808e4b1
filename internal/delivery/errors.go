package delivery

import (
	"fmt"
)

// ValidationError is a malformed task or claim; never retried
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// TransientError is a network failure, timeout, or 5xx response
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return "transient delivery failure: " + e.Err.Error()
	}
	return fmt.Sprintf("transient delivery failure: HTTP %d", e.StatusCode)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RejectedError is a 4xx from the callback; retried at most once per lineage
type RejectedError struct {
	StatusCode int
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("callback rejected delivery: HTTP %d", e.StatusCode)
}

// UnexpectedStatusError is a response outside 2xx, 4xx and 5xx. Redirects land here
// because they are not followed.
type UnexpectedStatusError struct {
	StatusCode int
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected callback response: HTTP %d", e.StatusCode)
}

// ExhaustedError means the retry budget is spent and the task goes to dead-letter
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("max attempts reached (%d)", e.Attempts)
	}
	return fmt.Sprintf("max attempts reached (%d): %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }
