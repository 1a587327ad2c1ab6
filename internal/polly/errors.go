package polly

import (
	"errors"
	"fmt"
)

// ErrCancelled is returned when the caller's context ends before or during a
// synthesis request.
var ErrCancelled = errors.New("polly: request cancelled")

// TransportError wraps failures that happened before Polly produced a
// response: DNS, dial, TLS, or a connection dropped mid-body.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("Amazon Polly request failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ServiceError is a non-2xx response from Polly.
type ServiceError struct {
	StatusCode int
	Message    string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("Amazon Polly failed (%d): %s", e.StatusCode, e.Message)
}
