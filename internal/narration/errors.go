package narration

import "errors"

var (
	ErrEmptyText          = errors.New("narration: no readable text")
	ErrMissingCredentials = errors.New("narration: missing credentials")
	ErrMissingSessionKey  = errors.New("narration: missing session key")
)

const (
	messageEmptyText          = "No readable text found on this page."
	messageMissingCredentials = "Add your AWS access key and secret to the narrator configuration first."
)

// ValidationError is returned by Start when the request is rejected before
// any network call. Error returns the user-facing message, Unwrap the cause.
type ValidationError struct {
	Message string
	Err     error
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error { return e.Err }
