package models

import (
	"errors"
	"fmt"
)

var (
	ErrPolicyNotFound        = errors.New("policy not found")
	ErrEncryptionKeyNotFound = errors.New("encryption key not found")
)

// InvalidArgumentError reports caller supplied data that violates a precondition.
// Origin identifies the operation the caller invoked.
type InvalidArgumentError struct {
	Message string
	Origin  string
}

func (e *InvalidArgumentError) Error() string {
	if e.Origin == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (origin: %s)", e.Message, e.Origin)
}

// InternalFailureError carries a generic, non-leaking message for the caller.
// Err holds the underlying cause and is only meant for logs.
type InternalFailureError struct {
	Message string
	Origin  string
	Err     error
}

func (e *InternalFailureError) Error() string {
	if e.Origin == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (origin: %s)", e.Message, e.Origin)
}

func (e *InternalFailureError) Unwrap() error {
	return e.Err
}

func NewInvalidArgument(message, origin string) *InvalidArgumentError {
	return &InvalidArgumentError{Message: message, Origin: origin}
}

func NewInternalFailure(message, origin string, err error) *InternalFailureError {
	return &InternalFailureError{Message: message, Origin: origin, Err: err}
}

// TagInvalidArgument sets origin on an InvalidArgumentError found in err's chain
// unless it is already tagged. It reports whether err was an invalid argument.
func TagInvalidArgument(err error, origin string) (*InvalidArgumentError, bool) {
	var invalid *InvalidArgumentError
	if !errors.As(err, &invalid) {
		return nil, false
	}
	if invalid.Origin == "" {
		return &InvalidArgumentError{Message: invalid.Message, Origin: origin}, true
	}
	return invalid, true
}
