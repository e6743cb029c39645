package domain

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed input. It maps to HTTP 400 and aborts a job
// before any device is contacted.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError formats a ValidationError.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// DatabaseError wraps a persistence failure. It maps to HTTP 500.
type DatabaseError struct {
	Message string
	Err     error
}

func (e *DatabaseError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *DatabaseError) Unwrap() error {
	return e.Err
}

// NewDatabaseError wraps err with a description of the failed operation.
func NewDatabaseError(message string, err error) *DatabaseError {
	return &DatabaseError{Message: message, Err: err}
}

// IsValidationError reports whether err carries a ValidationError.
func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsDatabaseError reports whether err carries a DatabaseError.
func IsDatabaseError(err error) bool {
	var target *DatabaseError
	return errors.As(err, &target)
}
