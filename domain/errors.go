package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is the root of every input rejection. Use errors.Is to test for it.
	ErrValidation = errors.New("validation failed")

	// ErrPersistence is wrapped around load and save failures of the route store.
	ErrPersistence = errors.New("persistence failure")
)

// ValidationError reports a rejected input field before any state is changed.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError returns a *ValidationError for the given field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
