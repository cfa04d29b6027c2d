package models

import (
	"errors"
	"fmt"
)

// ErrSchemaValidation marks a malformed or contradictory request. Requests
// failing validation never reach a provider.
var ErrSchemaValidation = errors.New("schema validation failed")

// ErrToolResultLookup indicates a tool_result block referencing a tool_use id
// that does not appear earlier in the history.
var ErrToolResultLookup = errors.New("tool result references unknown tool use")

// ValidationError describes why a request was rejected. It matches
// ErrSchemaValidation with errors.Is, and Err when set.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func (e *ValidationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSchemaValidation}
	}
	return []error{ErrSchemaValidation, e.Err}
}

// Invalid builds a ValidationError for field.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
