package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingVariable indicates that an input set lacks a variable the template requires
	ErrMissingVariable = errors.New("missing template variable")

	// ErrStopMismatch indicates that the stop option is inconsistent across a batch of inputs
	ErrStopMismatch = errors.New("inconsistent stop option across inputs")

	// ErrBackend indicates that the generation backend reported a failure
	ErrBackend = errors.New("generation backend failure")

	// ErrParser indicates that an input or output parser transform failed
	ErrParser = errors.New("parser failure")

	// ErrEmptyResult indicates that the backend returned no generations for a prompt
	ErrEmptyResult = errors.New("backend returned empty result")

	// ErrInvalidTemplate indicates that a template and its input variables are inconsistent
	ErrInvalidTemplate = errors.New("invalid prompt template")
)

// Error represents a structured SDK error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new SDK error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// MissingVariable wraps ErrMissingVariable with the name of the absent variable.
func MissingVariable(name string) error {
	return NewError("missing_variable", fmt.Sprintf("variable %q is required by the template", name), ErrMissingVariable)
}

// StopMismatch wraps ErrStopMismatch with a description of the mismatch.
func StopMismatch(message string) error {
	return NewError("stop_mismatch", message, ErrStopMismatch)
}

// Backend wraps a backend-specific failure so callers can match it with IsBackend.
// The underlying error is preserved unmodified for errors.Is/As inspection.
func Backend(err error) error {
	return NewError("backend", "generate call failed", fmt.Errorf("%w: %w", ErrBackend, err))
}

// Parser wraps a parser transform failure.
func Parser(err error) error {
	return NewError("parser", "parse transform failed", fmt.Errorf("%w: %w", ErrParser, err))
}

// IsMissingVariable checks if an error stems from a missing template variable
func IsMissingVariable(err error) bool {
	return errors.Is(err, ErrMissingVariable)
}

// IsStopMismatch checks if an error stems from an inconsistent stop option
func IsStopMismatch(err error) bool {
	return errors.Is(err, ErrStopMismatch)
}

// IsBackend checks if an error originated in the generation backend
func IsBackend(err error) bool {
	return errors.Is(err, ErrBackend)
}

// IsParser checks if an error originated in a parser transform
func IsParser(err error) bool {
	return errors.Is(err, ErrParser)
}
