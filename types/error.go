package types

import "fmt"

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Caller error codes
const (
	ErrInvalidArgument   ErrorCode = "INVALID_ARGUMENT"
	ErrNotFound          ErrorCode = "NOT_FOUND"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrAlreadyResolved   ErrorCode = "ALREADY_RESOLVED"
	ErrNotOwner          ErrorCode = "NOT_OWNER"
	ErrRateLimited       ErrorCode = "RATE_LIMITED"
)

// Contention error codes
const (
	ErrVersionConflict ErrorCode = "VERSION_CONFLICT"
)

// Downstream error codes
const (
	ErrHandlerNotFound  ErrorCode = "HANDLER_NOT_FOUND"
	ErrHandlerFailed    ErrorCode = "HANDLER_FAILED"
	ErrValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrInternalError    ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same error code, so callers can use
// errors.Is against package sentinels without pointer identity.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
