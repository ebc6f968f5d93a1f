package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Store and validation error codes.
const (
	ErrCodeDuplicateJob      ErrorCode = "DUPLICATE_JOB"
	ErrCodeDuplicateNode     ErrorCode = "DUPLICATE_NODE"
	ErrCodeCyclicDependency  ErrorCode = "CYCLIC_DEPENDENCY"
	ErrCodeUnknownDependency ErrorCode = "UNKNOWN_DEPENDENCY"
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeStoreUnavailable  ErrorCode = "STORE_UNAVAILABLE"
)

// Scheduler error codes.
const (
	ErrCodeNodeTimeout  ErrorCode = "NODE_TIMEOUT"
	ErrCodeJobCancelled ErrorCode = "JOB_CANCELLED"
	ErrCodeRetryBudget  ErrorCode = "RETRY_BUDGET_EXHAUSTED"
)

// Backend and routing error codes.
const (
	ErrCodeBackendConfig        ErrorCode = "BACKEND_CONFIG"
	ErrCodeBackendUnavailable   ErrorCode = "BACKEND_UNAVAILABLE"
	ErrCodeBackendTimeout       ErrorCode = "BACKEND_TIMEOUT"
	ErrCodeMalformedResponse    ErrorCode = "MALFORMED_RESPONSE"
	ErrCodeEmptyCompletion      ErrorCode = "EMPTY_COMPLETION"
	ErrCodeAllBackendsExhausted ErrorCode = "ALL_BACKENDS_UNAVAILABLE"
)

// Error is a structured error with code, message, and retryability.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Backend   string    `json:"backend,omitempty"`
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

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
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

// WithBackend sets the backend name the error originated from.
func (e *Error) WithBackend(backend string) *Error {
	e.Backend = backend
	return e
}

// IsRetryable checks if an error is retryable. Errors that do not carry
// the taxonomy are conservatively treated as non-retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasErrorCode reports whether err carries the given code anywhere in
// its chain.
func HasErrorCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
