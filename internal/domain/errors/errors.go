// Package errors provides domain-specific errors for the sync service.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors for common domain error conditions.
var (
	ErrJobNotFound         = errors.New("sync job not found")
	ErrJobActive           = errors.New("sync job is already active")
	ErrNotResumable        = errors.New("sync job is not resumable")
	ErrUnknownTransform    = errors.New("unknown transform")
	ErrMissingPrimaryKey   = errors.New("record is missing a primary key column")
	ErrUnresolvedConflict  = errors.New("conflict could not be resolved")
	ErrShutdown            = errors.New("sync job is shutting down")
	ErrEventNotFound       = errors.New("audit event not found")
	ErrUnsupportedDriver   = errors.New("unsupported database driver")
	ErrUnsupportedStrategy = errors.New("unsupported conflict strategy")
)

// ErrorCode categorizes errors for handling and reporting.
type ErrorCode string

const (
	CodeValidation    ErrorCode = "VALIDATION"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeConfiguration ErrorCode = "CONFIG"
	// CodeTransient marks connection resets, deadlocks and timeouts. Only these are retried.
	CodeTransient ErrorCode = "TRANSIENT"
	// CodeData marks records rejected by validation or by data constraints in the target.
	CodeData     ErrorCode = "DATA"
	CodeConflict ErrorCode = "CONFLICT"
	// CodeSchema marks missing primary keys and unknown columns; never retried.
	CodeSchema ErrorCode = "SCHEMA"
	// CodeFatal fails the whole job.
	CodeFatal ErrorCode = "FATAL"
)

// SyncError wraps errors with additional context for debugging and handling.
type SyncError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error returns a formatted error string including the code, message, and cause if present.
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for use with errors.Is and errors.As.
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// NewError creates a new SyncError with the given code, message, and optional cause.
func NewError(code ErrorCode, message string, cause error) *SyncError {
	return &SyncError{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds a key-value pair to the error's context and returns the error.
// This allows for method chaining when adding multiple context values.
func WithContext(err *SyncError, key string, value interface{}) *SyncError {
	if err.Context == nil {
		err.Context = make(map[string]interface{})
	}
	err.Context[key] = value
	return err
}

// Is reports whether err matches target using errors.Is semantics.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target and sets target to that error value.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New creates a new validation SyncError with the given domain and message.
func New(domain, message string) *SyncError {
	return &SyncError{
		Code:    CodeValidation,
		Message: fmt.Sprintf("[%s] %s", domain, message),
		Context: make(map[string]interface{}),
	}
}

// CodeOf returns the code of the first SyncError in err's chain.
// Context deadlines and network errors that were never classified are reported
// as transient; anything else unclassified is reported as data.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return CodeTransient
	}
	return CodeData
}

// IsRetryable reports whether the error should be retried under the retry policy.
func IsRetryable(err error) bool {
	return CodeOf(err) == CodeTransient
}

// Transient is shorthand for NewError(CodeTransient, message, cause).
func Transient(message string, cause error) *SyncError {
	return NewError(CodeTransient, message, cause)
}
