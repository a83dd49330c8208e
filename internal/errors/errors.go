// Package errors provides error codes shared by the offline engine components.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a stable, machine-readable error kind.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Local store errors
	ErrStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"
	ErrMigration          ErrorCode = "MIGRATION_FAILED"

	// Network boundary errors
	ErrNetwork           ErrorCode = "NETWORK_ERROR"
	ErrHTTPStatus        ErrorCode = "HTTP_STATUS"
	ErrMalformedResponse ErrorCode = "MALFORMED_RESPONSE"
	ErrServerOffline     ErrorCode = "SERVER_OFFLINE"

	// Sync errors
	ErrOffline        ErrorCode = "OFFLINE"
	ErrSyncInProgress ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncFailed     ErrorCode = "SYNC_FAILED"
	ErrQueueFull      ErrorCode = "QUEUE_FULL"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
	// Status carries the HTTP status for ErrHTTPStatus errors.
	Status int
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// HTTPStatus creates an ErrHTTPStatus error for a non-success response.
func HTTPStatus(status int, message string) *AppError {
	return &AppError{
		Code:    ErrHTTPStatus,
		Message: message,
		Status:  status,
	}
}

// Is checks if any error in err's chain is an AppError with the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the code of the first AppError in err's chain,
// or ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// StatusOf returns the HTTP status carried by an ErrHTTPStatus error in
// err's chain, or 0.
func StatusOf(err error) int {
	var appErr *AppError
	if stderrors.As(err, &appErr) && appErr.Code == ErrHTTPStatus {
		return appErr.Status
	}
	return 0
}

// Transient reports whether err is a recoverable network-side failure.
// Reads fall back to the local mirror and writes fall back to the queue.
func Transient(err error) bool {
	switch CodeOf(err) {
	case ErrNetwork, ErrHTTPStatus, ErrMalformedResponse, ErrServerOffline, ErrOffline:
		return true
	}
	return false
}
