// Package errors provides error code definitions shared by the replica,
// the sync driver and the sync server.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a stable, machine-readable error code.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase   ErrorCode = "DATABASE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Note errors
	ErrNoteNotFound  ErrorCode = "NOTE_NOT_FOUND"
	ErrBlockNotFound ErrorCode = "BLOCK_NOT_FOUND"

	// Sync errors
	ErrSyncNotConfigured     ErrorCode = "SYNC_NOT_CONFIGURED"
	ErrSyncFailed            ErrorCode = "SYNC_FAILED"
	ErrSyncTimeout           ErrorCode = "SYNC_TIMEOUT"
	ErrSyncDisconnected      ErrorCode = "SYNC_DISCONNECTED"
	ErrSyncStale             ErrorCode = "SYNC_STALE"
	ErrSyncLocked            ErrorCode = "SYNC_LOCKED"
	ErrSyncProtocol          ErrorCode = "SYNC_PROTOCOL"
	ErrSyncNoResolver        ErrorCode = "SYNC_NO_RESOLVER"
	ErrSyncUnknownPriorState ErrorCode = "SYNC_UNKNOWN_PRIOR_STATE"
	ErrNotLeader             ErrorCode = "NOT_LEADER"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
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

// Is checks if an error, or any error it wraps, carries a specific code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain,
// or ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Retryable reports whether an error is a transient sync condition that
// the caller may retry later without losing data.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case ErrSyncTimeout, ErrSyncDisconnected, ErrSyncStale, ErrSyncLocked, ErrSyncFailed:
		return true
	}
	return false
}
