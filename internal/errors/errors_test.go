// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func allCodes() []ErrorCode {
	return []ErrorCode{
		ErrInternal, ErrInvalid, ErrNotFound, ErrDuplicate, ErrValidation,
		ErrDatabase, ErrMigration, ErrConstraint,
		ErrNoteNotFound, ErrBlockNotFound,
		ErrSyncNotConfigured, ErrSyncFailed, ErrSyncTimeout, ErrSyncDisconnected,
		ErrSyncStale, ErrSyncLocked, ErrSyncProtocol, ErrSyncNoResolver,
		ErrSyncUnknownPriorState, ErrNotLeader,
	}
}

// TestErrorCodes_areUnique verifies all error codes are unique.
func TestErrorCodes_areUnique(t *testing.T) {
	seen := make(map[ErrorCode]bool)
	for _, code := range allCodes() {
		if code == "" {
			t.Error("ErrorCode should not be empty")
		}
		if seen[code] {
			t.Errorf("ErrorCode %q is duplicated", code)
		}
		seen[code] = true
	}
}

// TestErrorCode_prefix verifies error codes follow naming convention.
func TestErrorCode_prefix(t *testing.T) {
	for _, code := range allCodes() {
		str := string(code)
		if str != strings.ToUpper(str) {
			t.Errorf("ErrorCode %q should be uppercase", str)
		}
	}
}

// TestAppError_Error verifies error message formatting.
func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "error without underlying error",
			appError: &AppError{Code: ErrInternal, Message: "something failed"},
			want:     "[INTERNAL_ERROR] something failed",
		},
		{
			name:     "error with underlying error",
			appError: &AppError{Code: ErrDatabase, Message: "query failed", Err: errors.New("connection lost")},
			want:     "[DATABASE_ERROR] query failed: connection lost",
		},
		{
			name:     "sync locked",
			appError: &AppError{Code: ErrSyncLocked, Message: "push in flight"},
			want:     "[SYNC_LOCKED] push in flight",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.appError.Error()
			if got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestAppError_Unwrap verifies unwrapping of underlying error.
func TestAppError_Unwrap(t *testing.T) {
	underlyingErr := errors.New("underlying error")

	err := Wrap(ErrSyncTimeout, "request timed out", underlyingErr)
	if err.Unwrap() != underlyingErr {
		t.Errorf("Unwrap() = %v, want %v", err.Unwrap(), underlyingErr)
	}
	if !errors.Is(err, underlyingErr) {
		t.Error("errors.Is should see the wrapped error")
	}

	if New(ErrInternal, "failed").Unwrap() != nil {
		t.Error("New() should not wrap an error")
	}
}

// TestIs verifies error code checking.
func TestIs(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{
			name: "matching AppError",
			err:  New(ErrNotFound, "not found"),
			code: ErrNotFound,
			want: true,
		},
		{
			name: "non-matching AppError",
			err:  New(ErrNotFound, "not found"),
			code: ErrInternal,
			want: false,
		},
		{
			name: "fmt wrapped AppError",
			err:  fmt.Errorf("pull: %w", New(ErrSyncNoResolver, "no resolver")),
			code: ErrSyncNoResolver,
			want: true,
		},
		{
			name: "nested AppError",
			err:  Wrap(ErrSyncFailed, "push failed", New(ErrSyncLocked, "locked")),
			code: ErrSyncLocked,
			want: true,
		},
		{
			name: "non-AppError",
			err:  errors.New("standard error"),
			code: ErrInternal,
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			code: ErrInternal,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Is(tt.err, tt.code)
			if got != tt.want {
				t.Errorf("Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestCodeOf verifies the outermost code is reported.
func TestCodeOf(t *testing.T) {
	if got := CodeOf(errors.New("plain")); got != ErrInternal {
		t.Errorf("CodeOf(plain) = %q, want %q", got, ErrInternal)
	}
	err := fmt.Errorf("ctx: %w", Wrap(ErrSyncStale, "stale", New(ErrSyncLocked, "x")))
	if got := CodeOf(err); got != ErrSyncStale {
		t.Errorf("CodeOf() = %q, want %q", got, ErrSyncStale)
	}
}

// TestRetryable verifies transient sync errors are classified as retryable.
func TestRetryable(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want bool
	}{
		{ErrSyncTimeout, true},
		{ErrSyncDisconnected, true},
		{ErrSyncLocked, true},
		{ErrSyncStale, true},
		{ErrSyncFailed, true},
		{ErrSyncNoResolver, false},
		{ErrSyncUnknownPriorState, false},
		{ErrDatabase, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := Retryable(New(tt.code, "x")); got != tt.want {
				t.Errorf("Retryable(%s) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}
