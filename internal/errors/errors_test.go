// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"testing"
)

// TestErrorCodeValues verifies all error codes have non-empty values.
func TestErrorCodeValues(t *testing.T) {
	tests := []struct {
		name string
		code ErrorCode
	}{
		{"internal", ErrInternal},
		{"invalid", ErrInvalid},
		{"not found", ErrNotFound},
		{"validation", ErrValidation},
		{"storage unavailable", ErrStorageUnavailable},
		{"migration", ErrMigration},
		{"network", ErrNetwork},
		{"http status", ErrHTTPStatus},
		{"malformed response", ErrMalformedResponse},
		{"server offline", ErrServerOffline},
		{"offline", ErrOffline},
		{"sync in progress", ErrSyncInProgress},
		{"sync failed", ErrSyncFailed},
		{"queue full", ErrQueueFull},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.code == "" {
				t.Errorf("ErrorCode %q should not be empty", tt.name)
			}
		})
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
			appError: &AppError{Code: ErrStorageUnavailable, Message: "put failed", Err: errors.New("disk full")},
			want:     "[STORAGE_UNAVAILABLE] put failed: disk full",
		},
		{
			name:     "http status error",
			appError: HTTPStatus(500, "HTTP 500"),
			want:     "[HTTP_STATUS] HTTP 500",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.appError.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestIs_wrappedChain verifies Is sees through fmt.Errorf wrapping.
func TestIs_wrappedChain(t *testing.T) {
	base := New(ErrNotFound, "record missing")
	wrapped := fmt.Errorf("lookup: %w", base)

	if !Is(wrapped, ErrNotFound) {
		t.Error("Is() should find ErrNotFound through wrapping")
	}
	if Is(wrapped, ErrInternal) {
		t.Error("Is() should not match a different code")
	}
	if Is(errors.New("plain"), ErrNotFound) {
		t.Error("Is() should be false for non-AppError")
	}
	if !errors.Is(Wrap(ErrNetwork, "dial", base), base) {
		t.Error("Unwrap chain should reach the underlying error")
	}
}

// TestCodeOf verifies code extraction.
func TestCodeOf(t *testing.T) {
	if got := CodeOf(Wrap(ErrNetwork, "x", nil)); got != ErrNetwork {
		t.Errorf("CodeOf() = %s, want %s", got, ErrNetwork)
	}
	if got := CodeOf(errors.New("plain")); got != ErrInternal {
		t.Errorf("CodeOf(plain) = %s, want %s", got, ErrInternal)
	}
}

// TestTransient verifies which codes count as recoverable network failures.
func TestTransient(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want bool
	}{
		{ErrNetwork, true},
		{ErrHTTPStatus, true},
		{ErrMalformedResponse, true},
		{ErrServerOffline, true},
		{ErrOffline, true},
		{ErrStorageUnavailable, false},
		{ErrValidation, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := Transient(New(tt.code, "x")); got != tt.want {
				t.Errorf("Transient(%s) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

// TestStatusOf verifies the HTTP status is read through wrapping.
func TestStatusOf(t *testing.T) {
	if got := StatusOf(fmt.Errorf("submit: %w", HTTPStatus(500, "HTTP 500"))); got != 500 {
		t.Errorf("StatusOf() = %d, want 500", got)
	}
	if got := StatusOf(New(ErrNetwork, "dial")); got != 0 {
		t.Errorf("StatusOf(network) = %d, want 0", got)
	}
}
