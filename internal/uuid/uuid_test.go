// Package uuid provides unit tests for identifier generation.
package uuid

import (
	"strings"
	"testing"
	"time"
)

// TestNew tests that New() generates valid UUID v4 strings.
func TestNew(t *testing.T) {
	id := New()
	if !IsValid(id) {
		t.Errorf("Generated UUID does not match v4 format: %s", id)
	}
}

// TestNewTransactionID verifies the offline_<ms>_<suffix> shape.
func TestNewTransactionID(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	id := NewTransactionID(now)

	if !strings.HasPrefix(id, "offline_1700000000123_") {
		t.Errorf("NewTransactionID() = %q, want prefix offline_1700000000123_", id)
	}
	if !IsTransactionID(id) {
		t.Errorf("IsTransactionID(%q) = false, want true", id)
	}
	if got := len(id) - len("offline_1700000000123_"); got != 9 {
		t.Errorf("suffix length = %d, want 9", got)
	}
}

// TestNewTransactionIDUniqueness tests that ids minted in the same millisecond differ.
func TestNewTransactionIDUniqueness(t *testing.T) {
	now := time.Now()
	ids := make(map[string]bool)

	for i := 0; i < 1000; i++ {
		id := NewTransactionID(now)
		if ids[id] {
			t.Errorf("Duplicate transaction id generated: %s", id)
		}
		ids[id] = true
	}
}

// TestTransactionTime verifies the embedded timestamp round-trips.
func TestTransactionTime(t *testing.T) {
	now := time.UnixMilli(1712345678901)
	got, err := TransactionTime(NewTransactionID(now))
	if err != nil {
		t.Fatalf("TransactionTime() failed: %v", err)
	}
	if !got.Equal(now) {
		t.Errorf("TransactionTime() = %v, want %v", got, now)
	}

	if _, err := TransactionTime("sale-1"); err == nil {
		t.Error("TransactionTime() should reject a foreign id")
	}
}

// TestIsTransactionID tests accepted and rejected shapes.
func TestIsTransactionID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"valid", "offline_1700000000000_a1b2c3d4e", true},
		{"missing prefix", "1700000000000_a1b2c3d4e", false},
		{"short suffix", "offline_1700000000000_a1b2", false},
		{"uppercase suffix", "offline_1700000000000_A1B2C3D4E", false},
		{"non numeric time", "offline_abc_a1b2c3d4e", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransactionID(tt.id); got != tt.want {
				t.Errorf("IsTransactionID(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

// TestIsValid tests valid UUID v4 strings.
func TestIsValid(t *testing.T) {
	tests := []struct {
		name string
		uuid string
		want bool
	}{
		{"valid UUID v4", "f47ac10b-58cc-4372-a567-0e02b2c3d479", true},
		{"valid UUID v4 uppercase", "6BA7B810-9DAD-41D1-80B4-00C04FD430C8", true},
		{"empty string", "", false},
		{"invalid version - v1 instead of v4", "f47ac10b-58cc-1372-a567-0e02b2c3d479", false},
		{"invalid variant", "f47ac10b-58cc-4372-c567-0e02b2c3d479", false},
		{"random string", "not-a-uuid", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsValid(tt.uuid)
			if got != tt.want {
				t.Errorf("IsValid(%q) = %v, want %v", tt.uuid, got, tt.want)
			}
		})
	}
}
