// Package logging tests for structured JSON logging.
package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		var entry map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", scanner.Text(), err)
		}
		entries = append(entries, entry)
	}
	return entries
}

// TestInit_idempotent verifies Init is idempotent.
func TestInit_idempotent(t *testing.T) {
	global = nil
	once = *new(sync.Once)

	var buf1 bytes.Buffer
	Init(&buf1, LevelInfo)
	first := Get()

	var buf2 bytes.Buffer
	Init(&buf2, LevelDebug)

	if Get() != first {
		t.Error("Second Init() should be ignored, different logger returned")
	}
}

// TestLogger_Info verifies message and context fields are written as JSON.
func TestLogger_Info(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo)

	l.Info("sale queued", map[string]interface{}{"transaction_id": "offline_1_abc"})

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e["message"] != "sale queued" {
		t.Errorf("message = %v", e["message"])
	}
	if e["level"] != "info" {
		t.Errorf("level = %v, want info", e["level"])
	}
	if e["transaction_id"] != "offline_1_abc" {
		t.Errorf("transaction_id = %v", e["transaction_id"])
	}
	if _, ok := e["timestamp"]; !ok {
		t.Error("timestamp field missing")
	}
}

// TestLogger_minLevel verifies entries below the minimum level are dropped.
func TestLogger_minLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn)

	l.Debug("debug")
	l.Info("info")
	l.Warn("warn")

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0]["message"] != "warn" {
		t.Errorf("message = %v, want warn", entries[0]["message"])
	}
}

// TestLogger_ErrorWithCode verifies error and code fields.
func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo).Component("sync")

	l.ErrorWithCode("replay failed", "SYNC_FAILED", errors.New("boom"), map[string]interface{}{"attempts": 2})

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e["error"] != "boom" {
		t.Errorf("error = %v", e["error"])
	}
	if e["code"] != "SYNC_FAILED" {
		t.Errorf("code = %v", e["code"])
	}
	if e["component"] != "sync" {
		t.Errorf("component = %v", e["component"])
	}
	if e["attempts"] != float64(2) {
		t.Errorf("attempts = %v", e["attempts"])
	}
}

// TestParseLevel verifies level parsing from configuration strings.
func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		"WARN":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
