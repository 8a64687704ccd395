// Package logging provides unit tests for the structured logger.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
)

// TestLoggerJSONOutput tests that entries are emitted as JSON with context
// fields flattened in.
func TestLoggerJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	lg := New(&buf, logrus.DebugLevel)

	lg.Info("document saved", map[string]interface{}{
		"document_id": "doc-1",
		"file_size":   42,
	})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected JSON output, got %q: %v", buf.String(), err)
	}
	if entry["msg"] != "document saved" {
		t.Errorf("Expected message field, got %v", entry["msg"])
	}
	if entry["document_id"] != "doc-1" {
		t.Errorf("Expected context field flattened, got %v", entry["document_id"])
	}
	if entry["level"] != "info" {
		t.Errorf("Expected info level, got %v", entry["level"])
	}
}

// TestLoggerLevelFiltering tests that entries below the level are dropped.
func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	lg := New(&buf, logrus.WarnLevel)

	lg.Debug("hidden")
	lg.Info("also hidden")
	if buf.Len() != 0 {
		t.Errorf("Expected debug/info suppressed at warn level, got %q", buf.String())
	}

	lg.Warn("visible")
	if buf.Len() == 0 {
		t.Error("Expected warn entry emitted")
	}
}

// TestLoggerErrorField tests that Error attaches the cause.
func TestLoggerErrorField(t *testing.T) {
	var buf bytes.Buffer
	lg := New(&buf, logrus.ErrorLevel)

	lg.Error("save failed", errors.New("disk full"), map[string]interface{}{
		"document_id": "doc-1",
	})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected JSON output: %v", err)
	}
	if entry["error"] != "disk full" {
		t.Errorf("Expected error field, got %v", entry["error"])
	}

	// Nil errors are tolerated.
	buf.Reset()
	lg.Error("no cause", nil)
	if buf.Len() == 0 {
		t.Error("Expected entry emitted without a cause")
	}
}

// TestGetInitializesDefault tests lazy global initialization.
func TestGetInitializesDefault(t *testing.T) {
	if Get() == nil {
		t.Fatal("Expected a usable global logger")
	}
}
