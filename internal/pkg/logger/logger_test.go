package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DEBUG},
		{"info", INFO},
		{"warn", WARN},
		{"WARNING", WARN},
		{"error", ERROR},
		{"", INFO},
		{"bogus", INFO},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)
	SetLevel(WARN)
	defer SetLevel(INFO)

	Info("should be dropped")
	Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should be dropped") {
		t.Error("INFO entry emitted below WARN level")
	}
	if !strings.Contains(out, "should appear") {
		t.Error("WARN entry missing")
	}
}

func TestComponentField(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)
	SetLevel(DEBUG)
	defer SetLevel(INFO)

	With("pump").Info("claimed", "count", 5)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["component"] != "pump" {
		t.Errorf("component = %v, want pump", entry["component"])
	}
	if entry["count"] != "5" {
		t.Errorf("count = %v, want 5", entry["count"])
	}
}

func TestEmailRedactionInFields(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	Info("sent", "email", "john.doe@example.com")

	if strings.Contains(buf.String(), "john.doe@example.com") {
		t.Error("raw email leaked into log output")
	}
	if !strings.Contains(buf.String(), "jo***@example.com") {
		t.Errorf("expected redacted email, got %s", buf.String())
	}
}

func TestRedactEmail(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"john.doe@example.com", "jo***@example.com"},
		{"ab@example.com", "***@example.com"},
		{"not-an-email", "***@***"},
	}
	for _, tt := range tests {
		if got := RedactEmail(tt.in); got != tt.want {
			t.Errorf("RedactEmail(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
