package logger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

// decodeLastLine returns the last JSON entry written to buf.
func decodeLastLine(output string) (map[string]interface{}, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, fmt.Errorf("no log output")
	}

	var entry map[string]interface{}
	err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry)
	return entry, err
}

func newTestLogger(level LogLevel) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return New(level, &buf), &buf
}

func TestLevels(t *testing.T) {
	tests := []struct {
		name     string
		emit     func(l *Logger)
		expected string
	}{
		{"debug", func(l *Logger) { l.Debug("debug message") }, "debug"},
		{"info", func(l *Logger) { l.Info("info message") }, "info"},
		{"warn", func(l *Logger) { l.Warn("warn message") }, "warn"},
		{"error", func(l *Logger) { l.Error("error message") }, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, buf := newTestLogger(DEBUG)
			tt.emit(l)

			entry, err := decodeLastLine(buf.String())
			if err != nil {
				t.Fatalf("Expected valid JSON log entry, got error: %v", err)
			}
			if entry["level"] != tt.expected {
				t.Errorf("Expected level %s, got %v", tt.expected, entry["level"])
			}
			if entry["message"] != tt.name+" message" {
				t.Errorf("Unexpected message %v", entry["message"])
			}
			if _, ok := entry["time"]; !ok {
				t.Error("Expected timestamp field")
			}
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	l, buf := newTestLogger(WARN)

	l.Debug("hidden")
	l.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("Expected no output below WARN, got %q", buf.String())
	}

	l.Warn("shown")
	if buf.Len() == 0 {
		t.Error("Expected WARN output")
	}
}

func TestFieldsAreMerged(t *testing.T) {
	l, buf := newTestLogger(INFO)

	l.Info("validation", map[string]interface{}{"domain": "example.com"}, map[string]interface{}{"status": "active"})

	entry, err := decodeLastLine(buf.String())
	if err != nil {
		t.Fatalf("Expected valid JSON, got %v", err)
	}
	if entry["domain"] != "example.com" || entry["status"] != "active" {
		t.Errorf("Expected merged fields, got %v", entry)
	}
}

func TestSensitiveFieldsAreRedacted(t *testing.T) {
	l, buf := newTestLogger(INFO)

	l.Info("license checked", map[string]interface{}{
		"license_key":  "CRM-0123456789ABCDEF01234567",
		"admin_token":  "short",
		"module":       "customers",
		"webhook_body": 42,
	})

	entry, err := decodeLastLine(buf.String())
	if err != nil {
		t.Fatalf("Expected valid JSON, got %v", err)
	}

	if entry["license_key"] != "CRM...567" {
		t.Errorf("Expected license key to be partially redacted, got %v", entry["license_key"])
	}
	if entry["admin_token"] != "[REDACTED]" {
		t.Errorf("Expected short token to be fully redacted, got %v", entry["admin_token"])
	}
	if entry["module"] != "customers" {
		t.Errorf("Expected module field untouched, got %v", entry["module"])
	}
	if strings.Contains(buf.String(), "0123456789ABCDEF") {
		t.Error("Raw license key leaked into log output")
	}
}

func TestWithAddsContextFields(t *testing.T) {
	l, buf := newTestLogger(INFO)

	child := l.With(map[string]interface{}{"component": "gate"})
	child.Info("denied")

	entry, err := decodeLastLine(buf.String())
	if err != nil {
		t.Fatalf("Expected valid JSON, got %v", err)
	}
	if entry["component"] != "gate" {
		t.Errorf("Expected component field, got %v", entry["component"])
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"Error":   ERROR,
		"":        INFO,
		"verbose": INFO,
	}

	for input, want := range tests {
		if got := ParseLevel(input); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestMask(t *testing.T) {
	if got := Mask("abc"); got != "***" {
		t.Errorf("Expected ***, got %s", got)
	}
	if got := Mask("CRM-0123456789"); got != "CRM-******6789" {
		t.Errorf("Unexpected mask %s", got)
	}
}
