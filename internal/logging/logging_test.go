package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestSecretRedaction(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, slog.LevelDebug)

	redacted := map[string]string{
		"api_token": "secret123",
		"API_KEY":   "key456",
		"password":  "pass789",
		"secret":    "mysecret",
	}
	kept := map[string]string{
		"event_key":   "0xaa|100|0x1",
		"webhook_url": "https://example.com",
		"signer":      "0xabc",
	}

	for key, val := range redacted {
		buf.Reset()
		logger.Info("pledge", key, val)
		if out := buf.String(); strings.Contains(out, val) || !strings.Contains(out, "[redacted]") {
			t.Errorf("%s not redacted: %s", key, out)
		}
	}
	for key, val := range kept {
		buf.Reset()
		logger.Info("pledge", key, val)
		if out := buf.String(); !strings.Contains(out, val) {
			t.Errorf("%s unexpectedly redacted: %s", key, out)
		}
	}
}

func TestLogLevels(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"WARNING", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.level); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.level, got, tt.want)
		}
		if logger := NewWithLevel(tt.level); logger == nil {
			t.Errorf("NewWithLevel(%q) returned nil", tt.level)
		}
	}
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, slog.LevelWarn)
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("level not applied: %s", buf.String())
	}
}
