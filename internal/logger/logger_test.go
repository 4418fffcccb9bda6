package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in       string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{" ERROR ", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.expected {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.expected)
		}
	}
}

func TestSetOutputAndLevel(t *testing.T) {
	prev := Level()
	defer SetLevel(prev)

	var buf bytes.Buffer
	SetOutput(&buf, true)
	SetLevel(slog.LevelWarn)

	Get().Info("hidden")
	Get().Warn("font fallback", "font", "Helvetica")

	out := strings.TrimSpace(buf.String())
	if strings.Contains(out, "hidden") {
		t.Error("info record written at warn level")
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(out), &record); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, out)
	}
	if record["msg"] != "font fallback" || record["font"] != "Helvetica" {
		t.Errorf("unexpected record %v", record)
	}
}
