package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New("info", "json", &buf)
	logger.Debug("hidden")
	logger.Info("stored", "file_id", "65a1b2c3d4e5f60718293a4b")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["msg"] != "stored" {
		t.Errorf("msg = %v, want stored", entry["msg"])
	}
	if entry["service"] != "gridstore" {
		t.Errorf("service = %v, want gridstore", entry["service"])
	}
	if entry["file_id"] != "65a1b2c3d4e5f60718293a4b" {
		t.Errorf("file_id = %v", entry["file_id"])
	}
}

func TestSetupText(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	Setup("debug", "text", &buf)
	slog.Debug("probe", "engine", "memory")
	if !strings.Contains(buf.String(), "msg=probe") || !strings.Contains(buf.String(), "engine=memory") {
		t.Errorf("unexpected text output: %q", buf.String())
	}
}
