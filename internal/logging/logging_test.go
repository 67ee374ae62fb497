package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	} {
		if got := ParseLevel(tc.in); got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestNew_JSONToConsole(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Options{Level: "info", Format: "json", Console: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	defer func() { _ = closer.Close() }()

	logger.Debug("hidden")
	logger.Info("synced", "path", "/tmp/repo")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 record, got %d: %q", len(lines), buf.String())
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("record is not JSON: %v", err)
	}
	if rec["msg"] != "synced" || rec["path"] != "/tmp/repo" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestNew_WritesLogFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "reposync.log")

	var console bytes.Buffer
	logger, closer, err := New(Options{
		Level:      "debug",
		Format:     "text",
		File:       logFile,
		MaxSizeMB:  1,
		MaxBackups: 1,
		Console:    &console,
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logger.Info("tracked", "path", "/srv/repo")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), "msg=tracked") {
		t.Errorf("log file missing record: %q", data)
	}
	if !strings.Contains(console.String(), "msg=tracked") {
		t.Errorf("console missing record: %q", console.String())
	}
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	if logger.Enabled(context.Background(), slog.LevelError) {
		t.Error("discard logger should not enable error level")
	}
}
