package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func noColor() *bool {
	b := false
	return &b
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, closeFn, err := New(Options{Level: "info", Output: &buf, Color: noColor()})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	defer closeFn()

	logger.With("task", "abc").Info("download complete", "bytes", 42, "path", "/tmp/a b.bin", "delay", 1500*time.Microsecond)
	logger.Debug("hidden")

	out := buf.String()
	if strings.Count(out, "\n") != 1 {
		t.Fatalf("expected exactly one line, got %q", out)
	}
	for _, want := range []string{"INFO", "download complete", "task=abc", "bytes=42", `path="/tmp/a b.bin"`, "delay=2ms"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in %q", want, out)
		}
	}
}

func TestConsoleGroups(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(Options{Level: "debug", Output: &buf, Color: noColor()})
	if err != nil {
		t.Fatal(err)
	}

	logger.WithGroup("fetch").Debug("retrying", "attempt", 2, slog.Group("limit", "waits", 3))
	out := buf.String()
	if !strings.Contains(out, "fetch.attempt=2") || !strings.Contains(out, "fetch.limit.waits=3") {
		t.Errorf("group prefixes missing: %q", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(Options{Level: "warn", Format: "json", Output: &buf})
	if err != nil {
		t.Fatal(err)
	}

	logger.Info("dropped")
	logger.Warn("download failed", "error", errors.New("boom"))

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("expected one JSON record, got %q: %v", buf.String(), err)
	}
	if rec["level"] != "warn" || rec["msg"] != "download failed" || rec["error"] != "boom" {
		t.Errorf("unexpected record %v", rec)
	}
	if _, ok := rec["ts"]; !ok {
		t.Error("expected ts key")
	}
}

func TestUnsupportedFormat(t *testing.T) {
	if _, _, err := New(Options{Format: "xml"}); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestDebugFileReceivesEverything(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "debug.log")

	logger, closeFn, err := New(Options{Level: "warn", Output: &buf, Color: noColor(), DebugFile: path})
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("slot acquired", "host", "example.com")
	logger.Warn("circuit opened")
	if err := closeFn(); err != nil {
		t.Fatal(err)
	}

	if strings.Contains(buf.String(), "slot acquired") {
		t.Error("console should respect its level")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "slot acquired") || !strings.Contains(string(data), "circuit opened") {
		t.Errorf("debug file missing records: %q", data)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"chatty":  slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
