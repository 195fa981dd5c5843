package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, os.ErrClosed }

func TestAgentLoggerFiltersBelowMinimum(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	log := NewAgentLogger(base, "debugger", LevelWarn)

	log.Debug("dropped")
	log.Info("dropped too")
	log.Warn("kept", "report_id", "r-1")
	log.Log(LevelError, "kept as well")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 entries, got %d: %s", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry["agent"] != "debugger" || entry["msg"] != "kept" || entry["report_id"] != "r-1" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestAgentLoggerSwallowsSinkFailures(t *testing.T) {
	base := slog.New(slog.NewTextHandler(failingWriter{}, nil))
	log := NewAgentLogger(base, "deployer", LevelDebug)
	log.Error("sink is broken")

	var nilLogger *AgentLogger
	nilLogger.Info("no panic on nil handle")
}

func TestParseLevel(t *testing.T) {
	for input, want := range map[string]Level{"": LevelInfo, "DEBUG": LevelDebug, "warning": LevelWarn, "error": LevelError} {
		got, err := ParseLevel(input)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %s, %v", input, got, err)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestRotatingWriterShiftsBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "agents.log")
	w, err := newRotatingWriter(path, 1, 2, 1)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()
	w.maxSize = 16

	for _, chunk := range []string{"0123456789\n", "abcdefghij\n", "ABCDEFGHIJ\n"} {
		if _, err := w.Write([]byte(chunk)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	current, _ := os.ReadFile(path)
	first, _ := os.ReadFile(path + ".1")
	second, _ := os.ReadFile(path + ".2")
	if string(current) != "ABCDEFGHIJ\n" || string(first) != "abcdefghij\n" || string(second) != "0123456789\n" {
		t.Fatalf("unexpected rotation: current=%q .1=%q .2=%q", current, first, second)
	}
}
