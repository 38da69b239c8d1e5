package logging

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
)

func readLines(t *testing.T, fs afero.Fs, path string) []map[string]any {
	t.Helper()
	content, err := afero.ReadFile(fs, path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(content)), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("line is not valid JSON: %v: %s", err, line)
		}
		out = append(out, entry)
	}
	return out
}

func TestNewLogger(t *testing.T) {
	t.Run("creates acorns.log in the directory", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		logger, err := NewLogger(Options{Dir: "/logs", Level: LevelDebug, Fs: fs})
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}
		defer logger.Close()

		if ok, _ := afero.Exists(fs, filepath.Join("/logs", LogFileName)); !ok {
			t.Error("log file was not created")
		}
	})

	t.Run("writes to stderr when dir is empty", func(t *testing.T) {
		logger, err := NewLogger(Options{Level: LevelInfo})
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}
		if logger.writer != nil {
			t.Error("expected no file writer when dir is empty")
		}
		if err := logger.Close(); err != nil {
			t.Errorf("Close() = %v", err)
		}
	})
}

func TestLogLevels(t *testing.T) {
	fs := afero.NewMemMapFs()
	logger, err := NewLogger(Options{Dir: "/logs", Level: LevelDebug, Fs: fs})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	logger.Debug("debug message", "key", "value")
	logger.Info("info message", "key", "value")
	logger.Warn("warn message", "key", "value")
	logger.Error("error message", "key", "value")
	logger.Close()

	lines := readLines(t, fs, "/logs/acorns.log")
	if len(lines) != 4 {
		t.Fatalf("expected 4 log lines, got %d", len(lines))
	}
	wantLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	for i, entry := range lines {
		if entry["level"] != wantLevels[i] {
			t.Errorf("line %d: level = %v, want %s", i, entry["level"], wantLevels[i])
		}
		if entry["key"] != "value" {
			t.Errorf("line %d: key = %v, want value", i, entry["key"])
		}
	}
}

func TestLogLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LevelWarn)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines (WARN and ERROR only), got %d: %s", len(lines), buf.String())
	}
}

func TestContextPropagation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LevelInfo)

	logger.WithComponent("scheduler").WithWorker(2).WithProgram("blink").Info("run", "extra", "data")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}
	if entry["component"] != "scheduler" {
		t.Errorf("component = %v, want scheduler", entry["component"])
	}
	if entry["worker"] != float64(2) {
		t.Errorf("worker = %v, want 2", entry["worker"])
	}
	if entry["program_id"] != "blink" {
		t.Errorf("program_id = %v, want blink", entry["program_id"])
	}
	if entry["extra"] != "data" {
		t.Errorf("extra = %v, want data", entry["extra"])
	}
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LevelInfo)

	if logger.With() != logger {
		t.Error("With() with no args should return the same logger")
	}

	logger.With("foo", "bar", 7, "skipped", "count", 42).Info("test message")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}
	if entry["foo"] != "bar" {
		t.Errorf("foo = %v, want bar", entry["foo"])
	}
	if entry["count"] != float64(42) {
		t.Errorf("count = %v, want 42", entry["count"])
	}
}

func TestChildDoesNotAffectParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewWriterLogger(&buf, LevelInfo)
	_ = parent.WithProgram("child")

	parent.Info("parent message")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}
	if _, ok := entry["program_id"]; ok {
		t.Error("parent logger should not carry the child's program_id")
	}
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	logger.Error("discarded")
	if err := logger.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]string{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"Warn":    LevelWarn,
		"error":   LevelError,
		"verbose": LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %q, want %q", in, got, want)
		}
	}
	if len(ValidLevels()) != 4 {
		t.Errorf("ValidLevels() = %v", ValidLevels())
	}
}
