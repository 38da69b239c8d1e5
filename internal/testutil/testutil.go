// Package testutil provides testing utilities for acorns tests: a scripted
// fake engine, sink recorders and file helpers.
package testutil

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
)

// Recorder is a thread-safe engine.Sink that keeps every message.
type Recorder struct {
	mu   sync.Mutex
	msgs []string
}

// Sink returns the function to hand to the manager as a sink.
func (r *Recorder) Sink() func(string) {
	return func(msg string) {
		r.mu.Lock()
		r.msgs = append(r.msgs, msg)
		r.mu.Unlock()
	}
}

// Messages returns a copy of the recorded messages.
func (r *Recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

// Joined returns the recorded messages joined by newlines.
func (r *Recorder) Joined() string {
	return strings.Join(r.Messages(), "\n")
}

// Contains reports whether any message contains substr.
func (r *Recorder) Contains(substr string) bool {
	for _, m := range r.Messages() {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

// Eventually polls cond until it returns true or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// WriteFiles writes files (relative path to content) under dir on fs.
func WriteFiles(t *testing.T, fs afero.Fs, dir string, files map[string]string) {
	t.Helper()
	for path, content := range files {
		full := filepath.Join(dir, path)
		if err := fs.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("failed to create directory for %s: %v", path, err)
		}
		if err := afero.WriteFile(fs, full, []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write file %s: %v", path, err)
		}
	}
}
