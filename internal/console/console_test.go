package console

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"

	apperrors "github.com/EternityForest/Acorns/internal/errors"
	"github.com/EternityForest/Acorns/internal/manager"
)

func TestUseColor(t *testing.T) {
	var buf bytes.Buffer
	tests := []struct {
		mode string
		want bool
	}{
		{"always", true},
		{"never", false},
		{"auto", false}, // a buffer is not a terminal
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			if got := UseColor(tt.mode, &buf); got != tt.want {
				t.Errorf("UseColor(%q) = %v, want %v", tt.mode, got, tt.want)
			}
		})
	}
}

func TestOutput_PrefixesEachLine(t *testing.T) {
	var out, errOut bytes.Buffer
	c := New(&out, &errOut, "never")

	c.Output("blink")("hello")
	c.Output("")("from root\nsecond line\n")
	c.Output("tabs")("a\tb")

	want := "[blink] hello\n[root] from root\n[root] second line\n[tabs] a\tb\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
	if errOut.Len() != 0 {
		t.Errorf("error stream = %q, want empty", errOut.String())
	}
}

func TestError_Counts(t *testing.T) {
	var out, errOut bytes.Buffer
	c := New(&out, &errOut, "never")

	c.Error("a")("boom")
	c.Error("a")("again")
	c.Error("b")("oops")

	if c.Errors() != 3 {
		t.Errorf("Errors() = %d, want 3", c.Errors())
	}
	if c.ErrorsFor("a") != 2 || c.ErrorsFor("b") != 1 || c.ErrorsFor("c") != 0 {
		t.Errorf("ErrorsFor = a:%d b:%d c:%d", c.ErrorsFor("a"), c.ErrorsFor("b"), c.ErrorsFor("c"))
	}
	if !strings.Contains(errOut.String(), "[a] boom\n") {
		t.Errorf("error stream = %q", errOut.String())
	}
	if out.Len() != 0 {
		t.Error("errors must not go to the output stream")
	}
}

func TestReport(t *testing.T) {
	var out, errOut bytes.Buffer
	c := New(&out, &errOut, "never")

	c.Report("a", apperrors.NewProgramError("load failed", apperrors.ErrNoFreeSlot).WithProgramID("a"))
	c.Report("b", errors.New("first line\nstack frames"))
	c.Report("c", nil)

	got := errOut.String()
	if !strings.Contains(got, "[a] program error [program=a]: load failed: no free program slots\n") {
		t.Errorf("error stream = %q, want the full user-facing message", got)
	}
	if !strings.Contains(got, "[b] first line\n") || strings.Contains(got, "stack frames") {
		t.Errorf("error stream = %q, want only the first line of an internal error", got)
	}
	if c.Errors() != 2 || c.ErrorsFor("c") != 0 {
		t.Errorf("Errors() = %d, want 2", c.Errors())
	}
}

func TestReport_SeverityStyles(t *testing.T) {
	var warn, fail bytes.Buffer
	New(&warn, &warn, "always").Report("a", apperrors.NewInvokeError("a", "boom", nil))
	New(&fail, &fail, "always").Report("a", apperrors.NewCompileError("a", "boom", nil))

	if !strings.Contains(warn.String(), "boom") || !strings.Contains(fail.String(), "boom") {
		t.Fatalf("messages lost: %q %q", warn.String(), fail.String())
	}
	if warn.String() == fail.String() {
		t.Error("warnings and errors should be styled differently")
	}
}

func TestColor_Always(t *testing.T) {
	var out bytes.Buffer
	c := New(&out, &out, "always")
	c.Output("a")("hi")
	if !strings.Contains(out.String(), "\x1b[") {
		t.Errorf("output = %q, want ANSI styling", out.String())
	}
	if !strings.Contains(out.String(), "hi") {
		t.Errorf("output = %q, lost the message", out.String())
	}
}

func TestConcurrentWritesKeepLinesWhole(t *testing.T) {
	var out bytes.Buffer
	c := New(&out, &out, "never")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink := c.Output("p")
			for j := 0; j < 50; j++ {
				sink("line one\nline two")
			}
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	if len(lines) != 8*50*2 {
		t.Fatalf("got %d lines, want %d", len(lines), 8*50*2)
	}
	for _, l := range lines {
		if l != "[p] line one" && l != "[p] line two" {
			t.Fatalf("interleaved line %q", l)
		}
	}
}

func TestSummary(t *testing.T) {
	var out bytes.Buffer
	c := New(&out, &out, "never")

	if got := c.Summary(nil); got != "no programs loaded" {
		t.Errorf("Summary(nil) = %q", got)
	}

	c.Error("bad")("failed")
	got := c.Summary([]manager.Status{
		{ID: "good", VersionTag: "0123456789abcdef", Refs: 1},
		{ID: "bad", VersionTag: "ff", Refs: 2, Busy: 1, Subscriptions: 3},
		{ID: "old", Refs: 2, Zombie: true},
	})
	for _, want := range []string{"PROGRAM", "good", "0123456789ab", "bad", "busy", "zombie", "idle"} {
		if !strings.Contains(got, want) {
			t.Errorf("Summary() missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "0123456789abcdef") {
		t.Error("version tags should be shortened")
	}
	if strings.Contains(got, "\x1b[") {
		t.Error("never mode must not style the table")
	}
}
