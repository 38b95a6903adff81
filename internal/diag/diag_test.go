package diag

import (
	"bytes"
	"strings"
	"testing"
)

func TestSinkFiltersBelowMinLevel(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(&buf, Warning)
	s.Infof("should not appear")
	if buf.Len() != 0 {
		t.Fatalf("buf = %q, want empty (Info below Warning min level)", buf.String())
	}
	s.Warningf(CategoryLinking, "should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Fatalf("buf = %q, want it to contain the warning message", buf.String())
	}
}

func TestSinkErrorCountAndExitCode(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(&buf, Debug)
	if s.HasErrors() || s.ExitCode() != 0 {
		t.Fatalf("fresh sink: HasErrors=%v ExitCode=%d, want false/0", s.HasErrors(), s.ExitCode())
	}
	s.Errorf(CategoryInputParse, "bad input")
	if !s.HasErrors() || s.ErrorCount() != 1 {
		t.Fatalf("after one Errorf: HasErrors=%v ErrorCount=%d, want true/1", s.HasErrors(), s.ErrorCount())
	}
	if s.ExitCode() != 2 {
		t.Fatalf("ExitCode() = %d, want 2", s.ExitCode())
	}
}

func TestSinkFatalfExitsThroughExitFunc(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(&buf, Debug)
	var exitCode int
	exited := false
	s.exitFunc = func(code int) { exitCode = code; exited = true }

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatalf("Fatalf did not panic after exitFunc returned")
			}
		}()
		s.Fatalf(CategoryInternal, "unrecoverable")
	}()

	if !exited || exitCode != 3 {
		t.Fatalf("exited=%v exitCode=%d, want true/3", exited, exitCode)
	}
	if !strings.Contains(buf.String(), "unrecoverable") {
		t.Fatalf("buf = %q, want it to contain the fatal message", buf.String())
	}
}

func TestEntryStringFormat(t *testing.T) {
	e := Entry{Level: Error, Category: CategoryLinking, Message: "undefined symbol foo"}
	want := "error: undefined symbol foo"
	if got := e.String(); got != want {
		t.Fatalf("Entry.String() = %q, want %q", got, want)
	}
}

func TestLevelAndCategoryStrings(t *testing.T) {
	levels := map[Level]string{Debug: "debug", Info: "info", Warning: "warning", Error: "error", Fatal: "fatal error"}
	for l, want := range levels {
		if got := l.String(); got != want {
			t.Fatalf("Level(%d).String() = %q, want %q", l, got, want)
		}
	}
	cats := map[Category]string{
		CategoryConfiguration: "configuration",
		CategoryInputParse:    "input-parse",
		CategoryLinking:       "linking",
		CategoryWriting:       "writing",
		CategoryInternal:      "internal",
	}
	for c, want := range cats {
		if got := c.String(); got != want {
			t.Fatalf("Category(%d).String() = %q, want %q", c, got, want)
		}
	}
}
