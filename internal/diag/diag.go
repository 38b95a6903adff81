// Package diag implements the five-level diagnostic stream every recoverable
// error is emitted through: Debug, Info, Warning, Error, Fatal.
package diag

import (
	"fmt"
	"io"
	"os"
)

// Level is the severity of a diagnostic.
type Level int

const (
	Debug Level = iota
	Info
	Warning
	Error
	Fatal
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Error:
		return "error"
	case Fatal:
		return "fatal error"
	default:
		return "unknown"
	}
}

// Category classifies where a diagnostic originated: configuration,
// input parsing, linking, writing, or an internal invariant violation.
type Category int

const (
	CategoryConfiguration Category = iota
	CategoryInputParse
	CategoryLinking
	CategoryWriting
	CategoryInternal
)

func (c Category) String() string {
	switch c {
	case CategoryConfiguration:
		return "configuration"
	case CategoryInputParse:
		return "input-parse"
	case CategoryLinking:
		return "linking"
	case CategoryWriting:
		return "writing"
	case CategoryInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Entry is a single emitted diagnostic.
type Entry struct {
	Level    Level
	Category Category
	Message  string
}

func (e Entry) String() string {
	return fmt.Sprintf("%s: %s", e.Level, e.Message)
}

// Sink accumulates diagnostics and exposes the level filter and exit-code
// policy: a count of Error messages above zero selects exit code 2, and
// a Fatal terminates the process immediately after flushing.
type Sink struct {
	out      io.Writer
	minLevel Level
	errors   int
	fatal    bool
	exitFunc func(int)
}

// NewSink creates a diagnostic sink writing to w, filtering anything below
// minLevel.
func NewSink(w io.Writer, minLevel Level) *Sink {
	return &Sink{out: w, minLevel: minLevel, exitFunc: os.Exit}
}

// Default is the process-wide sink used by the package-level helpers.
// A link run has exactly one Module, so one shared sink suffices.
var Default = NewSink(os.Stderr, Info)

func (s *Sink) emit(level Level, category Category, format string, args ...any) {
	if level < s.minLevel {
		return
	}
	entry := Entry{Level: level, Category: category, Message: fmt.Sprintf(format, args...)}
	fmt.Fprintln(s.out, entry)
	if level == Error {
		s.errors++
	}
	if level == Fatal {
		s.fatal = true
		fmt.Fprintln(s.out, "fatal error, aborting")
		if s.exitFunc != nil {
			s.exitFunc(3)
		}
	}
}

func (s *Sink) Debugf(format string, args ...any)   { s.emit(Debug, CategoryInternal, format, args...) }
func (s *Sink) Infof(format string, args ...any)    { s.emit(Info, CategoryInternal, format, args...) }
func (s *Sink) Warningf(category Category, format string, args ...any) {
	s.emit(Warning, category, format, args...)
}
func (s *Sink) Errorf(category Category, format string, args ...any) {
	s.emit(Error, category, format, args...)
}

// Fatalf reports an unrecoverable error and terminates the process with exit
// code 3. It never returns.
func (s *Sink) Fatalf(category Category, format string, args ...any) {
	s.emit(Fatal, category, format, args...)
	panic("unreachable: exitFunc must not return")
}

// ErrorCount returns the number of Error-level diagnostics emitted so far.
func (s *Sink) ErrorCount() int { return s.errors }

// HasErrors reports whether any Error-level diagnostic has been emitted.
func (s *Sink) HasErrors() bool { return s.errors > 0 }

// ExitCode computes the process exit code: 0 on success, 2 if any Error
// was emitted. Fatalf exits with code 3 on its own before this is
// reached, but no code in this module calls it: configuration and
// write failures come back to the CLI front end as returned errors and,
// like bad options or missing or unreadable input, exit 1 independently.
func (s *Sink) ExitCode() int {
	if s.errors > 0 {
		return 2
	}
	return 0
}

func Debugf(format string, args ...any) { Default.Debugf(format, args...) }
func Infof(format string, args ...any)  { Default.Infof(format, args...) }
func Warningf(category Category, format string, args ...any) {
	Default.Warningf(category, format, args...)
}
func Errorf(category Category, format string, args ...any) {
	Default.Errorf(category, format, args...)
}
func Fatalf(category Category, format string, args ...any) {
	Default.Fatalf(category, format, args...)
}

// HasErrors reports whether the process-wide sink has seen an Error-level
// diagnostic, driving the CLI's exit code 2.
func HasErrors() bool { return Default.HasErrors() }

// ExitCode returns the process-wide sink's computed exit code.
func ExitCode() int { return Default.ExitCode() }
