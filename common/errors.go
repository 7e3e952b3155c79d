package common

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// SourceUnavailableError is returned when the source database stays locked
// past its busy timeout. It is fatal for the run and never retried.
type SourceUnavailableError struct {
	Path    string
	Timeout time.Duration
	Err     error
}

func (e *SourceUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("source %s unavailable after %s: %v", e.Path, e.Timeout, e.Err)
	}
	return fmt.Sprintf("source %s unavailable after %s", e.Path, e.Timeout)
}

func (e *SourceUnavailableError) Unwrap() error {
	return e.Err
}

// SerializationError represents a malformed or unexpected statement produced while dumping
type SerializationError struct {
	Statement string // Offending statement or object name, may be empty
	Err       error
}

func (e *SerializationError) Error() string {
	if e.Statement == "" {
		return fmt.Sprintf("serialization failed: %v", e.Err)
	}
	return fmt.Sprintf("serialization failed at %q: %v", truncate(e.Statement, 80), e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// IOError wraps filesystem failures: disk full, permission denied, fsync or rename
type IOError struct {
	Op   string // "create", "write", "fsync", "rename", "remove", ...
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// CleanupError is a secondary failure removing a temp file on an error path.
// It is only ever logged; it never replaces the error that caused the cleanup.
type CleanupError struct {
	Path string
	Err  error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleanup of %s failed: %v", e.Path, e.Err)
}

func (e *CleanupError) Unwrap() error {
	return e.Err
}

// IsSourceUnavailable reports whether err carries a SourceUnavailableError
func IsSourceUnavailable(err error) bool {
	var target *SourceUnavailableError
	return errors.As(err, &target)
}

// IsSerialization reports whether err carries a SerializationError
func IsSerialization(err error) bool {
	var target *SerializationError
	return errors.As(err, &target)
}

// IsIO reports whether err carries an IOError
func IsIO(err error) bool {
	var target *IOError
	return errors.As(err, &target)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Cut on a rune boundary
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
