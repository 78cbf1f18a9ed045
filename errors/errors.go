// Package errors provides the error conventions used across glm-cli:
// formatted errors annotated with the caller's file and line, plus a small
// set of error kinds that components use to classify failures.
package errors

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
)

// New creates a new error with file and line number information.
func New(format string, a ...interface{}) error {
	return fmt.Errorf("[%s] %s", caller(), fmt.Sprintf(format, a...))
}

// Wrapf adds context (including file and line number) to an existing error.
// If the provided error is nil, Wrapf returns nil.
func Wrapf(err error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("[%s] %s: %w", caller(), fmt.Sprintf(format, a...), err)
}

func caller() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "???:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

// Kind classifies a failure. Components attach a Kind so callers can react
// to the category without string matching.
type Kind string

const (
	// KindDecode marks a malformed stream fragment. The affected tool call
	// is treated as failed; the session continues.
	KindDecode Kind = "decode_error"

	// KindUnknownTool and KindDuplicateTool mark registry misuse.
	KindUnknownTool   Kind = "unknown_tool"
	KindDuplicateTool Kind = "duplicate_tool"

	// Transport faults on protocol connections.
	KindConnection     Kind = "connection_error"
	KindConnectionLost Kind = "connection_lost"
	KindTimeout        Kind = "timeout"

	// Persistence integrity violations. Fatal for the session.
	KindOutOfOrder     Kind = "out_of_order"
	KindCorruptSession Kind = "corrupt_session"

	// KindTurnBudget marks the loop's iteration limit. Surfaced as a stop
	// reason, not a crash.
	KindTurnBudget Kind = "turn_budget_exceeded"
)

// kindError carries a Kind alongside a formatted message and optional cause.
type kindError struct {
	kind Kind
	msg  string
	err  error
}

func (e *kindError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *kindError) Unwrap() error { return e.err }

// NewKind creates an error of the given kind.
func NewKind(kind Kind, format string, a ...interface{}) error {
	return &kindError{kind: kind, msg: fmt.Sprintf(format, a...)}
}

// WrapKind attaches a kind and context to an existing error.
// Returns nil if err is nil.
func WrapKind(err error, kind Kind, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, msg: fmt.Sprintf(format, a...), err: err}
}

// KindOf reports the kind carried by err, or the empty Kind if none.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return ""
}

// IsKind reports whether err (or any error it wraps) carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
