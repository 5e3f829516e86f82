package engine

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures by how they may be retried.
type Kind string

const (
	// KindTransport covers timeouts and transient channel errors; the
	// channel manager retries these automatically within its backoff bound.
	KindTransport Kind = "transport"
	// KindSubmission covers failed sends; recoverable only via an explicit
	// Retry, never silently, to avoid duplicate sends.
	KindSubmission Kind = "submission"
	// KindFetch covers failed history page loads; pagination simply stops
	// advancing until the caller asks again.
	KindFetch Kind = "fetch"
	// KindConfiguration covers unreachable/misconfigured backends; fatal
	// for the engine instance, retrying cannot succeed.
	KindConfiguration Kind = "configuration"
)

// Error wraps a cause with its retry classification.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// wrapErr builds a classified engine error.
func wrapErr(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsKind reports whether err is an engine error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// ErrNotFailed is returned by Retry when the target message is not in the
// failed state.
var ErrNotFailed = errors.New("engine: message is not failed")

// ErrNotFocused is returned by conversation operations when no conversation
// is focused.
var ErrNotFocused = errors.New("engine: no focused conversation")

// ErrClosed is returned once the engine has been closed.
var ErrClosed = errors.New("engine: closed")
