package pwsh

import (
	"errors"
	"fmt"
)

// Kind classifies a session error. There is exactly one error type in this
// package; callers branch on the kind, not on concrete types.
type Kind int

const (
	// KindProcess: the child process failed to start, died unexpectedly,
	// or is not in a state to accept input.
	KindProcess Kind = iota + 1
	// KindCommunication: a read or write on the process pipes failed.
	KindCommunication
	// KindExecution: the child ran the command and reported the error
	// marker; the message carries the child's own error text.
	KindExecution
	// KindTimeout: no terminating marker within the allotted time, for
	// either startup or command execution.
	KindTimeout
	// KindConfiguration: the supplied settings are unusable; detected at
	// session construction, never deferred to Start.
	KindConfiguration
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindProcess:
		return "process"
	case KindCommunication:
		return "communication"
	case KindExecution:
		return "execution"
	case KindTimeout:
		return "timeout"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Error is the single error type surfaced by this package.
// Command and Detail carry enough context to diagnose a failure without
// re-running: the original command text and the raw child output fragment.
type Error struct {
	Kind    Kind
	Message string
	Command string // command being executed, when applicable
	Detail  string // raw stdout/stderr fragment from the child, when available
	Err     error  // wrapped cause, when available
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s error: %s", e.Kind, e.Message)
	if e.Command != "" {
		msg += fmt.Sprintf(" (command: %s)", e.Command)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// newError builds an *Error with the given kind and formatted message.
func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// wrapError builds an *Error with the given kind, message, and cause.
func wrapError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// IsKind reports whether err (or anything it wraps) is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

// IsProcess reports whether err is a process error.
func IsProcess(err error) bool { return IsKind(err, KindProcess) }

// IsCommunication reports whether err is a pipe read/write error.
func IsCommunication(err error) bool { return IsKind(err, KindCommunication) }

// IsExecution reports whether err is a command error reported by the child.
func IsExecution(err error) bool { return IsKind(err, KindExecution) }

// IsTimeout reports whether err is a startup or execution timeout.
func IsTimeout(err error) bool { return IsKind(err, KindTimeout) }

// IsConfiguration reports whether err is a settings error.
func IsConfiguration(err error) bool { return IsKind(err, KindConfiguration) }
