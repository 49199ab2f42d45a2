package session

import (
	"errors"
	"fmt"
)

// Kind classifies session failures.
type Kind int

const (
	// KindAuthFailed means the server rejected the presented credentials.
	KindAuthFailed Kind = iota

	// KindHostKeyMismatch means the server's host key does not match the
	// recorded one, or is unseen and the caller did not accept it.
	KindHostKeyMismatch

	// KindTimeout means the peer did not respond within the profile timeout.
	KindTimeout

	// KindConnectionLost means the connection dropped after responding.
	KindConnectionLost

	// KindUnsupported means the server lacks a required capability, such as
	// the sftp subsystem.
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindAuthFailed:
		return "auth failed"
	case KindHostKeyMismatch:
		return "host key mismatch"
	case KindTimeout:
		return "timeout"
	case KindConnectionLost:
		return "connection lost"
	case KindUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Error is the session error type.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("session: %s: %s: %v", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("session: %s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// IsKind reports whether err is a session error of the given kind.
func IsKind(err error, kind Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == kind
}

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, msg: msg, err: err}
}

// NewError builds a session error for callers outside the package, such as
// the transfer engine reporting a lost connection on behalf of a job.
func NewError(kind Kind, msg string, err error) *Error {
	return newError(kind, msg, err)
}
