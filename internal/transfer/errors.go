package transfer

import (
	"errors"
	"fmt"

	"github.com/ferrydock/ferry/internal/remote"
)

// ErrorKind classifies transfer failures.
type ErrorKind int

const (
	// KindNotFound means the source (or an enclosing directory of the
	// destination) does not exist.
	KindNotFound ErrorKind = iota

	// KindPermissionDenied means the server or local OS refused the
	// operation. Never retried.
	KindPermissionDenied

	// KindQuotaExceeded means the destination ran out of space. Never
	// retried.
	KindQuotaExceeded

	// KindCancelled means the job was cancelled before completing.
	KindCancelled

	// KindRetryExhausted means transient failures persisted past the
	// retry limit.
	KindRetryExhausted
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindPermissionDenied:
		return "permission denied"
	case KindQuotaExceeded:
		return "quota exceeded"
	case KindCancelled:
		return "cancelled"
	case KindRetryExhausted:
		return "retry exhausted"
	default:
		return "unknown"
	}
}

// Error is the transfer error type. Offset is the last byte offset
// confirmed written before the failure, for diagnosing partial transfers.
type Error struct {
	Kind   ErrorKind
	Offset int64
	msg    string
	err    error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("transfer: %s: %s: %v", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("transfer: %s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// IsKind reports whether err is a transfer error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == kind
}

func newError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, msg: msg, err: err}
}

// permanent reports whether err must not be retried. Cancellation,
// missing paths, permission and quota failures fail the job immediately;
// anything else is treated as transient network trouble.
func permanent(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		switch te.Kind {
		case KindNotFound, KindPermissionDenied, KindQuotaExceeded, KindCancelled:
			return true
		}
		return false
	}
	return remote.IsNotExist(err) || remote.IsPermission(err) || remote.IsQuotaExceeded(err)
}

// Classify maps a raw filesystem error onto the transfer taxonomy so
// callers outside the engine, such as directory listing, surface the
// same error vocabulary. Unrecognized errors pass through unchanged.
func Classify(err error, path string) error {
	return classify(err, path, 0)
}

// classify maps a raw filesystem error onto the transfer taxonomy,
// recording offset as the last confirmed byte position.
func classify(err error, p string, offset int64) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	switch {
	case remote.IsNotExist(err):
		return &Error{Kind: KindNotFound, Offset: offset, msg: p, err: err}
	case remote.IsPermission(err):
		return &Error{Kind: KindPermissionDenied, Offset: offset, msg: p, err: err}
	case remote.IsQuotaExceeded(err):
		return &Error{Kind: KindQuotaExceeded, Offset: offset, msg: p, err: err}
	}
	return err
}
