// Package failure defines the error kinds shared by every file manager operation.
package failure

import (
	"errors"
	"net/http"
)

var (
	ErrForbidden  = errors.New("forbidden")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrValidation = errors.New("validation failed")
	ErrIO         = errors.New("io failure")
)

type wrapError struct {
	kind  error
	msg   string
	cause error
}

var _ error = (*wrapError)(nil)

func (err *wrapError) Error() string {
	if err == nil {
		return "(*wrapError)(nil)"
	}
	if err.msg == "" {
		if err.cause != nil {
			return err.kind.Error() + ": " + err.cause.Error()
		}
		return err.kind.Error()
	}
	if err.cause != nil {
		return err.msg + ": " + err.cause.Error()
	}
	return err.msg
}

func (err *wrapError) Unwrap() []error {
	if err.cause == nil {
		return []error{err.kind}
	}
	return []error{err.kind, err.cause}
}

// Message returns the user-facing message without the cause appended.
func Message(err error) string {
	var w *wrapError
	if errors.As(err, &w) && w.msg != "" {
		return w.msg
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func Forbidden(msg string) error {
	return &wrapError{kind: ErrForbidden, msg: msg}
}

func NotFound(msg string) error {
	return &wrapError{kind: ErrNotFound, msg: msg}
}

func Conflict(msg string) error {
	return &wrapError{kind: ErrConflict, msg: msg}
}

func Validation(msg string) error {
	return &wrapError{kind: ErrValidation, msg: msg}
}

// IO wraps an underlying filesystem error. The cause is kept for logging and
// errors.Is checks but is not shown to the user by Message.
func IO(msg string, cause error) error {
	return &wrapError{kind: ErrIO, msg: msg, cause: cause}
}

// Kind returns the sentinel kind of err, or ErrIO for anything unclassified.
func Kind(err error) error {
	for _, k := range []error{ErrForbidden, ErrNotFound, ErrConflict, ErrValidation, ErrIO} {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrIO
}

// StatusCode maps an error kind to its HTTP status.
func StatusCode(err error) int {
	switch Kind(err) {
	case ErrForbidden:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Label is the short metric/log label for an error kind.
func Label(err error) string {
	if err == nil {
		return "ok"
	}
	switch Kind(err) {
	case ErrForbidden:
		return "forbidden"
	case ErrNotFound:
		return "not_found"
	case ErrConflict:
		return "conflict"
	case ErrValidation:
		return "invalid"
	default:
		return "io"
	}
}
