package api

import (
	"errors"
	"fmt"
)

// Error kinds. Use errors.Is against these to classify any error returned
// by the engine.
var (
	ErrNotFound         = errors.New("not found")
	ErrValidation       = errors.New("validation error")
	ErrConflict         = errors.New("concurrent modification")
	ErrTerminalState    = errors.New("instance is in a terminal state")
	ErrPermissionDenied = errors.New("permission denied")
)

// Error carries the operation that failed together with its kind.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

// Unwrap exposes both the kind and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundf builds an ErrNotFound error.
func NotFoundf(op, format string, args ...any) error {
	return newError(ErrNotFound, op, format, args...)
}

// Validationf builds an ErrValidation error.
func Validationf(op, format string, args ...any) error {
	return newError(ErrValidation, op, format, args...)
}

// Conflictf builds an ErrConflict error.
func Conflictf(op, format string, args ...any) error {
	return newError(ErrConflict, op, format, args...)
}

// TerminalStatef builds an ErrTerminalState error.
func TerminalStatef(op, format string, args ...any) error {
	return newError(ErrTerminalState, op, format, args...)
}

// PermissionDeniedf builds an ErrPermissionDenied error.
func PermissionDeniedf(op, format string, args ...any) error {
	return newError(ErrPermissionDenied, op, format, args...)
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsValidation reports whether err is an ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsConflict reports whether err is an ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsTerminalState reports whether err is an ErrTerminalState.
func IsTerminalState(err error) bool { return errors.Is(err, ErrTerminalState) }
