// Package apperr defines the error kinds surfaced by the ingestion, replace
// and retrieval paths. Every error carries a stable Kind so callers (and the
// HTTP layer) can branch on it without string matching.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation        Kind = "validation"
	KindConflict          Kind = "conflict"
	KindOwnership         Kind = "ownership"
	KindDimensionMismatch Kind = "dimension_mismatch"
	KindNotFound          Kind = "not_found"
	KindTransient         Kind = "transient_infra"
	KindAbortedReplace    Kind = "aborted_replace"
	KindInternal          Kind = "internal"
)

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrOwnership         = &Error{Kind: KindOwnership}
	ErrDimensionMismatch = &Error{Kind: KindDimensionMismatch}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrTransient         = &Error{Kind: KindTransient}
	ErrAbortedReplace    = &Error{Kind: KindAbortedReplace}
)

type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

func Validation(op, format string, args ...any) *Error {
	return New(KindValidation, op, format, args...)
}

func NotFound(op, format string, args ...any) *Error {
	return New(KindNotFound, op, format, args...)
}

func Ownership(op, format string, args ...any) *Error {
	return New(KindOwnership, op, format, args...)
}

func DimensionMismatch(op string, want, got int) *Error {
	return New(KindDimensionMismatch, op, "expected vector dimension %d, got %d", want, got)
}

func Transient(op string, err error) *Error {
	return Wrap(KindTransient, op, err, "upstream unavailable")
}

func AbortedReplace(op string, err error) *Error {
	return Wrap(KindAbortedReplace, op, err, "replace aborted, original document left intact")
}

// KindOf reports the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
