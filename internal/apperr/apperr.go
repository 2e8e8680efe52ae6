// Package apperr maps failures from every layer onto the small set of kinds
// the user interface knows how to present.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a user-visible failure.
type Kind string

const (
	KindCatalog      Kind = "catalog"
	KindLoad         Kind = "load"
	KindMissingInput Kind = "missing_input"
	KindValidation   Kind = "validation"
	KindSynthesis    Kind = "synthesis"
	KindNotFound     Kind = "not_found"
	KindRateLimited  Kind = "rate_limited"
	KindCanceled     Kind = "canceled"
	KindInternal     Kind = "internal"
)

// Error is a classified failure. Msg is safe to show to the user, Err keeps
// the underlying cause for logs.
type Error struct {
	Err  error
	Kind Kind
	Op   string
	Msg  string
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error without an underlying cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap classifies err. An err that is already classified keeps its kind;
// context cancellation always becomes KindCanceled.
func Wrap(kind Kind, op string, err error, msg string) error {
	if err == nil {
		return nil
	}

	var existing *Error
	if errors.As(err, &existing) {
		return err
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		kind = KindCanceled
		if msg == "" {
			msg = "the request was canceled or timed out"
		}
	}

	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}

	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// UserMessage returns the message to show in the UI.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Msg != "" {
			return e.Msg
		}
		if e.Err != nil {
			return e.Err.Error()
		}
	}
	if err == nil {
		return ""
	}

	return err.Error()
}
