package store

import (
	"errors"
	"fmt"
)

// Kind classifies store failures.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindArchived
	KindLocked
	KindInvalidInput
	KindDatabase
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindArchived:
		return "archived"
	case KindLocked:
		return "locked"
	case KindInvalidInput:
		return "invalid_input"
	case KindDatabase:
		return "database"
	default:
		return "internal"
	}
}

// Sentinels for errors.Is comparisons against a kind.
var (
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrArchived     = &Error{Kind: KindArchived}
	ErrLocked       = &Error{Kind: KindLocked}
	ErrInvalidInput = &Error{Kind: KindInvalidInput}
	ErrDatabase     = &Error{Kind: KindDatabase}
	ErrInternal     = &Error{Kind: KindInternal}
)

// Error is the typed error returned by every store operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Retryable reports whether the caller may try again later.
func (e *Error) Retryable() bool { return e.Kind == KindLocked }

// KindOf returns the kind of err, or KindInternal when err is not a store error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func notFound(op, id string) *Error {
	return newError(KindNotFound, op, fmt.Errorf("conversation %q not found", id))
}

func archived(op, id string) *Error {
	return newError(KindArchived, op, fmt.Errorf("conversation %q is archived", id))
}

func invalidInput(op, msg string) *Error {
	return newError(KindInvalidInput, op, errors.New(msg))
}

// classify wraps a raw driver error into a typed store error. Errors that
// are already typed pass through unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	if isLocked(err) {
		return newError(KindLocked, op, err)
	}
	return newError(KindDatabase, op, err)
}
