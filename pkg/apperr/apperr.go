// Package apperr defines the error kinds surfaced to connections.
package apperr

import (
	"errors"
)

// Kind classifies an error for the connection boundary.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindValidation     Kind = "validation"
	KindMembership     Kind = "membership"
	KindResourceInit   Kind = "resource_init"
	KindTransient      Kind = "transient"
	KindPersistence    Kind = "persistence"
	KindNotFound       Kind = "not_found"
	KindForbidden      Kind = "forbidden"
	KindConflict       Kind = "conflict"
	KindInternal       Kind = "internal"
)

// Error is a classified error carrying a message safe to show the sender.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return string(e.Kind) + ": " + e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by kind, so errors.Is(err, ErrValidation) holds for any
// validation error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrAuthentication = &Error{Kind: KindAuthentication}
	ErrValidation     = &Error{Kind: KindValidation}
	ErrMembership     = &Error{Kind: KindMembership}
	ErrResourceInit   = &Error{Kind: KindResourceInit}
	ErrTransient      = &Error{Kind: KindTransient}
	ErrPersistence    = &Error{Kind: KindPersistence}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrForbidden      = &Error{Kind: KindForbidden}
	ErrConflict       = &Error{Kind: KindConflict}
)

// New creates a classified error.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies err under kind with a public message.
func Wrap(kind Kind, message string, err error) error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Validation(message string) error { return New(KindValidation, message) }
func Membership(message string) error { return New(KindMembership, message) }
func NotFound(message string) error { return New(KindNotFound, message) }
func Forbidden(message string) error { return New(KindForbidden, message) }
func Conflict(message string) error { return New(KindConflict, message) }
func Persistence(err error) error { return Wrap(KindPersistence, "failed to store message", err) }
func Transient(message string, err error) error {
	return Wrap(KindTransient, message, err)
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// PublicMessage returns the sender-facing text for err. Unclassified errors
// never leak their details.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "internal error"
}
