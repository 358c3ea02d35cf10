// Package apperr defines the recoverable error kinds shared by the
// session manager, share manager, state store, and proxy, so the admin
// API can map them to HTTP status codes without string-matching errors.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	AlreadyRunning  Kind = "already_running"
	NotFound        Kind = "not_found"
	DirInUse        Kind = "dir_in_use"
	PortUnavailable Kind = "port_unavailable"
	PortExhausted   Kind = "port_exhausted"
	SpawnFailed     Kind = "spawn_failed"
	SessionNotFound Kind = "session_not_found"
	InvalidDuration Kind = "invalid_duration"
	InvalidToken    Kind = "invalid_token"
	Expired         Kind = "expired"
	Upstream502     Kind = "upstream_502"
	IO              Kind = "io"
	Serialisation   Kind = "serialisation"
	Fatal           Kind = "fatal"
	BadInput        Kind = "bad_input"
)

// Error wraps a Kind with a human message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error for kind with the given message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error for kind, wrapping cause, formatting message as
// "message: cause" via Error().
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; ok is false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
