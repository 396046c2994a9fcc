// Package fault defines the structured failures surfaced by the command bridge.
//
// Every failure that reaches a caller of the bridge is an *Error carrying a Kind.
// Callers match on kind with errors.Is against the package sentinels:
//
//	if errors.Is(err, fault.ErrTimeout) { ... }
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a bridge failure.
type Kind string

const (
	KindBackendUnavailable    Kind = "backend_unavailable"
	KindTimeout               Kind = "timeout"
	KindCancelled             Kind = "cancelled"
	KindBackendLaunchFailed   Kind = "backend_launch_failed"
	KindTransportDisconnected Kind = "transport_disconnected"
	KindProtocolError         Kind = "protocol_error"
	// KindBackendError means the backend answered with status=error.
	KindBackendError Kind = "backend_error"
)

// Error is a failure descriptor: a kind plus a human-readable message.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	// Code is the backend's own error kind when Kind is backend_error.
	Code string `json:"code,omitempty"`
	// Err is the underlying cause, if any. Not serialized.
	Err error `json:"-"`
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrBackendUnavailable    = &Error{Kind: KindBackendUnavailable}
	ErrTimeout               = &Error{Kind: KindTimeout}
	ErrCancelled             = &Error{Kind: KindCancelled}
	ErrBackendLaunchFailed   = &Error{Kind: KindBackendLaunchFailed}
	ErrTransportDisconnected = &Error{Kind: KindTransportDisconnected}
	ErrProtocolError         = &Error{Kind: KindProtocolError}
	ErrBackendError          = &Error{Kind: KindBackendError}
)

// New returns an *Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an *Error of the given kind whose message is prefixed onto cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	if cause != nil {
		msg = msg + ": " + cause.Error()
	}
	return &Error{Kind: kind, Message: msg, Err: cause}
}

func (e *Error) Error() string {
	label := string(e.Kind)
	if e.Code != "" {
		label += " (" + e.Code + ")"
	}
	if e.Message == "" {
		return label
	}
	return label + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind. A target with a
// message only matches an identical message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Message == "" || t.Message == e.Message
}

// KindOf extracts the kind from err, or "" when err is not a bridge failure.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// From converts any error into an *Error, defaulting to fallback for foreign errors.
func From(err error, fallback Kind) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{Kind: fallback, Message: err.Error(), Err: err}
}
