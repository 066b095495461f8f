// Package api defines public API contracts for plugin-bridge.
package api

import (
	"errors"
	"strings"

	"github.com/srediag/plugin-bridge/pkg/wire"
)

// Kind categorizes a bridge error. Kinds travel to the managed side as the
// Fault kind string of an error response.
type Kind string

const (
	KindUnknownOperation   Kind = "UnknownOperation"
	KindUnknownHandle      Kind = "UnknownHandle"
	KindDuplicatePort      Kind = "DuplicatePort"
	KindAlreadyInitialized Kind = "AlreadyInitialized"
	KindNotPrepared        Kind = "NotPrepared"
	KindHandlerFailure     Kind = "HandlerFailure"
	KindChannelClosed      Kind = "ChannelClosed"
)

// Sentinel errors, matched by kind through errors.Is.
var (
	ErrUnknownOperation   = &Error{Kind: KindUnknownOperation}
	ErrUnknownHandle      = &Error{Kind: KindUnknownHandle}
	ErrDuplicatePort      = &Error{Kind: KindDuplicatePort}
	ErrAlreadyInitialized = &Error{Kind: KindAlreadyInitialized}
	ErrNotPrepared        = &Error{Kind: KindNotPrepared}
	ErrHandlerFailure     = &Error{Kind: KindHandlerFailure}
	ErrChannelClosed      = &Error{Kind: KindChannelClosed}
)

// Error is the structured error used throughout the bridge.
type Error struct {
	Cause   error
	Kind    Kind
	Message string
}

// NewError returns an error of the given kind.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap returns an error of the given kind caused by err.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// KindOf returns the kind of err, or KindHandlerFailure for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindHandlerFailure
}

// FaultOf converts err into the fault carried by an error response.
func FaultOf(err error) *wire.Fault {
	var e *Error
	if errors.As(err, &e) {
		msg := e.Message
		if e.Cause != nil {
			if msg != "" {
				msg += ": "
			}
			msg += e.Cause.Error()
		}
		return &wire.Fault{Kind: string(e.Kind), Message: msg}
	}
	return &wire.Fault{Kind: string(KindHandlerFailure), Message: err.Error()}
}
