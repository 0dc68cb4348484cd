// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

// =============================================================================
// ERROR TYPES
// =============================================================================

// ErrorKind categorizes turn-level failures for handling.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindConnection: the duplex channel could not be established.
	KindConnection
	// KindInterrupted: the channel closed before the end-of-stream sentinel.
	KindInterrupted
	// KindPersistence: a write-through to the store failed.
	KindPersistence
	// KindMalformedMarkers: phase markers were present but unparsable.
	KindMalformedMarkers
)

// String returns the string representation of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection_error"
	case KindInterrupted:
		return "stream_interrupted"
	case KindPersistence:
		return "persistence_error"
	case KindMalformedMarkers:
		return "malformed_phase_markers"
	default:
		return "unknown"
	}
}

// Error is a recoverable turn-level failure.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrConnection)
// works regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinel errors for easy checking.
var (
	ErrConnection        = &Error{Kind: KindConnection, Message: "connection failed"}
	ErrStreamInterrupted = &Error{Kind: KindInterrupted, Message: "stream interrupted"}
	ErrPersistence       = &Error{Kind: KindPersistence, Message: "persistence failed"}
	ErrMalformedMarkers  = &Error{Kind: KindMalformedMarkers, Message: "malformed phase markers"}
)

func newError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) ErrorKind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return KindUnknown
		}
		err = u.Unwrap()
	}
	return KindUnknown
}
