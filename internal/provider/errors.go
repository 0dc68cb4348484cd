// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ErrorType categorizes provider errors for handling.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeNotConfigured
	ErrTypeConnection
	ErrTypeAuth
	ErrTypeModelNotFound
	ErrTypeRateLimited
	ErrTypeInvalidResponse
)

// Error is a failure talking to a model provider.
type Error struct {
	Type     ErrorType
	Provider string
	Status   int
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches sentinels by type, so errors.Is(err, ErrRateLimited) works
// for any rate-limit failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

// Sentinel errors for easy checking.
var (
	ErrNotConfigured = &Error{Type: ErrTypeNotConfigured, Message: "provider not configured"}
	ErrAuthFailed    = &Error{Type: ErrTypeAuth, Message: "authentication failed"}
	ErrModelNotFound = &Error{Type: ErrTypeModelNotFound, Message: "model not found"}
	ErrRateLimited   = &Error{Type: ErrTypeRateLimited, Message: "rate limited"}
)

// errorFromResponse converts an HTTP error response into an *Error. The
// message is taken from the common JSON error shapes when present.
func errorFromResponse(provider string, status int, body []byte) error {
	msg := ""
	for _, path := range []string{"error.message", "error", "message", "detail"} {
		if r := gjson.GetBytes(body, path); r.Exists() && r.Type == gjson.String {
			msg = r.String()
			break
		}
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if len(msg) > 300 {
		msg = msg[:300]
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	typ := ErrTypeInvalidResponse
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		typ = ErrTypeAuth
	case http.StatusNotFound:
		typ = ErrTypeModelNotFound
	case http.StatusTooManyRequests:
		typ = ErrTypeRateLimited
	}
	return &Error{Type: typ, Provider: provider, Status: status, Message: msg}
}

func connectionError(provider string, err error) error {
	return &Error{Type: ErrTypeConnection, Provider: provider, Message: "request failed", Cause: err}
}

func invalidResponse(provider, msg string, err error) error {
	return &Error{Type: ErrTypeInvalidResponse, Provider: provider, Message: msg, Cause: err}
}
