// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// Kind categorizes transport failures so callers can show actionable guidance.
type Kind int

const (
	KindGeneric Kind = iota
	KindBackendUnavailable
	KindModelNotFound
	KindTimeout
	KindUnauthorized
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindBackendUnavailable:
		return "backend_unavailable"
	case KindModelNotFound:
		return "model_not_found"
	case KindTimeout:
		return "timeout"
	case KindUnauthorized:
		return "unauthorized"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "generic"
	}
}

// Error is a classified transport failure.
type Error struct {
	Kind     Kind
	Model    string // set for KindModelNotFound
	Endpoint string
	Status   int
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same Kind, so the sentinels below work with
// errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Inline is the short notice appended to the transcript before the error is
// returned.
func (e *Error) Inline() string {
	switch e.Kind {
	case KindBackendUnavailable:
		where := e.Endpoint
		if where == "" {
			where = "the backend"
		}
		return fmt.Sprintf("\n\n[Cannot connect to %s. Make sure it is running (for Ollama: `ollama serve`).]", where)
	case KindModelNotFound:
		return fmt.Sprintf("\n\n[Model %q was not found. Pull it with `ollama pull %s` or choose another model.]", e.Model, e.Model)
	case KindTimeout:
		return "\n\n[The request timed out. Large models can take a while to load; try again or pick a smaller model.]"
	case KindUnauthorized:
		return "\n\n[The API key was rejected. Check cloud.api_key in your config.]"
	case KindRateLimited:
		return "\n\n[Rate limited by the backend. Wait a moment and try again.]"
	default:
		return "\n\n[Error: " + e.Error() + "]"
	}
}

// Sentinel errors for errors.Is checks.
var (
	ErrBackendUnavailable = &Error{Kind: KindBackendUnavailable, Message: "backend unavailable"}
	ErrModelNotFound      = &Error{Kind: KindModelNotFound, Message: "model not found"}
	ErrTimeout            = &Error{Kind: KindTimeout, Message: "request timed out"}
	ErrUnauthorized       = &Error{Kind: KindUnauthorized, Message: "unauthorized"}
	ErrRateLimited        = &Error{Kind: KindRateLimited, Message: "rate limited"}
)

// IsBackendUnavailable reports whether err means the backend is not running.
func IsBackendUnavailable(err error) bool { return KindOf(err) == KindBackendUnavailable }

// IsModelNotFound reports whether err means the requested model is unknown.
func IsModelNotFound(err error) bool { return KindOf(err) == KindModelNotFound }

// IsTimeout reports whether err is a request timeout.
func IsTimeout(err error) bool { return KindOf(err) == KindTimeout }

// KindOf returns the Kind of a transport error, or KindGeneric.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindGeneric
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

// classify maps a network-level error to an *Error. Context cancellation is
// returned unchanged.
func classify(err error, endpoint string) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Endpoint: endpoint, Message: "request timed out", Cause: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindTimeout, Endpoint: endpoint, Message: "request timed out", Cause: err}
	}
	if isConnRefused(err) {
		return &Error{Kind: KindBackendUnavailable, Endpoint: endpoint, Message: "backend unavailable", Cause: err}
	}
	return &Error{Kind: KindGeneric, Endpoint: endpoint, Message: "request failed", Cause: err}
}

func isConnRefused(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "actively refused")
}

// statusError maps a non-2xx response to an *Error. detail is the message
// extracted from the response body, if any.
func statusError(status int, model, endpoint, detail string) *Error {
	e := &Error{Status: status, Endpoint: endpoint, Message: detail}
	if e.Message == "" {
		e.Message = fmt.Sprintf("backend returned %d %s", status, http.StatusText(status))
	}

	switch {
	case status == http.StatusNotFound:
		e.Kind = KindModelNotFound
		e.Model = model
		if detail == "" {
			e.Message = fmt.Sprintf("model %q not found", model)
		}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindUnauthorized
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		e.Kind = KindTimeout
	default:
		e.Kind = KindGeneric
	}
	return e
}

// retryable reports whether a failed attempt may be repeated.
func retryable(err error) bool {
	var te *Error
	if !errors.As(err, &te) {
		return false
	}
	switch te.Kind {
	case KindRateLimited:
		return true
	case KindGeneric:
		return te.Status >= 500 || (te.Status == 0 && isConnReset(te.Cause))
	}
	return false
}

func isConnReset(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "EOF")
}
