// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"errors"
)

// Signal is the terminal outcome of a request. Exactly one is produced per
// request.
type Signal int

const (
	SignalCompleted Signal = iota
	SignalCancelled
	SignalFailed
)

func (s Signal) String() string {
	switch s {
	case SignalCompleted:
		return "completed"
	case SignalCancelled:
		return "cancelled"
	case SignalFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is what a decoder run resolves to.
type Result struct {
	Signal Signal

	// Text is the concatenation of every fragment passed to the sink.
	Text string

	// FinishReason is the last finish_reason reported by the backend, if any.
	FinishReason string

	// Err is nil for SignalCompleted, the context error for SignalCancelled
	// and the (mapped) transport error for SignalFailed.
	Err error
}

// SignalFor classifies an error returned by a chat call.
// Context cancellation is reported as SignalCancelled, never SignalFailed.
func SignalFor(err error) Signal {
	switch {
	case err == nil:
		return SignalCompleted
	case errors.Is(err, context.Canceled):
		return SignalCancelled
	default:
		return SignalFailed
	}
}
