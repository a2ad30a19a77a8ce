// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream decodes incremental chat completion responses.
//
// A response body is a sequence of newline-delimited records, optionally
// framed as Server-Sent Events ("data: <json>"), ending with a "[DONE]"
// sentinel, a record whose first choice has finish_reason "stop", or the
// end of the body. The decoder never assumes network reads line up with
// record boundaries.
//
// Example:
//
//	d := stream.NewDecoder(stream.WithLogger(logger))
//	res := d.Run(ctx, resp.Body, func(fragment string) {
//	    fmt.Print(fragment)
//	})
//	if res.Signal == stream.SignalFailed {
//	    return res.Err
//	}
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DataPrefix is the SSE framing prefix stripped from records.
	DataPrefix = "data: "

	// DoneSentinel marks the end of a stream.
	DoneSentinel = "[DONE]"

	// FinishStop is the finish_reason that ends a stream.
	FinishStop = "stop"

	// DefaultMaxLineLength bounds a single buffered record (1 MiB).
	DefaultMaxLineLength = 1 << 20

	readSize = 4096
)

// ErrReused is returned when Run is called on a decoder that already ran.
var ErrReused = errors.New("stream: decoder already used")

// Sink receives text fragments in arrival order.
type Sink func(fragment string)

// Notifier is implemented by errors that carry a human-readable notice to
// show inline before the error is returned.
type Notifier interface {
	Inline() string
}

// Stats counts what a decoder saw.
type Stats struct {
	Bytes     int
	Records   int
	Fragments int
	Malformed int
}

// =============================================================================
// DECODER
// =============================================================================

// Decoder turns a byte stream into text fragments. A Decoder holds the state
// of exactly one request and must not be reused.
type Decoder struct {
	logger   *zap.Logger
	maxLine  int
	mapError func(error) error
	readSize int
	buf      []byte
	skipping bool
	text     strings.Builder
	finish   string
	stats    Stats
	used     bool
	resolved bool
	result   Result
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithLogger sets the logger used for skipped records.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Decoder) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMaxLineLength bounds the size of a single record. Longer records are
// discarded as malformed.
func WithMaxLineLength(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.maxLine = n
		}
	}
}

// WithErrorMapper converts raw read errors (and deadline expiry) into the
// error reported in Result.Err.
func WithErrorMapper(fn func(error) error) Option {
	return func(d *Decoder) {
		if fn != nil {
			d.mapError = fn
		}
	}
}

// WithReadSize sets the size of each read from the underlying reader.
func WithReadSize(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.readSize = n
		}
	}
}

// NewDecoder creates a decoder for one request.
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{
		logger:   zap.NewNop(),
		maxLine:  DefaultMaxLineLength,
		mapError: func(err error) error { return err },
		readSize: readSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode runs a fresh decoder over r.
func Decode(ctx context.Context, r io.Reader, sink Sink, opts ...Option) Result {
	return NewDecoder(opts...).Run(ctx, r, sink)
}

// Stats returns the counters collected so far.
func (d *Decoder) Stats() Stats {
	return d.stats
}

// Text returns everything emitted so far.
func (d *Decoder) Text() string {
	return d.text.String()
}

// Run reads r until a terminal event and returns the single Result for the
// request. Cancellation of ctx is observed before every read and before
// every emission.
func (d *Decoder) Run(ctx context.Context, r io.Reader, sink Sink) Result {
	if d.used {
		return Result{Signal: SignalFailed, Err: ErrReused}
	}
	d.used = true
	if sink == nil {
		sink = func(string) {}
	}

	chunk := make([]byte, d.readSize)
	for {
		if res, stop := d.interrupted(ctx, sink); stop {
			return res
		}

		n, err := r.Read(chunk)
		if n > 0 {
			d.stats.Bytes += n
			if d.feed(ctx, chunk[:n], sink) {
				return d.result
			}
		}
		if err == nil {
			continue
		}

		if res, stop := d.interrupted(ctx, sink); stop {
			return res
		}
		if errors.Is(err, io.EOF) {
			// A final record may arrive without a trailing newline.
			if !d.skipping && len(d.buf) > 0 {
				rest := d.buf
				d.buf = nil
				if !d.oversized(rest) && d.record(ctx, rest, sink) {
					return d.result
				}
			}
			return d.complete()
		}
		return d.fail(err, sink)
	}
}

// feed appends a fragment and processes every complete record in the
// buffer. It reports whether the request reached a terminal state.
func (d *Decoder) feed(ctx context.Context, fragment []byte, sink Sink) bool {
	d.buf = append(d.buf, fragment...)

	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := d.buf[:idx]
		d.buf = d.buf[idx+1:]

		if d.skipping {
			d.skipping = false
			continue
		}
		if d.oversized(line) {
			continue
		}
		if d.record(ctx, line, sink) {
			return true
		}
	}

	if len(d.buf) > d.maxLine {
		if !d.skipping {
			d.oversized(d.buf)
		}
		d.buf = nil
		d.skipping = true
	}

	// Compact so the backing array does not grow without bound.
	if len(d.buf) > 0 {
		d.buf = append([]byte(nil), d.buf...)
	} else {
		d.buf = d.buf[:0]
	}
	return false
}

// oversized counts a record longer than the line limit as malformed. The
// limit applies to complete and partial records alike, so the outcome does
// not depend on how the bytes were split.
func (d *Decoder) oversized(line []byte) bool {
	if len(line) <= d.maxLine {
		return false
	}
	d.stats.Malformed++
	d.logger.Debug("discarding oversized stream record", zap.Int("length", len(line)))
	return true
}

// =============================================================================
// RECORDS
// =============================================================================

// record is one decoded JSON line. Both the incremental (delta) and the
// full-message shapes are accepted, as is Ollama's native NDJSON form.
type record struct {
	Choices []struct {
		Delta *struct {
			Content string `json:"content"`
		} `json:"delta"`
		Message *struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`

	Message *struct {
		Content string `json:"content"`
	} `json:"message"`
	Done *bool `json:"done"`
}

// content returns the text carried by the record and whether the record has
// a recognised shape at all.
func (r *record) content() (string, bool) {
	if len(r.Choices) > 0 {
		c := r.Choices[0]
		if c.Delta != nil && c.Delta.Content != "" {
			return c.Delta.Content, true
		}
		if c.Message != nil && c.Message.Content != "" {
			return c.Message.Content, true
		}
		return "", c.Delta != nil || c.Message != nil || c.FinishReason != nil
	}
	if r.Message != nil {
		return r.Message.Content, true
	}
	return "", r.Done != nil
}

func (r *record) finishReason() string {
	if len(r.Choices) > 0 && r.Choices[0].FinishReason != nil {
		return *r.Choices[0].FinishReason
	}
	if r.Done != nil && *r.Done {
		return FinishStop
	}
	return ""
}

// record processes one candidate line. It reports whether the request
// reached a terminal state.
func (d *Decoder) record(ctx context.Context, line []byte, sink Sink) bool {
	text := strings.TrimSpace(string(line))
	if text == "" {
		return false
	}
	d.stats.Records++

	if strings.HasPrefix(text, DataPrefix) {
		text = strings.TrimSpace(text[len(DataPrefix):])
	}
	if text == DoneSentinel {
		d.complete()
		return true
	}

	var rec record
	if err := json.Unmarshal([]byte(text), &rec); err != nil {
		d.skip(text, err)
		return false
	}
	content, ok := rec.content()
	if !ok {
		d.skip(text, errors.New("unexpected record shape"))
		return false
	}

	if content != "" {
		if _, stop := d.interrupted(ctx, sink); stop {
			return true
		}
		sink(content)
		d.text.WriteString(content)
		d.stats.Fragments++
	}

	if reason := rec.finishReason(); reason != "" {
		d.finish = reason
		if reason == FinishStop {
			d.complete()
			return true
		}
	}
	return false
}

func (d *Decoder) skip(text string, err error) {
	d.stats.Malformed++
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	d.logger.Debug("skipping malformed stream record", zap.String("record", text), zap.Error(err))
}

// =============================================================================
// TERMINATION
// =============================================================================

// resolve records the first terminal outcome and ignores later ones.
func (d *Decoder) resolve(res Result) Result {
	if d.resolved {
		return d.result
	}
	d.resolved = true
	res.Text = d.text.String()
	res.FinishReason = d.finish
	d.result = res
	d.buf = nil
	return res
}

func (d *Decoder) complete() Result {
	return d.resolve(Result{Signal: SignalCompleted})
}

func (d *Decoder) fail(err error, sink Sink) Result {
	if d.resolved {
		return d.result
	}
	err = d.mapError(err)
	if n, ok := err.(Notifier); ok {
		sink(n.Inline())
	} else {
		sink(fmt.Sprintf("\n[error: %v]", err))
	}
	return d.resolve(Result{Signal: SignalFailed, Err: err})
}

// interrupted checks ctx. Cancellation resolves as SignalCancelled; an
// expired deadline is a failure.
func (d *Decoder) interrupted(ctx context.Context, sink Sink) (Result, bool) {
	if d.resolved {
		return d.result, true
	}
	switch err := ctx.Err(); {
	case err == nil:
		return Result{}, false
	case errors.Is(err, context.DeadlineExceeded):
		return d.fail(err, sink), true
	default:
		return d.resolve(Result{Signal: SignalCancelled, Err: err}), true
	}
}
