// Package engine – consume.go is the client-side decoder of the canonical
// frame stream. Single-threaded and cooperative: one network chunk at a
// time, complete lines extracted from an internal buffer, the remainder
// retained for the next chunk.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// ConsumeCallbacks receives consumer progress. OnDelta always carries the
// full accumulated text so far, not a diff, so callers re-render trivially.
type ConsumeCallbacks struct {
	OnDelta func(accumulated string)
	OnDone  func(final string, truncated bool)
	OnError func(err error)
}

// Consumer reads a canonical frame stream and assembles the in-progress
// assistant message.
type Consumer struct {
	logger   *slog.Logger
	readSize int
}

// NewConsumer creates a consumer with the default read granularity.
func NewConsumer(logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{logger: logger.With("component", "consume"), readSize: 4096}
}

// Run consumes r until a terminal frame, EOF, or cancellation. Exactly one
// of OnDone/OnError fires per completed run; after cancellation no further
// callbacks fire and the underlying reader is released promptly.
//
// EOF without a terminal sentinel is a soft success when content arrived —
// partial answers are more useful than discarding work — and an error when
// nothing did.
func (c *Consumer) Run(ctx context.Context, r io.Reader, cb ConsumeCallbacks) {
	// Release a blocked Read when the context is cancelled.
	var closeOnce sync.Once
	release := func() {
		if closer, ok := r.(io.Closer); ok {
			closeOnce.Do(func() { closer.Close() })
		}
	}
	defer release()

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			release()
		case <-watchDone:
		}
	}()

	var (
		lb    lineBuffer
		acc   strings.Builder
		carry string
		chunk = make([]byte, c.readSize)
	)

	cancelled := func() bool { return ctx.Err() != nil }

	// handleLine returns done=true when a terminal frame was processed.
	handleLine := func(line string) (done bool) {
		var payload string
		if carry != "" {
			// A terminal sentinel never belongs inside a payload: the pending
			// fragment was a genuinely malformed frame, not a split one.
			if line == framePrefix+frameTerminal {
				c.logger.Warn("malformed frame preceding stream end", "bytes", len(carry))
				carry = ""
				if !cancelled() && cb.OnError != nil {
					cb.OnError(fmt.Errorf("malformed frame before stream end"))
				}
				return true
			}
			// The previous line looked complete but was not valid JSON: the
			// newline belonged to the payload. Rejoin and retry rather than
			// erroring immediately.
			payload = carry + "\n" + line
		} else {
			if line == "" || strings.HasPrefix(line, ":") {
				return false
			}
			if !strings.HasPrefix(line, framePrefix) {
				return false
			}
			payload = strings.TrimPrefix(line, framePrefix)
			if payload == frameTerminal {
				if !cancelled() && cb.OnDone != nil {
					cb.OnDone(acc.String(), false)
				}
				return true
			}
		}

		var frame framePayload
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			carry = payload // wait for more data
			return false
		}
		carry = ""

		if frame.Error != "" {
			c.logger.Warn("error frame received", "error", frame.Error)
			if !cancelled() && cb.OnError != nil {
				cb.OnError(fmt.Errorf("stream error: %s", frame.Error))
			}
			return true
		}

		acc.WriteString(frame.Text)
		if !cancelled() && cb.OnDelta != nil {
			cb.OnDelta(acc.String())
		}
		return false
	}

	for {
		if cancelled() {
			return
		}
		n, err := r.Read(chunk)
		if n > 0 {
			lb.Feed(chunk[:n])
			for {
				line, ok := lb.NextLine()
				if !ok {
					break
				}
				if handleLine(line) {
					return
				}
			}
		}
		if err != nil {
			if cancelled() {
				return
			}
			if err != io.EOF {
				c.logger.Warn("stream read failed", "error", err)
			}
			break
		}
	}

	// Transport ended without a terminal frame.
	if rest := lb.Rest(); rest != "" || carry != "" {
		// One last chance: the final line may simply lack its newline.
		if handleLine(rest) {
			return
		}
	}
	if cancelled() {
		return
	}
	if acc.Len() > 0 {
		c.logger.Info("stream truncated, keeping partial content", "len", acc.Len())
		if cb.OnDone != nil {
			cb.OnDone(acc.String(), true)
		}
		return
	}
	if cb.OnError != nil {
		cb.OnError(ErrEmptyStream)
	}
}
