// Package engine – wire.go defines the canonical incremental event format
// shared by the normalizer (producer) and the client consumer (decoder).
// Frames are newline-terminated: data-bearing frames carry a "data: " marker
// and a JSON payload, a literal "[DONE]" closes the stream, and lines
// beginning with a colon are keep-alive comments.
package engine

import (
	"encoding/json"
	"fmt"
	"io"
)

// EventKind discriminates the canonical StreamEvent variants.
type EventKind int

const (
	EventDelta EventKind = iota
	EventDone
	EventError
)

// String returns the kind label used in logs.
func (k EventKind) String() string {
	switch k {
	case EventDelta:
		return "delta"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// StreamEvent is the canonical unit emitted for one assistant turn. A valid
// sequence ends in exactly one done or error, never both, never zero.
type StreamEvent struct {
	Kind EventKind
	Text string // delta text, or a diagnostic for EventError
}

// Canonical frame markers.
const (
	framePrefix   = "data: "
	frameTerminal = "[DONE]"
)

// framePayload is the JSON body of a data-bearing canonical frame.
type framePayload struct {
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// FrameWriter encodes StreamEvents as canonical frames on an io.Writer.
// Used by the gateway to stream to HTTP clients and by the controller to
// feed the in-process consumer.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter wraps w.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Emit writes one event as a canonical frame.
func (fw *FrameWriter) Emit(ev StreamEvent) error {
	switch ev.Kind {
	case EventDone:
		_, err := fmt.Fprintf(fw.w, "%s%s\n\n", framePrefix, frameTerminal)
		return err
	case EventError:
		payload, err := json.Marshal(framePayload{Error: ev.Text})
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(fw.w, "%s%s\n\n", framePrefix, payload)
		return err
	default:
		payload, err := json.Marshal(framePayload{Text: ev.Text})
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(fw.w, "%s%s\n\n", framePrefix, payload)
		return err
	}
}

// Comment writes a keep-alive comment line. Consumers must ignore it.
func (fw *FrameWriter) Comment(text string) error {
	_, err := fmt.Fprintf(fw.w, ": %s\n\n", text)
	return err
}

// lineBuffer accumulates raw network chunks and hands out complete lines.
// The remainder after the last newline — however short — is retained for the
// next chunk, so frames split at arbitrary byte boundaries reassemble
// correctly.
type lineBuffer struct {
	buf []byte
}

// Feed appends a chunk.
func (b *lineBuffer) Feed(p []byte) {
	b.buf = append(b.buf, p...)
}

// NextLine extracts the next complete line, stripping the terminator (and a
// preceding \r, so a \r\n split mid-terminator behaves the same as unsplit).
func (b *lineBuffer) NextLine() (string, bool) {
	for i, c := range b.buf {
		if c == '\n' {
			line := b.buf[:i]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			out := string(line)
			b.buf = b.buf[i+1:]
			return out, true
		}
	}
	return "", false
}

// Rest returns whatever is buffered without a trailing newline.
func (b *lineBuffer) Rest() string {
	return string(b.buf)
}
