// Package engine – normalize.go wraps a provider's raw response body into
// the canonical StreamEvent sequence. Token-stream and single-shot provider
// shapes both normalize to the same format, so the client treats every
// provider identically.
package engine

import (
	"encoding/json"
	"io"
	"log/slog"
	"strings"
)

// ApologyMessage replaces provider failures the end user should never see:
// empty bodies, streams cut off before any content, and content-safety
// blocks. The real cause goes to the logs.
const ApologyMessage = "Sorry, I wasn't able to come up with a response just now. Please try again in a moment."

// maxFrameBytes bounds reassembly of a logical frame split across reads.
const maxFrameBytes = 1 << 20

// EmitFunc receives canonical events in arrival order.
type EmitFunc func(StreamEvent) error

// Normalizer converts provider response bodies into StreamEvent sequences.
type Normalizer struct {
	logger *slog.Logger

	// readSize is the network read granularity; small in tests to exercise
	// split-frame reassembly.
	readSize int
}

// NewNormalizer creates a normalizer.
func NewNormalizer(logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{logger: logger.With("component", "normalize"), readSize: 4096}
}

// Run reads the provider body to completion and emits the canonical event
// sequence: zero or more deltas followed by exactly one done or error.
// streaming selects the token-stream decoder; otherwise the body is one JSON
// document answered in full.
func (n *Normalizer) Run(body io.Reader, kind ProviderKind, streaming bool, emit EmitFunc) error {
	e := &terminalGuard{emit: emit}
	var err error
	if streaming {
		err = n.runTokenStream(body, kind, e)
	} else {
		err = n.runSingleShot(body, kind, e)
	}
	if err != nil {
		return err
	}
	// Whatever path we took, the sequence must terminate.
	if !e.terminated {
		if e.deltas == 0 {
			if err := e.emitEvent(StreamEvent{Kind: EventDelta, Text: ApologyMessage}); err != nil {
				return err
			}
		}
		return e.emitEvent(StreamEvent{Kind: EventDone})
	}
	return nil
}

// terminalGuard enforces the exactly-one-terminal-event invariant: nothing
// is emitted after done or error.
type terminalGuard struct {
	emit       EmitFunc
	deltas     int
	terminated bool
}

func (g *terminalGuard) emitEvent(ev StreamEvent) error {
	if g.terminated {
		return nil
	}
	if ev.Kind == EventDelta {
		g.deltas++
	} else {
		g.terminated = true
	}
	return g.emit(ev)
}

// ---------- Token-stream providers ----------

// openAI SSE chunk: {"choices":[{"delta":{"content":"..."},"finish_reason":...}]}
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// anthropic SSE event (only the fields the normalizer needs).
type anthropicEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
}

// runTokenStream decodes semantically-delimited frames, one per network
// line. A frame that fails to parse as JSON is not discarded: it is carried
// over and rejoined with subsequently received data, because one logical
// frame can arrive split across two reads (or carry an embedded newline).
// Only after reassembly is a truly malformed frame treated as an error.
func (n *Normalizer) runTokenStream(body io.Reader, kind ProviderKind, g *terminalGuard) error {
	var (
		lb      lineBuffer
		carry   string
		blocked bool
		chunk   = make([]byte, n.readSize)
	)

	processPayload := func(payload string) (ok bool) {
		delta, finish, parsed := decodeProviderFrame(payload, kind)
		if !parsed {
			return false
		}
		if delta != "" {
			_ = g.emitEvent(StreamEvent{Kind: EventDelta, Text: delta})
		}
		if isContentFilterReason(finish) {
			blocked = true
		}
		return true
	}

	handleLine := func(line string) {
		if carry != "" {
			// The terminal sentinel never belongs inside a payload, so a
			// pending fragment at this point was truly malformed.
			if line == framePrefix+frameTerminal {
				n.logger.Warn("malformed frame preceding terminal", "bytes", len(carry))
				_ = g.emitEvent(StreamEvent{Kind: EventError, Text: "malformed provider frame"})
				carry = ""
				return
			}
			// Continuation of a frame whose newline was part of the payload.
			candidate := carry + "\n" + line
			if len(candidate) > maxFrameBytes {
				n.logger.Error("oversized frame, aborting stream", "bytes", len(candidate))
				_ = g.emitEvent(StreamEvent{Kind: EventError, Text: "malformed provider frame"})
				carry = ""
				return
			}
			if processPayload(candidate) {
				carry = ""
			} else {
				carry = candidate
			}
			return
		}

		if line == "" || strings.HasPrefix(line, ":") {
			return // blank or keep-alive comment
		}
		if !strings.HasPrefix(line, framePrefix) {
			return // event-type lines and other SSE fields
		}
		payload := strings.TrimPrefix(line, framePrefix)
		if payload == frameTerminal {
			n.finishTokenStream(g, blocked)
			return
		}
		if !processPayload(payload) {
			carry = payload
		}
	}

	for {
		nr, err := body.Read(chunk)
		if nr > 0 {
			lb.Feed(chunk[:nr])
			for {
				line, ok := lb.NextLine()
				if !ok {
					break
				}
				handleLine(line)
				if g.terminated {
					return nil
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				n.logger.Warn("provider stream read failed", "error", err)
			}
			break
		}
	}

	// Transport ended without the terminal sentinel. A trailing partial line
	// or an unresolved carry means the stream was cut mid-frame.
	if rest := lb.Rest(); rest != "" {
		handleLine(rest)
	}
	if carry != "" {
		n.logger.Warn("stream ended with unparseable frame", "bytes", len(carry))
	}
	if !g.terminated {
		n.finishTokenStream(g, blocked)
	}
	return nil
}

// finishTokenStream closes a token stream: a content-safety block or a
// contentless stream degrades to the apology, everything else just ends.
func (n *Normalizer) finishTokenStream(g *terminalGuard, blocked bool) {
	if blocked || g.deltas == 0 {
		if blocked {
			n.logger.Info("provider blocked content, substituting apology")
		} else {
			n.logger.Warn("provider stream ended without content")
		}
		_ = g.emitEvent(StreamEvent{Kind: EventDelta, Text: ApologyMessage})
	}
	_ = g.emitEvent(StreamEvent{Kind: EventDone})
}

// decodeProviderFrame parses one provider frame. Returns parsed=false when
// the payload is not valid JSON for the provider shape.
func decodeProviderFrame(payload string, kind ProviderKind) (delta, finishReason string, parsed bool) {
	switch kind {
	case KindAnthropic:
		var ev anthropicEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return "", "", false
		}
		if ev.Delta != nil {
			if ev.Delta.Type == "text_delta" {
				delta = ev.Delta.Text
			}
			finishReason = ev.Delta.StopReason
		}
		return delta, finishReason, true
	default:
		var ch streamChunk
		if err := json.Unmarshal([]byte(payload), &ch); err != nil {
			return "", "", false
		}
		for _, c := range ch.Choices {
			delta += c.Delta.Content
			if c.FinishReason != nil {
				finishReason = *c.FinishReason
			}
		}
		return delta, finishReason, true
	}
}

func isContentFilterReason(reason string) bool {
	switch reason {
	case "content_filter", "refusal":
		return true
	}
	return false
}

// ---------- Single-shot providers ----------

type singleShotResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	// Anthropic shape.
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

// runSingleShot synthesizes exactly two events from a full-answer body: one
// delta carrying the entire text, then done. Deterministic: the same body
// always yields the same sequence.
func (n *Normalizer) runSingleShot(body io.Reader, kind ProviderKind, g *terminalGuard) error {
	raw, err := io.ReadAll(io.LimitReader(body, maxFrameBytes))
	if err != nil {
		n.logger.Warn("reading provider response failed", "error", err)
		return g.emitEvent(StreamEvent{Kind: EventError, Text: "reading provider response"})
	}

	text, blocked := extractSingleShotText(raw, kind)
	if blocked || text == "" {
		if blocked {
			n.logger.Info("provider blocked content, substituting apology")
		} else {
			n.logger.Warn("provider returned empty or malformed body", "bytes", len(raw))
		}
		text = ApologyMessage
	}

	if err := g.emitEvent(StreamEvent{Kind: EventDelta, Text: text}); err != nil {
		return err
	}
	return g.emitEvent(StreamEvent{Kind: EventDone})
}

func extractSingleShotText(raw []byte, kind ProviderKind) (text string, blocked bool) {
	var resp singleShotResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", false
	}

	if kind == KindAnthropic {
		var b strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				b.WriteString(block.Text)
			}
		}
		return b.String(), isContentFilterReason(resp.StopReason)
	}

	if len(resp.Choices) == 0 {
		return "", false
	}
	choice := resp.Choices[0]
	return choice.Message.Content, isContentFilterReason(choice.FinishReason)
}
