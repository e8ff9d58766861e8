package engine

import (
	"strings"
	"testing"
)

// collectEvents runs the normalizer over body and returns the emitted
// sequence. readSize controls how the input is chunked.
func collectEvents(t *testing.T, body string, kind ProviderKind, streaming bool, readSize int) []StreamEvent {
	t.Helper()
	n := NewNormalizer(nil)
	if readSize > 0 {
		n.readSize = readSize
	}
	var events []StreamEvent
	err := n.Run(strings.NewReader(body), kind, streaming, func(ev StreamEvent) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return events
}

// checkTerminal asserts the exactly-one-terminal-event invariant.
func checkTerminal(t *testing.T, events []StreamEvent) {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events emitted")
	}
	for i, ev := range events[:len(events)-1] {
		if ev.Kind != EventDelta {
			t.Errorf("event %d is %v, only the last event may be terminal", i, ev.Kind)
		}
	}
	last := events[len(events)-1].Kind
	if last != EventDone && last != EventError {
		t.Errorf("last event is %v, want done or error", last)
	}
}

func joinDeltas(events []StreamEvent) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Kind == EventDelta {
			b.WriteString(ev.Text)
		}
	}
	return b.String()
}

func TestNormalizeOpenAIStream(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n" +
		"data: [DONE]\n\n"

	events := collectEvents(t, body, KindOpenAI, true, 0)
	checkTerminal(t, events)
	if got := joinDeltas(events); got != "Hello" {
		t.Errorf("deltas = %q, want Hello", got)
	}
	if events[len(events)-1].Kind != EventDone {
		t.Errorf("last event = %v, want done", events[len(events)-1].Kind)
	}
}

func TestNormalizeAnthropicStream(t *testing.T) {
	body := "event: content_block_delta\n" +
		"data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi\"}}\n\n" +
		"event: message_delta\n" +
		"data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"}}\n\n" +
		"data: [DONE]\n\n"

	events := collectEvents(t, body, KindAnthropic, true, 0)
	checkTerminal(t, events)
	if got := joinDeltas(events); got != "Hi" {
		t.Errorf("deltas = %q, want Hi", got)
	}
}

func TestNormalizeSplitFrameReassembly(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"split across reads\"}}]}\n\ndata: [DONE]\n\n"

	// Tiny reads force every frame to arrive in several pieces.
	for _, readSize := range []int{1, 2, 3, 7} {
		events := collectEvents(t, body, KindOpenAI, true, readSize)
		checkTerminal(t, events)
		if got := joinDeltas(events); got != "split across reads" {
			t.Errorf("readSize %d: deltas = %q, want %q", readSize, got, "split across reads")
		}
	}
}

func TestNormalizeMultiLineFrameReassembly(t *testing.T) {
	// Pretty-printed frame: the JSON document spans two network lines, so it
	// only parses after the carried fragment is rejoined with the next line.
	body := "data: {\"choices\":[{\"delta\":\n" +
		"  {\"content\":\"joined\"}}]}\n\n" +
		"data: [DONE]\n\n"

	events := collectEvents(t, body, KindOpenAI, true, 4)
	checkTerminal(t, events)
	if got := joinDeltas(events); got != "joined" {
		t.Errorf("deltas = %q, want joined", got)
	}
}

func TestNormalizeCommentAndBlankLinesIgnored(t *testing.T) {
	body := ": keep-alive\n\n" +
		"\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n" +
		": another comment\n\n" +
		"data: [DONE]\n\n"

	events := collectEvents(t, body, KindOpenAI, true, 0)
	if got := joinDeltas(events); got != "ok" {
		t.Errorf("deltas = %q, want ok", got)
	}
}

func TestNormalizeEmptyStreamEmitsApology(t *testing.T) {
	events := collectEvents(t, "data: [DONE]\n\n", KindOpenAI, true, 0)
	checkTerminal(t, events)
	if got := joinDeltas(events); got != ApologyMessage {
		t.Errorf("deltas = %q, want the apology message", got)
	}
}

func TestNormalizeContentFilterSubstitutesApology(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"content_filter\"}]}\n\n" +
		"data: [DONE]\n\n"

	events := collectEvents(t, body, KindOpenAI, true, 0)
	checkTerminal(t, events)
	if events[len(events)-1].Kind != EventDone {
		t.Error("content filter must end in done, not error")
	}
	if got := joinDeltas(events); got != ApologyMessage {
		t.Errorf("deltas = %q, want the apology message", got)
	}
}

func TestNormalizeTruncatedStreamStillTerminates(t *testing.T) {
	// Transport cut off mid-stream: no [DONE], trailing partial frame.
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n" +
		"data: {\"choices\":[{\"del"

	events := collectEvents(t, body, KindOpenAI, true, 0)
	checkTerminal(t, events)
	if got := joinDeltas(events); got != "partial" {
		t.Errorf("deltas = %q, want partial", got)
	}
}

func TestNormalizeSingleShotOpenAI(t *testing.T) {
	body := `{"choices":[{"message":{"content":"full answer"},"finish_reason":"stop"}]}`

	events := collectEvents(t, body, KindOpenAI, false, 0)
	if len(events) != 2 {
		t.Fatalf("got %d events, want exactly 2 (delta + done)", len(events))
	}
	if events[0].Kind != EventDelta || events[0].Text != "full answer" {
		t.Errorf("first event = %+v, want delta with full text", events[0])
	}
	if events[1].Kind != EventDone {
		t.Errorf("second event = %v, want done", events[1].Kind)
	}
}

func TestNormalizeSingleShotDeterministic(t *testing.T) {
	body := `{"choices":[{"message":{"content":"same"},"finish_reason":"stop"}]}`
	first := collectEvents(t, body, KindOpenAI, false, 0)
	second := collectEvents(t, body, KindOpenAI, false, 0)
	if len(first) != len(second) {
		t.Fatalf("event counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("event %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestNormalizeSingleShotAnthropic(t *testing.T) {
	body := `{"content":[{"type":"text","text":"claude says "},{"type":"text","text":"hi"}],"stop_reason":"end_turn"}`

	events := collectEvents(t, body, KindAnthropic, false, 0)
	if got := joinDeltas(events); got != "claude says hi" {
		t.Errorf("deltas = %q, want concatenated text blocks", got)
	}
}

func TestNormalizeSingleShotMalformedBodyApologizes(t *testing.T) {
	for _, body := range []string{"", "not json", `{"choices":[]}`} {
		events := collectEvents(t, body, KindOpenAI, false, 0)
		checkTerminal(t, events)
		if got := joinDeltas(events); got != ApologyMessage {
			t.Errorf("body %q: deltas = %q, want the apology message", body, got)
		}
		if events[len(events)-1].Kind != EventDone {
			t.Errorf("body %q: must degrade to a successful apology, not an error", body)
		}
	}
}

func TestNormalizeMalformedFrameBeforeTerminal(t *testing.T) {
	// A fragment that never parses cannot swallow the terminal sentinel: the
	// sentinel is never part of a payload, so the pending fragment is a truly
	// malformed frame and the stream ends in an error event.
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\n" +
		"data: {\"broken\n\n" +
		"data: [DONE]\n\n"

	events := collectEvents(t, body, KindOpenAI, true, 0)
	checkTerminal(t, events)

	last := events[len(events)-1]
	if last.Kind != EventError {
		t.Fatalf("terminal event = %v, want error", last.Kind)
	}
	if got := joinDeltas(events); got != "Hello" {
		t.Errorf("deltas before the error = %q, want Hello", got)
	}
}
