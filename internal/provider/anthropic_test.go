package provider

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/agentgrid/agentgrid/pkg/models"
)

type fakeAnthropicStream struct {
	events []anthropic.MessageStreamEventUnion
	i      int
	err    error
}

func (f *fakeAnthropicStream) Next() bool {
	if f.i >= len(f.events) {
		return false
	}
	f.i++
	return true
}

func (f *fakeAnthropicStream) Current() anthropic.MessageStreamEventUnion {
	return f.events[f.i-1]
}

func (f *fakeAnthropicStream) Err() error { return f.err }

func eventsFromJSON(t *testing.T, lines ...string) []anthropic.MessageStreamEventUnion {
	t.Helper()
	out := make([]anthropic.MessageStreamEventUnion, len(lines))
	for i, line := range lines {
		if err := json.Unmarshal([]byte(line), &out[i]); err != nil {
			t.Fatalf("decode event %d: %v", i, err)
		}
	}
	return out
}

func runAnthropicStream(t *testing.T, stream *fakeAnthropicStream) []StreamEvent {
	t.Helper()
	p := &anthropicProvider{}
	events := make(chan StreamEvent, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.processStream(stream, events)
	}()
	<-done
	close(events)

	var out []StreamEvent
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func TestAnthropicStreamPlainText(t *testing.T) {
	stream := &fakeAnthropicStream{events: eventsFromJSON(t,
		`{"type":"message_start","message":{"usage":{"input_tokens":10}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hel"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}`,
		`{"type":"message_stop"}`,
	)}

	events := runAnthropicStream(t, stream)
	last := events[len(events)-1]
	if last.Kind != KindMessageComplete {
		t.Fatalf("last event = %s", last.Kind)
	}
	if last.Assistant.Content != "hello" {
		t.Errorf("assistant content = %q", last.Assistant.Content)
	}
	if last.StopReason != StopEndTurn {
		t.Errorf("stop reason = %s", last.StopReason)
	}
}

func TestAnthropicStreamToolUse(t *testing.T) {
	stream := &fakeAnthropicStream{events: eventsFromJSON(t,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"run_command","input":{}}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"command\":"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"ls\"}"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":8}}`,
		`{"type":"message_stop"}`,
	)}

	events := runAnthropicStream(t, stream)

	var start, end, complete *StreamEvent
	var fragments string
	for i := range events {
		switch events[i].Kind {
		case KindToolStart:
			start = &events[i]
		case KindToolArgDelta:
			fragments += events[i].JSONFragment
		case KindToolEnd:
			end = &events[i]
		case KindMessageComplete:
			complete = &events[i]
		}
	}
	if start == nil || start.CallID != "toolu_1" || start.ToolName != "run_command" {
		t.Fatalf("tool_start = %+v", start)
	}
	if fragments != `{"command":"ls"}` {
		t.Errorf("accumulated fragments = %q", fragments)
	}
	if end == nil || end.ParsedInput["command"] != "ls" {
		t.Fatalf("tool_end = %+v", end)
	}
	if complete == nil || complete.StopReason != StopToolUse {
		t.Fatalf("message_complete = %+v", complete)
	}
	calls := complete.Assistant.ToolCalls
	if len(calls) != 1 || calls[0].ID != "toolu_1" || calls[0].Arguments != `{"command":"ls"}` {
		t.Errorf("assistant calls = %+v", calls)
	}
}

func TestAnthropicStreamThinking(t *testing.T) {
	stream := &fakeAnthropicStream{events: eventsFromJSON(t,
		`{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"ok"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`,
		`{"type":"message_stop"}`,
	)}

	events := runAnthropicStream(t, stream)
	var kinds []EventKind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	want := []EventKind{KindThinkingStart, KindThinkingDelta, KindThinkingEnd, KindTextDelta, KindMessageComplete}
	if !reflect.DeepEqual(kinds, want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	if events[2].FullText != "hmm" {
		t.Errorf("thinking_end full text = %q", events[2].FullText)
	}
}

func TestAnthropicStreamEndsWithoutStopIsFault(t *testing.T) {
	stream := &fakeAnthropicStream{events: eventsFromJSON(t,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial"}}`,
	)}

	events := runAnthropicStream(t, stream)
	last := events[len(events)-1]
	if last.Kind != KindStreamError {
		t.Fatalf("expected stream_error, got %s", last.Kind)
	}
}

func TestEncodeAnthropicMessages(t *testing.T) {
	log := []models.Message{
		models.UserMessage("list files"),
		models.AssistantMessage("on it", []models.ToolCall{
			{ID: "t1", Name: "run_command", Arguments: `{"command":"ls"}`},
			{ID: "t2", Name: "recall", Arguments: `{"query":"files"}`},
		}),
		models.ToolResultMessage("t1", "a.txt"),
		models.ToolResultMessage("t2", "nothing"),
		models.UserMessage("thanks"),
	}

	out, err := encodeAnthropicMessages(log)
	if err != nil {
		t.Fatal(err)
	}
	// user, assistant, merged tool-result user, user.
	if len(out) != 4 {
		t.Fatalf("expected 4 wire messages, got %d", len(out))
	}
	if out[1].Role != "assistant" {
		t.Errorf("second message role = %s", out[1].Role)
	}
	if len(out[1].Content) != 3 {
		t.Errorf("assistant should carry text + 2 tool_use blocks, got %d", len(out[1].Content))
	}
	if out[2].Role != "user" {
		t.Errorf("tool results must ride a user message, got %s", out[2].Role)
	}
	if len(out[2].Content) != 2 {
		t.Errorf("consecutive results must merge into one user message, got %d blocks", len(out[2].Content))
	}
}

// Dialect round-trip: encoding a log and replaying the same tool call
// through the decoder preserves call ids and argument payloads.
func TestAnthropicDialectRoundTrip(t *testing.T) {
	args := `{"command":"echo hi","timeout_seconds":5}`
	log := []models.Message{
		models.UserMessage("go"),
		models.AssistantMessage("", []models.ToolCall{{ID: "toolu_9", Name: "run_command", Arguments: args}}),
		models.ToolResultMessage("toolu_9", "hi"),
	}
	if _, err := encodeAnthropicMessages(log); err != nil {
		t.Fatalf("encode: %v", err)
	}

	stream := &fakeAnthropicStream{events: eventsFromJSON(t,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_9","name":"run_command","input":{}}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":`+mustQuote(t, args)+`}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{}}`,
		`{"type":"message_stop"}`,
	)}
	events := runAnthropicStream(t, stream)

	var decoded *models.Message
	for i := range events {
		if events[i].Kind == KindMessageComplete {
			decoded = events[i].Assistant
		}
	}
	if decoded == nil || len(decoded.ToolCalls) != 1 {
		t.Fatalf("decoded = %+v", decoded)
	}
	got := decoded.ToolCalls[0]
	if got.ID != "toolu_9" {
		t.Errorf("call id changed: %s", got.ID)
	}
	if !jsonEqual(t, got.Arguments, args) {
		t.Errorf("arguments changed: %s vs %s", got.Arguments, args)
	}
}

func TestNormalizeAnthropicStop(t *testing.T) {
	cases := map[string]StopReason{
		"end_turn":      StopEndTurn,
		"tool_use":      StopToolUse,
		"max_tokens":    StopMaxTokens,
		"stop_sequence": StopStopSequence,
		"refusal":       StopOther,
		"":              StopOther,
	}
	for reason, want := range cases {
		if got := normalizeAnthropicStop(reason); got != want {
			t.Errorf("normalize(%q) = %s, want %s", reason, got, want)
		}
	}
	if StopStopSequence.Truncated() {
		t.Error("stop_sequence is a natural stop")
	}
	if !StopOther.Truncated() {
		t.Error("other must read as truncation")
	}
}

func TestEncodeAssistantMalformedArgs(t *testing.T) {
	log := []models.Message{
		models.AssistantMessage("", []models.ToolCall{{ID: "t1", Name: "x", Arguments: `{"broken":`}}),
		models.ToolResultMessage("t1", "result"),
	}
	out, err := encodeAnthropicMessages(log)
	if err != nil {
		t.Fatalf("malformed args must not fail encoding: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 wire messages, got %d", len(out))
	}
}

func mustQuote(t *testing.T, s string) string {
	t.Helper()
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func jsonEqual(t *testing.T, a, b string) bool {
	t.Helper()
	var va, vb any
	if err := json.Unmarshal([]byte(a), &va); err != nil {
		return false
	}
	if err := json.Unmarshal([]byte(b), &vb); err != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}
