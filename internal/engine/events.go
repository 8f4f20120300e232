// Package engine drives one agent's multi-turn tool-using dialogue
// against a streaming model provider, with truncation detection, a
// single fallback retry on stream faults, and cooperative interruption.
package engine

// EventKind tags an engine event.
type EventKind string

const (
	EventThinkingStart    EventKind = "thinking_start"
	EventThinkingDelta    EventKind = "thinking_delta"
	EventThinkingEnd      EventKind = "thinking_end"
	EventThinkingHidden   EventKind = "thinking_hidden"
	EventTextDelta        EventKind = "text_delta"
	EventTextPartComplete EventKind = "text_part_complete"
	EventTextComplete     EventKind = "text_complete"
	EventToolStart        EventKind = "tool_start"
	EventToolEnd          EventKind = "tool_end"
	EventToolExec         EventKind = "tool_exec"
	EventToolResult       EventKind = "tool_result"
	EventError            EventKind = "error"
)

// Event is one element of the engine's observable stream. Which fields
// are meaningful depends on Kind.
type Event struct {
	Kind EventKind

	// Text carries deltas and, on thinking_end and text_complete, the
	// assembled text.
	Text string

	// Length is set on thinking_hidden.
	Length int

	// ToolName and Input describe tool activity for tool_start,
	// tool_end, and tool_exec.
	ToolName string
	Input    map[string]any

	// Truncated is set on text_complete when the provider stopped for a
	// non-natural reason, the iteration cap was hit, or the fallback
	// pass after a stream fault failed.
	Truncated bool

	// Message is set on error events.
	Message string
}

// Sink receives engine events in emission order.
type Sink func(Event)
