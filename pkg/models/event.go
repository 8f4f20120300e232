package models

// AgentEventType identifies an outward event on the UI protocol.
type AgentEventType string

const (
	EventThinkingStart  AgentEventType = "thinking_start"
	EventThinkingDelta  AgentEventType = "thinking_delta"
	EventThinkingEnd    AgentEventType = "thinking_end"
	EventThinkingHidden AgentEventType = "thinking_hidden"
	EventMessageDelta   AgentEventType = "message_delta"
	EventMessageEnd     AgentEventType = "message_end"
	EventToolStart      AgentEventType = "tool_start"
	EventToolEnd        AgentEventType = "tool_end"
	EventToolExec       AgentEventType = "tool_exec"
	EventToolResult     AgentEventType = "tool_result"
	EventError          AgentEventType = "error"
	EventSystemMessage  AgentEventType = "system_message"
)

// AgentEvent is the envelope broadcast to UI clients. AgentID is empty
// for process-level events (error, system_message).
type AgentEvent struct {
	AgentID string         `json:"agent_id,omitempty"`
	Type    AgentEventType `json:"event_type"`
	Payload map[string]any `json:"payload,omitempty"`
}
