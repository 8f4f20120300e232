// Package provider adapts external language-model APIs to one streaming
// event protocol. Two wire dialects are supported: the Anthropic
// message-structured API and the OpenAI chat-completions API. Each
// dialect is its own codec converting to and from the canonical
// conversation log; the StreamEvent variants are the join point.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/agentgrid/agentgrid/pkg/models"
)

// ErrAuth marks authentication failures. These are fatal and propagate;
// transport faults are retried once by the engine instead.
var ErrAuth = errors.New("provider authentication failed")

// StopReason is the normalised end-of-message reason.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopToolUse      StopReason = "tool_use"
	StopMaxTokens    StopReason = "max_tokens"
	StopStopSequence StopReason = "stop_sequence"
	StopOther        StopReason = "other"
)

// Truncated reports whether the reason signals a non-natural stop.
func (r StopReason) Truncated() bool {
	switch r {
	case StopEndTurn, StopToolUse, StopStopSequence:
		return false
	default:
		return true
	}
}

// EventKind tags a StreamEvent variant.
type EventKind string

const (
	KindThinkingStart   EventKind = "thinking_start"
	KindThinkingDelta   EventKind = "thinking_delta"
	KindThinkingEnd     EventKind = "thinking_end"
	KindThinkingHidden  EventKind = "thinking_hidden"
	KindTextDelta       EventKind = "text_delta"
	KindToolStart       EventKind = "tool_start"
	KindToolArgDelta    EventKind = "tool_arg_delta"
	KindToolEnd         EventKind = "tool_end"
	KindMessageComplete EventKind = "message_complete"
	KindStreamError     EventKind = "stream_error"
)

// StreamEvent is one element of the lazy event sequence produced by
// Stream. The sequence is finite and not restartable; exactly one of
// message_complete or stream_error terminates it.
type StreamEvent struct {
	Kind EventKind

	// Text carries thinking_delta and text_delta payloads.
	Text string

	// FullText carries the assembled thinking text on thinking_end.
	FullText string

	// Length is the size of redacted reasoning on thinking_hidden.
	Length int

	// CallID, ToolName identify the in-flight tool call for
	// tool_start, tool_arg_delta, and tool_end.
	CallID   string
	ToolName string

	// JSONFragment is the streamed argument fragment on tool_arg_delta.
	JSONFragment string

	// ParsedInput is the decoded argument object on tool_end. Malformed
	// argument JSON decodes to an empty object; the raw string is still
	// preserved on the assistant message's tool call.
	ParsedInput map[string]any

	// Assistant and StopReason are set on message_complete.
	Assistant  *models.Message
	StopReason StopReason

	// Err is set on stream_error.
	Err error
}

// ToolDef describes one callable tool as advertised to the model.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Request is a dialect-independent completion request over the
// canonical conversation log. The first message, if any, may be a
// system entry; each codec lifts it into its dialect's system slot.
type Request struct {
	Model     string
	Messages  []models.Message
	Tools     []ToolDef
	MaxTokens int
}

// Provider is the unified model-API contract.
type Provider interface {
	// Stream starts a streaming completion. The returned channel is
	// closed after a message_complete or stream_error event.
	Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error)

	// Complete performs a non-streaming completion and returns the
	// final text. Used by the reflection pass.
	Complete(ctx context.Context, req *Request) (string, error)

	// Name returns the dialect identifier.
	Name() string
}

// Config selects and parameterises a provider instance.
type Config struct {
	Kind    string // anthropic | openai
	Model   string
	BaseURL string
	APIKey  string
}

// New constructs the provider for the configured dialect.
func New(cfg Config) (Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%s: %w: missing API key", cfg.Kind, ErrAuth)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", "anthropic":
		return newAnthropic(cfg), nil
	case "openai":
		return newOpenAI(cfg), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
	}
}

// splitSystem separates a leading system entry from the rest of the log.
func splitSystem(messages []models.Message) (string, []models.Message) {
	if len(messages) > 0 && messages[0].Role == models.RoleSystem {
		return messages[0].Content, messages[1:]
	}
	return "", messages
}

// parseArgs decodes tool-call argument JSON, degrading to an empty
// object so call-id pairing survives malformed payloads.
func parseArgs(raw string) map[string]any {
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}
