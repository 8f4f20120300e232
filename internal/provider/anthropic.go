package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agentgrid/agentgrid/pkg/models"
)

const anthropicDefaultMaxTokens = 4096

// anthropicProvider is the message-structured dialect codec.
type anthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

func newAnthropic(cfg Config) *anthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &anthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.Model,
	}
}

func (p *anthropicProvider) Name() string { return "anthropic" }

func (p *anthropicProvider) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)

		stream := p.client.Messages.NewStreaming(ctx, params)
		p.processStream(stream, events)
	}()
	return events, nil
}

// processStream converts Anthropic SSE events into canonical stream
// events. Tool input arrives as JSON fragments under input_json_delta
// and is accumulated until the content block closes.
func (p *anthropicProvider) processStream(stream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}, events chan<- StreamEvent) {
	var (
		assistantText strings.Builder
		thinkingText  strings.Builder
		inThinking    bool
		inRedacted    bool
		redactedLen   int
		toolCalls     []models.ToolCall
		curCallID     string
		curToolName   string
		curToolInput  strings.Builder
		stopReason    string
	)

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "thinking":
				inThinking = true
				thinkingText.Reset()
				events <- StreamEvent{Kind: KindThinkingStart}
			case "redacted_thinking":
				// Reasoning the API withholds; only its size is known.
				inRedacted = true
				redactedLen = len(block.AsRedactedThinking().Data)
			case "tool_use":
				use := block.AsToolUse()
				curCallID = use.ID
				curToolName = use.Name
				curToolInput.Reset()
				events <- StreamEvent{Kind: KindToolStart, CallID: curCallID, ToolName: curToolName}
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					assistantText.WriteString(delta.Text)
					events <- StreamEvent{Kind: KindTextDelta, Text: delta.Text}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					thinkingText.WriteString(delta.Thinking)
					events <- StreamEvent{Kind: KindThinkingDelta, Text: delta.Thinking}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					curToolInput.WriteString(delta.PartialJSON)
					events <- StreamEvent{
						Kind:         KindToolArgDelta,
						CallID:       curCallID,
						JSONFragment: delta.PartialJSON,
					}
				}
			}

		case "content_block_stop":
			if inThinking {
				inThinking = false
				events <- StreamEvent{Kind: KindThinkingEnd, FullText: thinkingText.String()}
			} else if inRedacted {
				inRedacted = false
				events <- StreamEvent{Kind: KindThinkingHidden, Length: redactedLen}
			} else if curCallID != "" {
				raw := curToolInput.String()
				if strings.TrimSpace(raw) == "" {
					raw = "{}"
				}
				toolCalls = append(toolCalls, models.ToolCall{
					ID:        curCallID,
					Name:      curToolName,
					Arguments: raw,
				})
				events <- StreamEvent{
					Kind:        KindToolEnd,
					CallID:      curCallID,
					ToolName:    curToolName,
					ParsedInput: parseArgs(raw),
				}
				curCallID = ""
				curToolName = ""
			}

		case "message_delta":
			if r := string(event.AsMessageDelta().Delta.StopReason); r != "" {
				stopReason = r
			}

		case "message_stop":
			assistant := models.AssistantMessage(assistantText.String(), toolCalls)
			events <- StreamEvent{
				Kind:       KindMessageComplete,
				Assistant:  &assistant,
				StopReason: normalizeAnthropicStop(stopReason),
			}
			return

		case "error":
			events <- StreamEvent{Kind: KindStreamError, Err: errors.New("anthropic stream error")}
			return
		}
	}

	if err := stream.Err(); err != nil {
		events <- StreamEvent{Kind: KindStreamError, Err: wrapAnthropicErr(err)}
		return
	}

	// Stream ended without message_stop; report the cut as a fault so
	// the engine can run its fallback pass.
	events <- StreamEvent{Kind: KindStreamError, Err: errors.New("anthropic: stream ended before message_stop")}
}

func (p *anthropicProvider) Complete(ctx context.Context, req *Request) (string, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return "", err
	}
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", wrapAnthropicErr(err)
	}
	var out strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	return out.String(), nil
}

func (p *anthropicProvider) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	system, rest := splitSystem(req.Messages)

	messages, err := encodeAnthropicMessages(rest)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	for _, tool := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: tool %s schema: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: tool %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		params.Tools = append(params.Tools, toolParam)
	}
	return params, nil
}

// encodeAnthropicMessages renders the canonical log in the
// message-structured dialect: assistant entries become mixed
// text + tool_use blocks, and runs of tool-result entries collapse into
// a single synthetic user message carrying tool_result blocks.
func encodeAnthropicMessages(log []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	var pendingResults []anthropic.ContentBlockParamUnion

	flushResults := func() {
		if len(pendingResults) > 0 {
			result = append(result, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, msg := range log {
		switch msg.Role {
		case models.RoleSystem:
			// Lifted into params.System by the caller.
			continue

		case models.RoleUser:
			flushResults()
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))

		case models.RoleAssistant:
			flushResults()
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				content = append(content, anthropic.NewToolUseBlock(call.ID, parseArgs(call.Arguments), call.Name))
			}
			if len(content) == 0 {
				content = append(content, anthropic.NewTextBlock(""))
			}
			result = append(result, anthropic.NewAssistantMessage(content...))

		case models.RoleTool:
			pendingResults = append(pendingResults,
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		}
	}
	flushResults()
	return result, nil
}

func normalizeAnthropicStop(reason string) StopReason {
	switch reason {
	case "end_turn":
		return StopEndTurn
	case "tool_use":
		return StopToolUse
	case "max_tokens":
		return StopMaxTokens
	case "stop_sequence":
		return StopStopSequence
	default:
		return StopOther
	}
}

func wrapAnthropicErr(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && (apiErr.StatusCode == 401 || apiErr.StatusCode == 403) {
		return fmt.Errorf("anthropic: %w: %v", ErrAuth, err)
	}
	return fmt.Errorf("anthropic: %w", err)
}
