package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentgrid/agentgrid/pkg/models"
)

// openaiProvider is the chat-completions dialect codec. Reasoning
// content delivered on the side channel some backends expose is
// rewritten as thinking events.
type openaiProvider struct {
	client       *openai.Client
	defaultModel string
}

func newOpenAI(cfg Config) *openaiProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &openaiProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.Model,
	}
}

func (p *openaiProvider) Name() string { return "openai" }

func (p *openaiProvider) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	chatReq := p.buildRequest(req)
	chatReq.Stream = true

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, wrapOpenAIErr(err)
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		defer stream.Close()
		p.processStream(stream, events)
	}()
	return events, nil
}

type openaiStream interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
}

// processStream converts chat-completions deltas into canonical stream
// events. Tool calls accumulate across chunks keyed by index; argument
// strings grow fragment by fragment and are finalised when the stream
// ends; the finish reason is only recorded for the stop reason.
func (p *openaiProvider) processStream(stream openaiStream, events chan<- StreamEvent) {
	var (
		assistantText strings.Builder
		thinkingText  strings.Builder
		inThinking    bool
		calls         = make(map[int]*models.ToolCall)
		order         []int
		started       = make(map[int]bool)
		finishReason  string
	)

	endThinking := func() {
		if inThinking {
			inThinking = false
			events <- StreamEvent{Kind: KindThinkingEnd, FullText: thinkingText.String()}
		}
	}

	finish := func() {
		endThinking()
		sort.Ints(order)
		var toolCalls []models.ToolCall
		for _, idx := range order {
			tc := calls[idx]
			if tc == nil || tc.ID == "" || tc.Name == "" {
				continue
			}
			if strings.TrimSpace(tc.Arguments) == "" {
				tc.Arguments = "{}"
			}
			toolCalls = append(toolCalls, *tc)
			events <- StreamEvent{
				Kind:        KindToolEnd,
				CallID:      tc.ID,
				ToolName:    tc.Name,
				ParsedInput: parseArgs(tc.Arguments),
			}
		}
		assistant := models.AssistantMessage(assistantText.String(), toolCalls)
		events <- StreamEvent{
			Kind:       KindMessageComplete,
			Assistant:  &assistant,
			StopReason: normalizeOpenAIStop(finishReason, len(toolCalls) > 0),
		}
	}

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				finish()
				return
			}
			events <- StreamEvent{Kind: KindStreamError, Err: wrapOpenAIErr(err)}
			return
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		delta := choice.Delta

		if delta.ReasoningContent != "" {
			if !inThinking {
				inThinking = true
				thinkingText.Reset()
				events <- StreamEvent{Kind: KindThinkingStart}
			}
			thinkingText.WriteString(delta.ReasoningContent)
			events <- StreamEvent{Kind: KindThinkingDelta, Text: delta.ReasoningContent}
		}

		if delta.Content != "" {
			endThinking()
			assistantText.WriteString(delta.Content)
			events <- StreamEvent{Kind: KindTextDelta, Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			endThinking()
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			cur := calls[index]
			if cur == nil {
				cur = &models.ToolCall{}
				calls[index] = cur
				order = append(order, index)
			}
			if tc.ID != "" {
				cur.ID = tc.ID
			}
			if tc.Function.Name != "" {
				cur.Name = tc.Function.Name
			}
			if cur.ID != "" && cur.Name != "" && !started[index] {
				started[index] = true
				events <- StreamEvent{Kind: KindToolStart, CallID: cur.ID, ToolName: cur.Name}
			}
			if tc.Function.Arguments != "" {
				cur.Arguments += tc.Function.Arguments
				events <- StreamEvent{
					Kind:         KindToolArgDelta,
					CallID:       cur.ID,
					JSONFragment: tc.Function.Arguments,
				}
			}
		}

		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}
	}
}

func (p *openaiProvider) Complete(ctx context.Context, req *Request) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req))
	if err != nil {
		return "", wrapOpenAIErr(err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *openaiProvider) buildRequest(req *Request) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: encodeOpenAIMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	for _, tool := range req.Tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema, &schemaMap); err != nil {
			schemaMap = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		})
	}
	return chatReq
}

// encodeOpenAIMessages renders the canonical log in the
// chat-completions dialect: the system prompt stays an in-band role,
// assistant tool calls become tool_calls entries, and tool results
// become tool-role messages keyed by tool_call_id.
func encodeOpenAIMessages(log []models.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(log))
	for _, msg := range log {
		switch msg.Role {
		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
		case models.RoleUser:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		case models.RoleAssistant:
			oai := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, call := range msg.ToolCalls {
				args := call.Arguments
				if strings.TrimSpace(args) == "" {
					args = "{}"
				}
				oai.ToolCalls = append(oai.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: args,
					},
				})
			}
			result = append(result, oai)
		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		}
	}
	return result
}

func normalizeOpenAIStop(reason string, hasToolCalls bool) StopReason {
	switch reason {
	case "stop":
		return StopEndTurn
	case "tool_calls", "function_call":
		return StopToolUse
	case "length":
		return StopMaxTokens
	case "":
		// Some gateways omit the finish reason on the final chunk.
		if hasToolCalls {
			return StopToolUse
		}
		return StopOther
	default:
		return StopOther
	}
}

func wrapOpenAIErr(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && (apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403) {
		return fmt.Errorf("openai: %w: %v", ErrAuth, err)
	}
	return fmt.Errorf("openai: %w", err)
}
