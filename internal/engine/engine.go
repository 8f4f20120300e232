package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/agentgrid/agentgrid/internal/metrics"
	"github.com/agentgrid/agentgrid/internal/provider"
	"github.com/agentgrid/agentgrid/internal/session"
	"github.com/agentgrid/agentgrid/internal/tools"
	"github.com/agentgrid/agentgrid/pkg/models"
)

// ErrBusy is returned when Talk is invoked while a turn is in flight.
var ErrBusy = errors.New("agent is busy")

const (
	// DefaultMaxIterations bounds the tool-using loop per turn.
	DefaultMaxIterations = 30

	// MinMaxIterations is the floor applied to configured caps.
	MinMaxIterations = 10

	// DeniedCommandResult is the tool result recorded when the
	// confirmation hook vetoes a shell command.
	DeniedCommandResult = "user denied command execution"
)

// CommandGate approves or denies a shell command before dispatch.
// A nil gate approves everything.
type CommandGate func(ctx context.Context, agentID, command string) bool

// Config parameterises an engine.
type Config struct {
	AgentID       string
	SystemPrompt  string
	Provider      provider.Provider
	Registry      *tools.Registry
	Session       *session.Session
	Sink          Sink
	Logger        *slog.Logger
	Model         string
	MaxTokens     int
	MaxIterations int
	CommandGate   CommandGate
}

// Engine is the per-agent conversation state machine. All ingress is
// serialised by the busy flag; the interrupt flag is checked between
// tool iterations, never mid-stream.
type Engine struct {
	agentID       string
	provider      provider.Provider
	registry      *tools.Registry
	session       *session.Session
	sink          Sink
	logger        *slog.Logger
	model         string
	maxTokens     int
	maxIterations int
	gate          CommandGate

	busy        atomic.Bool
	interrupted atomic.Bool
}

// New builds an engine and seeds the session with the system prompt.
func New(cfg Config) *Engine {
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	if maxIter < MinMaxIterations {
		maxIter = MinMaxIterations
	}
	sink := cfg.Sink
	if sink == nil {
		sink = func(Event) {}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		agentID:       cfg.AgentID,
		provider:      cfg.Provider,
		registry:      cfg.Registry,
		session:       cfg.Session,
		sink:          sink,
		logger:        logger.With("agent", cfg.AgentID),
		model:         cfg.Model,
		maxTokens:     cfg.MaxTokens,
		maxIterations: maxIter,
		gate:          cfg.CommandGate,
	}
	if cfg.SystemPrompt != "" && e.session.Len() == 0 {
		e.session.Append(models.SystemMessage(cfg.SystemPrompt))
	}
	return e
}

// Busy reports whether a turn is in flight.
func (e *Engine) Busy() bool { return e.busy.Load() }

// Interrupt requests early termination at the next safe point.
func (e *Engine) Interrupt() { e.interrupted.Store(true) }

// Session exposes the engine's conversation memory.
func (e *Engine) Session() *session.Session { return e.session }

// Talk runs one full turn: append the user text, then iterate
// stream → execute tools until a natural stop, truncation, interrupt,
// or the iteration cap. The return value is the concatenated text of
// all iterations.
func (e *Engine) Talk(ctx context.Context, userText string) (string, error) {
	if !e.busy.CompareAndSwap(false, true) {
		return "", ErrBusy
	}
	defer e.busy.Store(false)
	e.interrupted.Store(false)

	e.session.Append(models.UserMessage(userText))

	var allText strings.Builder

	for iteration := 0; iteration < e.maxIterations; iteration++ {
		result, err := e.runIteration(ctx)
		if err != nil {
			// Authentication failures are fatal: no fallback pass.
			if errors.Is(err, provider.ErrAuth) {
				e.session.RollbackOpenToolExchange()
				e.sink(Event{Kind: EventError, Message: err.Error()})
				return allText.String(), err
			}
			// Stream fault: repair pairing, report, then one fallback
			// pass without tools.
			metrics.StreamFaults.Inc()
			if e.session.RollbackOpenToolExchange() {
				e.logger.Debug("rolled back dangling tool exchange after stream fault")
			}
			e.sink(Event{Kind: EventError, Message: err.Error()})
			e.fallback(ctx, &allText)
			return allText.String(), nil
		}

		if result.text != "" {
			allText.WriteString(result.text)
		}

		if !result.hadToolCalls {
			e.sink(Event{Kind: EventTextComplete, Text: allText.String(), Truncated: result.truncated})
			return allText.String(), nil
		}

		// The model ran out of budget even to finish its tool requests.
		if result.truncated {
			e.sink(Event{Kind: EventTextComplete, Text: allText.String(), Truncated: true})
			return allText.String(), nil
		}

		if e.interrupted.Load() {
			e.logger.Info("turn interrupted")
			e.sink(Event{Kind: EventTextComplete, Text: allText.String(), Truncated: false})
			return allText.String(), nil
		}

		if result.text != "" {
			e.sink(Event{Kind: EventTextPartComplete, Text: result.text})
		}
	}

	// Iteration cap: surface as truncation so the user can continue.
	e.logger.Warn("max iterations reached", "max", e.maxIterations)
	e.sink(Event{Kind: EventTextComplete, Text: allText.String(), Truncated: true})
	return allText.String(), nil
}

// iterationResult summarises one streaming pass.
type iterationResult struct {
	text         string
	hadToolCalls bool
	truncated    bool
}

// runIteration performs one stream call plus tool execution. Session
// appends happen in pairing order: the assistant anchor first, then
// each tool result as it is produced.
func (e *Engine) runIteration(ctx context.Context) (iterationResult, error) {
	defs := e.registry.Defs()
	req := &provider.Request{
		Model:     e.model,
		Messages:  e.session.Messages(),
		Tools:     toProviderDefs(defs),
		MaxTokens: e.maxTokens,
	}

	stream, err := e.provider.Stream(ctx, req)
	if err != nil {
		return iterationResult{}, err
	}

	assistant, stopReason, iterText, err := e.consumeStream(stream)
	if err != nil {
		return iterationResult{}, err
	}

	result := iterationResult{
		text:      iterText,
		truncated: stopReason.Truncated(),
	}

	if assistant == nil || !assistant.HasToolCalls() {
		if iterText != "" {
			e.session.Append(models.AssistantMessage(iterText, nil))
		}
		return result, nil
	}

	result.hadToolCalls = true
	e.session.Append(*assistant)

	for _, call := range assistant.ToolCalls {
		e.executeToolCall(ctx, call)
	}
	return result, nil
}

// consumeStream drains the provider stream, forwarding canonical engine
// events and returning the completed assistant message.
func (e *Engine) consumeStream(stream <-chan provider.StreamEvent) (*models.Message, provider.StopReason, string, error) {
	var (
		iterText   strings.Builder
		assistant  *models.Message
		stopReason provider.StopReason
	)

	for ev := range stream {
		switch ev.Kind {
		case provider.KindThinkingStart:
			e.sink(Event{Kind: EventThinkingStart})
		case provider.KindThinkingDelta:
			e.sink(Event{Kind: EventThinkingDelta, Text: ev.Text})
		case provider.KindThinkingEnd:
			e.sink(Event{Kind: EventThinkingEnd, Text: ev.FullText})
		case provider.KindThinkingHidden:
			e.sink(Event{Kind: EventThinkingHidden, Length: ev.Length})
		case provider.KindTextDelta:
			iterText.WriteString(ev.Text)
			e.sink(Event{Kind: EventTextDelta, Text: ev.Text})
		case provider.KindToolStart:
			e.sink(Event{Kind: EventToolStart, ToolName: ev.ToolName})
		case provider.KindToolEnd:
			e.sink(Event{Kind: EventToolEnd, ToolName: ev.ToolName, Input: ev.ParsedInput})
		case provider.KindMessageComplete:
			assistant = ev.Assistant
			stopReason = ev.StopReason
		case provider.KindStreamError:
			return nil, "", "", ev.Err
		}
	}
	if assistant == nil {
		return nil, "", "", errors.New("stream closed without completion")
	}
	return assistant, stopReason, iterText.String(), nil
}

// executeToolCall dispatches one call and appends its result, keeping
// the call/result pairing intact no matter how the tool fails.
func (e *Engine) executeToolCall(ctx context.Context, call models.ToolCall) {
	if call.Name == tools.CommandToolName && e.gate != nil {
		command := commandFromArgs(call.Arguments)
		if !e.gate(ctx, e.agentID, command) {
			e.session.Append(models.ToolResultMessage(call.ID, DeniedCommandResult))
			e.sink(Event{Kind: EventToolResult, ToolName: call.Name})
			return
		}
	}

	e.sink(Event{Kind: EventToolExec, ToolName: call.Name})

	result := e.dispatch(ctx, call)
	e.session.Append(models.ToolResultMessage(call.ID, result))
	e.sink(Event{Kind: EventToolResult, ToolName: call.Name})
}

// dispatch shields the loop from anything a tool can do, including
// panicking.
func (e *Engine) dispatch(ctx context.Context, call models.ToolCall) (result string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool panicked", "tool", call.Name, "panic", r)
			result = fmt.Sprintf("tool execution failed: %v", r)
		}
	}()

	args := call.Arguments
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	if !json.Valid([]byte(args)) {
		args = "{}"
	}
	ctx = tools.WithAgentID(ctx, e.agentID)
	return e.registry.Dispatch(ctx, call.Name, json.RawMessage(args))
}

// fallback performs the single no-tools recovery stream after a fault.
func (e *Engine) fallback(ctx context.Context, allText *strings.Builder) {
	req := &provider.Request{
		Model:     e.model,
		Messages:  e.session.Messages(),
		MaxTokens: e.maxTokens,
	}

	stream, err := e.provider.Stream(ctx, req)
	if err != nil {
		e.logger.Error("fallback stream failed", "error", err)
		e.sink(Event{Kind: EventError, Message: err.Error()})
		e.sink(Event{Kind: EventTextComplete, Text: allText.String(), Truncated: true})
		return
	}

	_, stopReason, text, err := e.consumeStream(stream)
	if err != nil {
		e.logger.Error("fallback stream fault", "error", err)
		e.sink(Event{Kind: EventError, Message: err.Error()})
		e.sink(Event{Kind: EventTextComplete, Text: allText.String(), Truncated: true})
		return
	}

	if text != "" {
		allText.WriteString(text)
		e.session.Append(models.AssistantMessage(text, nil))
	}
	e.sink(Event{Kind: EventTextComplete, Text: allText.String(), Truncated: stopReason.Truncated()})
}

func toProviderDefs(defs []tools.Def) []provider.ToolDef {
	out := make([]provider.ToolDef, len(defs))
	for i, d := range defs {
		out[i] = provider.ToolDef{Name: d.Name, Description: d.Description, Schema: d.Schema}
	}
	return out
}

func commandFromArgs(raw string) string {
	var args struct {
		Command string `json:"command"`
	}
	_ = json.Unmarshal([]byte(raw), &args)
	return args.Command
}
