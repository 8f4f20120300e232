package controller

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/agentgrid/agentgrid/internal/engine"
	"github.com/agentgrid/agentgrid/internal/provider"
	"github.com/agentgrid/agentgrid/internal/session"
	"github.com/agentgrid/agentgrid/pkg/models"
)

// Worker owns one agent's engine and session, serialises its inputs,
// and adapts engine events to the outward protocol. Workers are created
// during graph load and torn down on reload; a torn-down worker stops
// emitting events even if a turn is still draining.
type Worker struct {
	id         string
	cfg        models.AgentConfig
	controller *Controller // non-owning; valid for the worker's lifetime
	logger     *slog.Logger

	engine *engine.Engine
	gone   atomic.Bool
}

func newWorker(cfg models.AgentConfig, ctrl *Controller) *Worker {
	return &Worker{
		id:         cfg.ID,
		cfg:        cfg,
		controller: ctrl,
		logger:     ctrl.logger.With("agent", cfg.ID),
	}
}

// Init builds the provider and engine. It completes before the worker
// accepts any message; a failure leaves the worker unusable and is
// reported per entry by the controller.
func (w *Worker) Init() error {
	cfg := w.controller.settings

	kind := w.cfg.Data.Provider
	if kind == "" {
		kind = cfg.Provider
	}
	model := w.cfg.Data.Model
	if model == "" {
		model = cfg.Model
	}
	baseURL := w.cfg.Data.BaseURL
	if baseURL == "" {
		baseURL = cfg.BaseURL
	}
	apiKey := w.cfg.Data.APIKey
	if apiKey == "" {
		apiKey = cfg.DefaultKey(kind)
	}

	prov, err := provider.New(provider.Config{
		Kind:    kind,
		Model:   model,
		BaseURL: baseURL,
		APIKey:  apiKey,
	})
	if err != nil {
		return fmt.Errorf("agent %s: %w", w.id, err)
	}

	w.engine = engine.New(engine.Config{
		AgentID:       w.id,
		SystemPrompt:  w.controller.assembleSystemPrompt(w.cfg),
		Provider:      prov,
		Registry:      w.controller.registry,
		Session:       session.New(cfg.SessionMaxLen),
		Sink:          w.emit,
		Logger:        w.logger,
		Model:         model,
		MaxTokens:     w.cfg.Data.MaxTokens,
		MaxIterations: w.cfg.Data.MaxIterations,
		CommandGate:   w.controller.commandGate,
	})
	return nil
}

// ID returns the agent's stable identifier.
func (w *Worker) ID() string { return w.id }

// DisplayName returns the configured display name, falling back to the id.
func (w *Worker) DisplayName() string {
	if w.cfg.Name != "" {
		return w.cfg.Name
	}
	return w.id
}

// Description returns the first line of the agent's prompt.
func (w *Worker) Description() string {
	prompt := strings.TrimSpace(w.cfg.Data.SystemPrompt)
	if i := strings.IndexByte(prompt, '\n'); i >= 0 {
		prompt = prompt[:i]
	}
	return prompt
}

// Busy reports whether a turn is in flight.
func (w *Worker) Busy() bool {
	return w.engine != nil && w.engine.Busy()
}

// Session exposes the worker's conversation memory for the history
// surface.
func (w *Worker) Session() *session.Session {
	if w.engine == nil {
		return nil
	}
	return w.engine.Session()
}

// Talk runs one turn synchronously. A busy worker drops the input with
// a brief notice rather than queueing.
func (w *Worker) Talk(text string) {
	if w.engine == nil || w.gone.Load() {
		return
	}
	_, err := w.engine.Talk(context.Background(), text)
	if err == engine.ErrBusy {
		w.logger.Info("dropped message, agent is busy")
		w.emit(engine.Event{Kind: engine.EventError, Message: "agent is busy, message dropped"})
		return
	}
	if err != nil {
		w.logger.Error("turn failed", "error", err)
	}
}

// Deliver starts a turn on a fresh task. Used by the bus, the
// scheduler, and the user-message path.
func (w *Worker) Deliver(text string) {
	go w.Talk(text)
}

// Interrupt sets the engine's interrupt flag.
func (w *Worker) Interrupt() {
	if w.engine != nil {
		w.engine.Interrupt()
	}
}

// teardown detaches the worker from the event stream. The current turn
// drains but nothing it emits is delivered.
func (w *Worker) teardown() {
	w.gone.Store(true)
	w.Interrupt()
}

// emit tags an engine event with this agent's id and forwards it to the
// fan-out, translating the engine vocabulary to the wire protocol.
func (w *Worker) emit(ev engine.Event) {
	if w.gone.Load() {
		return
	}

	var out models.AgentEvent
	switch ev.Kind {
	case engine.EventThinkingStart:
		out = models.AgentEvent{Type: models.EventThinkingStart}
	case engine.EventThinkingDelta:
		out = models.AgentEvent{Type: models.EventThinkingDelta, Payload: map[string]any{"text": ev.Text}}
	case engine.EventThinkingEnd:
		out = models.AgentEvent{Type: models.EventThinkingEnd, Payload: map[string]any{"full_text": ev.Text}}
	case engine.EventThinkingHidden:
		out = models.AgentEvent{Type: models.EventThinkingHidden, Payload: map[string]any{"length": ev.Length}}
	case engine.EventTextDelta:
		out = models.AgentEvent{Type: models.EventMessageDelta, Payload: map[string]any{"text": ev.Text}}
	case engine.EventTextComplete:
		out = models.AgentEvent{Type: models.EventMessageEnd, Payload: map[string]any{
			"full_text": ev.Text,
			"truncated": ev.Truncated,
		}}
	case engine.EventTextPartComplete:
		// Internal iteration boundary; not part of the wire protocol.
		return
	case engine.EventToolStart:
		out = models.AgentEvent{Type: models.EventToolStart, Payload: map[string]any{"name": ev.ToolName}}
	case engine.EventToolEnd:
		out = models.AgentEvent{Type: models.EventToolEnd, Payload: map[string]any{
			"name":  ev.ToolName,
			"input": ev.Input,
		}}
	case engine.EventToolExec:
		out = models.AgentEvent{Type: models.EventToolExec, Payload: map[string]any{"name": ev.ToolName}}
	case engine.EventToolResult:
		out = models.AgentEvent{Type: models.EventToolResult}
	case engine.EventError:
		// Errors carry no agent id on the wire.
		w.controller.publish(models.AgentEvent{Type: models.EventError, Payload: map[string]any{"message": ev.Message}})
		return
	default:
		return
	}

	out.AgentID = w.id
	w.controller.publish(out)
}
