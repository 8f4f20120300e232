package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/agentgrid/agentgrid/internal/provider"
	"github.com/agentgrid/agentgrid/internal/session"
	"github.com/agentgrid/agentgrid/internal/tools"
	"github.com/agentgrid/agentgrid/pkg/models"
)

// scriptedProvider replays one canned event sequence per Stream call.
type scriptedProvider struct {
	scripts  [][]provider.StreamEvent
	calls    int
	requests []*provider.Request
}

func (p *scriptedProvider) Stream(_ context.Context, req *provider.Request) (<-chan provider.StreamEvent, error) {
	p.requests = append(p.requests, req)
	if p.calls >= len(p.scripts) {
		return nil, errors.New("no script for call")
	}
	script := p.scripts[p.calls]
	p.calls++

	events := make(chan provider.StreamEvent, len(script))
	for _, ev := range script {
		events <- ev
	}
	close(events)
	return events, nil
}

func (p *scriptedProvider) Complete(context.Context, *provider.Request) (string, error) {
	return "", errors.New("not used")
}

func (p *scriptedProvider) Name() string { return "scripted" }

func textTurn(text string, stop provider.StopReason) []provider.StreamEvent {
	assistant := models.AssistantMessage(text, nil)
	return []provider.StreamEvent{
		{Kind: provider.KindTextDelta, Text: text},
		{Kind: provider.KindMessageComplete, Assistant: &assistant, StopReason: stop},
	}
}

func toolTurn(call models.ToolCall) []provider.StreamEvent {
	assistant := models.AssistantMessage("", []models.ToolCall{call})
	return []provider.StreamEvent{
		{Kind: provider.KindToolStart, CallID: call.ID, ToolName: call.Name},
		{Kind: provider.KindToolEnd, CallID: call.ID, ToolName: call.Name},
		{Kind: provider.KindMessageComplete, Assistant: &assistant, StopReason: provider.StopToolUse},
	}
}

func faultTurn(err error) []provider.StreamEvent {
	return []provider.StreamEvent{{Kind: provider.KindStreamError, Err: err}}
}

type recorder struct {
	events []Event
}

func (r *recorder) sink(ev Event) { r.events = append(r.events, ev) }

func (r *recorder) kinds() []EventKind {
	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *recorder) last(kind EventKind) *Event {
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return &r.events[i]
		}
	}
	return nil
}

func newTestEngine(t *testing.T, prov provider.Provider, rec *recorder) *Engine {
	t.Helper()
	return New(Config{
		AgentID:      "a",
		SystemPrompt: "you are agent a",
		Provider:     prov,
		Registry:     tools.NewRegistry(),
		Session:      session.New(40),
		Sink:         rec.sink,
	})
}

func TestPlainTurn(t *testing.T) {
	prov := &scriptedProvider{scripts: [][]provider.StreamEvent{
		textTurn("hello", provider.StopEndTurn),
	}}
	rec := &recorder{}
	e := newTestEngine(t, prov, rec)

	got, err := e.Talk(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	if got != "hello" {
		t.Errorf("turn text = %q", got)
	}

	complete := rec.last(EventTextComplete)
	if complete == nil {
		t.Fatal("missing text_complete")
	}
	if complete.Truncated {
		t.Error("natural stop must not be truncated")
	}
	if complete.Text != "hello" {
		t.Errorf("text_complete text = %q", complete.Text)
	}

	log := e.Session().Log()
	n := len(log)
	if n < 2 || log[n-2].Content != "hi" || log[n-1].Content != "hello" {
		t.Errorf("log tail = %+v", log[max(0, n-2):])
	}
	if log[0].Role != models.RoleSystem {
		t.Error("system prompt must lead the log")
	}
}

func TestToolChainWithDenylist(t *testing.T) {
	call := models.ToolCall{ID: "t1", Name: tools.CommandToolName, Arguments: `{"command":"rm -rf /"}`}
	prov := &scriptedProvider{scripts: [][]provider.StreamEvent{
		toolTurn(call),
		textTurn("ok, nothing done", provider.StopEndTurn),
	}}
	rec := &recorder{}
	e := newTestEngine(t, prov, rec)
	e.registry.RegisterBuiltin(tools.NewCommandTool(t.TempDir()))

	got, err := e.Talk(context.Background(), "clean up")
	if err != nil {
		t.Fatal(err)
	}
	if got != "ok, nothing done" {
		t.Errorf("turn text = %q", got)
	}
	if prov.calls != 2 {
		t.Fatalf("expected 2 provider calls, got %d", prov.calls)
	}

	log := e.Session().Log()
	n := len(log)
	if !log[n-3].HasToolCalls() || log[n-3].ToolCalls[0].ID != "t1" {
		t.Fatalf("expected assistant-with-tool-calls anchor, got %+v", log[n-3])
	}
	if log[n-2].Role != models.RoleTool || log[n-2].ToolCallID != "t1" {
		t.Fatalf("expected tool result, got %+v", log[n-2])
	}
	if log[n-2].Content != tools.BlockedResult {
		t.Errorf("denylisted command result = %q", log[n-2].Content)
	}
	if log[n-1].Content != "ok, nothing done" {
		t.Errorf("final assistant = %+v", log[n-1])
	}
}

func TestTruncationSurfaced(t *testing.T) {
	prov := &scriptedProvider{scripts: [][]provider.StreamEvent{
		textTurn("the plan is", provider.StopMaxTokens),
	}}
	rec := &recorder{}
	e := newTestEngine(t, prov, rec)

	if _, err := e.Talk(context.Background(), "plan?"); err != nil {
		t.Fatal(err)
	}

	complete := rec.last(EventTextComplete)
	if complete == nil || !complete.Truncated {
		t.Fatalf("expected truncated text_complete, got %+v", complete)
	}
	log := e.Session().Log()
	if log[len(log)-1].Content != "the plan is" {
		t.Errorf("partial text must persist: %+v", log[len(log)-1])
	}
}

func TestTruncatedToolTurnExitsLoop(t *testing.T) {
	call := models.ToolCall{ID: "t1", Name: "nope", Arguments: "{}"}
	assistant := models.AssistantMessage("", []models.ToolCall{call})
	script := []provider.StreamEvent{
		{Kind: provider.KindToolStart, CallID: "t1", ToolName: "nope"},
		{Kind: provider.KindToolEnd, CallID: "t1", ToolName: "nope"},
		{Kind: provider.KindMessageComplete, Assistant: &assistant, StopReason: provider.StopMaxTokens},
	}
	prov := &scriptedProvider{scripts: [][]provider.StreamEvent{script}}
	rec := &recorder{}
	e := newTestEngine(t, prov, rec)

	if _, err := e.Talk(context.Background(), "go"); err != nil {
		t.Fatal(err)
	}
	if prov.calls != 1 {
		t.Errorf("truncated tool turn must not loop, calls = %d", prov.calls)
	}
	complete := rec.last(EventTextComplete)
	if complete == nil || !complete.Truncated {
		t.Fatalf("expected truncated exit, got %+v", complete)
	}
	// Pairing still intact: result recorded for the unknown tool.
	log := e.Session().Log()
	if log[len(log)-1].Role != models.RoleTool || log[len(log)-1].Content != "unknown tool: nope" {
		t.Errorf("tail = %+v", log[len(log)-1])
	}
}

func TestStreamFaultFallsBack(t *testing.T) {
	prov := &scriptedProvider{scripts: [][]provider.StreamEvent{
		faultTurn(errors.New("connection reset")),
		textTurn("degraded reply", provider.StopEndTurn),
	}}
	rec := &recorder{}
	e := newTestEngine(t, prov, rec)

	got, err := e.Talk(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	if got != "degraded reply" {
		t.Errorf("turn text = %q", got)
	}

	if rec.last(EventError) == nil {
		t.Error("fault must surface an error event")
	}
	if rec.last(EventTextComplete) == nil {
		t.Error("fallback must still complete the turn")
	}

	// Fallback request must carry no tools.
	if len(prov.requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(prov.requests))
	}
	if len(prov.requests[1].Tools) != 0 {
		t.Error("fallback request must have an empty tool list")
	}

	log := e.Session().Log()
	if log[len(log)-1].Content != "degraded reply" {
		t.Errorf("fallback text must persist: %+v", log[len(log)-1])
	}
}

func TestFaultAfterToolExchangeKeepsCompletedPairs(t *testing.T) {
	call := models.ToolCall{ID: "t1", Name: "nope", Arguments: "{}"}
	prov := &scriptedProvider{scripts: [][]provider.StreamEvent{
		toolTurn(call),
		faultTurn(errors.New("broken pipe")),
		textTurn("recovered", provider.StopEndTurn),
	}}
	rec := &recorder{}
	e := newTestEngine(t, prov, rec)

	if _, err := e.Talk(context.Background(), "go"); err != nil {
		t.Fatal(err)
	}

	log := e.Session().Log()
	var anchors, results int
	for _, msg := range log {
		if msg.HasToolCalls() {
			anchors++
		}
		if msg.Role == models.RoleTool {
			results++
		}
	}
	if anchors != 1 || results != 1 {
		t.Errorf("completed exchange must survive the fault: anchors=%d results=%d", anchors, results)
	}
	if log[len(log)-1].Content != "recovered" {
		t.Errorf("tail = %+v", log[len(log)-1])
	}
}

func TestDoubleFaultGivesUp(t *testing.T) {
	prov := &scriptedProvider{scripts: [][]provider.StreamEvent{
		faultTurn(errors.New("fault one")),
		faultTurn(errors.New("fault two")),
	}}
	rec := &recorder{}
	e := newTestEngine(t, prov, rec)

	if _, err := e.Talk(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}
	if prov.calls != 2 {
		t.Errorf("exactly one fallback attempt allowed, calls = %d", prov.calls)
	}
	complete := rec.last(EventTextComplete)
	if complete == nil || !complete.Truncated {
		t.Errorf("double fault should end truncated, got %+v", complete)
	}
}

func TestBusyDrops(t *testing.T) {
	prov := &scriptedProvider{}
	rec := &recorder{}
	e := newTestEngine(t, prov, rec)
	e.busy.Store(true)

	if _, err := e.Talk(context.Background(), "hi"); err != ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if e.Session().Len() != 1 {
		t.Error("busy drop must not touch the session")
	}
}

// interruptingTool flips the engine's interrupt flag from inside a tool
// execution, mimicking a user interrupt arriving mid-turn.
type interruptingTool struct {
	engine *Engine
}

func (it *interruptingTool) Name() string        { return "slow_job" }
func (it *interruptingTool) Description() string { return "test" }
func (it *interruptingTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object"}`)
}
func (it *interruptingTool) Execute(context.Context, json.RawMessage) (string, error) {
	it.engine.Interrupt()
	return "partial work", nil
}

func TestInterruptHonoredBetweenIterations(t *testing.T) {
	call := models.ToolCall{ID: "t1", Name: "slow_job", Arguments: "{}"}
	prov := &scriptedProvider{scripts: [][]provider.StreamEvent{
		toolTurn(call),
		textTurn("should never run", provider.StopEndTurn),
	}}
	rec := &recorder{}
	e := newTestEngine(t, prov, rec)
	e.registry.Register(&interruptingTool{engine: e})

	if _, err := e.Talk(context.Background(), "go"); err != nil {
		t.Fatal(err)
	}
	if prov.calls != 1 {
		t.Errorf("interrupt must stop before the next iteration, calls = %d", prov.calls)
	}
	complete := rec.last(EventTextComplete)
	if complete == nil || complete.Truncated {
		t.Errorf("interrupt is a clean termination, got %+v", complete)
	}
	// Result for the in-flight call is still recorded.
	log := e.Session().Log()
	if log[len(log)-1].Role != models.RoleTool || log[len(log)-1].Content != "partial work" {
		t.Errorf("tail = %+v", log[len(log)-1])
	}
}

func TestMaxIterationsReadsAsTruncation(t *testing.T) {
	scripts := make([][]provider.StreamEvent, MinMaxIterations)
	for i := range scripts {
		scripts[i] = toolTurn(models.ToolCall{ID: "t1", Name: "nope", Arguments: "{}"})
	}
	prov := &scriptedProvider{scripts: scripts}
	rec := &recorder{}
	e := New(Config{
		AgentID:       "a",
		Provider:      prov,
		Registry:      tools.NewRegistry(),
		Session:       session.New(200),
		Sink:          rec.sink,
		MaxIterations: 1, // clamped up to the floor
	})

	if _, err := e.Talk(context.Background(), "loop"); err != nil {
		t.Fatal(err)
	}
	if prov.calls != MinMaxIterations {
		t.Errorf("expected %d iterations, got %d", MinMaxIterations, prov.calls)
	}
	complete := rec.last(EventTextComplete)
	if complete == nil || !complete.Truncated {
		t.Errorf("iteration cap should read as truncation, got %+v", complete)
	}
}

func TestCommandGateDenial(t *testing.T) {
	call := models.ToolCall{ID: "t1", Name: tools.CommandToolName, Arguments: `{"command":"ls"}`}
	prov := &scriptedProvider{scripts: [][]provider.StreamEvent{
		toolTurn(call),
		textTurn("understood", provider.StopEndTurn),
	}}
	rec := &recorder{}
	e := New(Config{
		AgentID:  "a",
		Provider: prov,
		Registry: tools.NewRegistry(),
		Session:  session.New(40),
		Sink:     rec.sink,
		CommandGate: func(_ context.Context, _, _ string) bool {
			return false
		},
	})

	if _, err := e.Talk(context.Background(), "go"); err != nil {
		t.Fatal(err)
	}

	log := e.Session().Log()
	var result *models.Message
	for i := range log {
		if log[i].Role == models.RoleTool {
			result = &log[i]
		}
	}
	if result == nil || result.Content != DeniedCommandResult {
		t.Fatalf("expected denial result, got %+v", result)
	}
	// Pairing survives the denial and the loop continues.
	if prov.calls != 2 {
		t.Errorf("loop must continue after denial, calls = %d", prov.calls)
	}
}
