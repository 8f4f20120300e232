package controller

import (
	"context"
	"testing"

	"github.com/agentgrid/agentgrid/internal/engine"
	"github.com/agentgrid/agentgrid/pkg/models"
)

func loadedController(t *testing.T) (*Controller, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	c := New(testSettings(t), pub, nil)
	if err := c.LoadGraph(context.Background(), twoAgentSpec()); err != nil {
		t.Fatal(err)
	}
	return c, pub
}

func TestWorkerEventTranslation(t *testing.T) {
	c, pub := loadedController(t)
	w, _ := c.Worker("a")

	w.emit(engine.Event{Kind: engine.EventTextDelta, Text: "hel"})
	w.emit(engine.Event{Kind: engine.EventTextComplete, Text: "hello", Truncated: false})
	w.emit(engine.Event{Kind: engine.EventToolStart, ToolName: "run_command"})
	w.emit(engine.Event{Kind: engine.EventToolEnd, ToolName: "run_command", Input: map[string]any{"command": "ls"}})
	w.emit(engine.Event{Kind: engine.EventToolExec, ToolName: "run_command"})
	w.emit(engine.Event{Kind: engine.EventToolResult, ToolName: "run_command"})
	w.emit(engine.Event{Kind: engine.EventThinkingStart})
	w.emit(engine.Event{Kind: engine.EventThinkingEnd, Text: "hmm"})

	pub.mu.Lock()
	defer pub.mu.Unlock()

	wantTypes := []models.AgentEventType{
		models.EventMessageDelta,
		models.EventMessageEnd,
		models.EventToolStart,
		models.EventToolEnd,
		models.EventToolExec,
		models.EventToolResult,
		models.EventThinkingStart,
		models.EventThinkingEnd,
	}
	if len(pub.events) != len(wantTypes) {
		t.Fatalf("got %d events, want %d", len(pub.events), len(wantTypes))
	}
	for i, want := range wantTypes {
		if pub.events[i].Type != want {
			t.Errorf("event %d type = %s, want %s", i, pub.events[i].Type, want)
		}
		if pub.events[i].AgentID != "a" {
			t.Errorf("event %d missing agent id", i)
		}
	}

	end := pub.events[1]
	if end.Payload["full_text"] != "hello" || end.Payload["truncated"] != false {
		t.Errorf("message_end payload = %v", end.Payload)
	}
	toolEnd := pub.events[3]
	input, _ := toolEnd.Payload["input"].(map[string]any)
	if input["command"] != "ls" {
		t.Errorf("tool_end payload = %v", toolEnd.Payload)
	}
}

func TestWorkerErrorEventHasNoAgentID(t *testing.T) {
	c, pub := loadedController(t)
	w, _ := c.Worker("a")

	w.emit(engine.Event{Kind: engine.EventError, Message: "boom"})

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.events) != 1 {
		t.Fatalf("got %d events", len(pub.events))
	}
	if pub.events[0].AgentID != "" {
		t.Error("error events carry no agent id")
	}
	if pub.events[0].Payload["message"] != "boom" {
		t.Errorf("payload = %v", pub.events[0].Payload)
	}
}

func TestWorkerPartCompleteIsInternal(t *testing.T) {
	c, pub := loadedController(t)
	w, _ := c.Worker("a")

	w.emit(engine.Event{Kind: engine.EventTextPartComplete, Text: "partial"})
	if pub.count() != 0 {
		t.Error("text_part_complete must not reach the wire")
	}
}

func TestWorkerDescriptionFirstLine(t *testing.T) {
	c, _ := loadedController(t)

	w := newWorker(models.AgentConfig{
		ID:   "x",
		Data: models.AgentData{SystemPrompt: "first line\nsecond line"},
	}, c)
	if got := w.Description(); got != "first line" {
		t.Errorf("description = %q", got)
	}
	if got := w.DisplayName(); got != "x" {
		t.Errorf("display name falls back to id, got %q", got)
	}
}
