package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentgrid/agentgrid/pkg/models"
)

type fakeHooks struct {
	mu        sync.Mutex
	prompts   map[string][]string
	reflected []string
	agents    []string
}

func newFakeHooks(agents ...string) *fakeHooks {
	return &fakeHooks{prompts: make(map[string][]string), agents: agents}
}

func (h *fakeHooks) AgentIDs() []string { return h.agents }

func (h *fakeHooks) RunScheduledPrompt(agentID, prompt string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prompts[agentID] = append(h.prompts[agentID], prompt)
}

func (h *fakeHooks) Reflect(_ context.Context, agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reflected = append(h.reflected, agentID)
}

func (h *fakeHooks) reflectedAgents() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.reflected))
	copy(out, h.reflected)
	return out
}

func TestConfigureSkipsInvalidCron(t *testing.T) {
	hooks := newFakeHooks("a")
	s := New(hooks, nil)

	agents := []models.AgentConfig{
		{ID: "a", Data: models.AgentData{CronJobs: []models.CronJob{
			{Expression: "not a cron", Prompt: "never"},
			{Expression: "* * * * *", Prompt: "each minute"},
		}}},
	}
	// Must not panic or fail; the invalid entry is skipped.
	s.Configure(agents)

	if entries := s.cron.Entries(); len(entries) != 1 {
		t.Errorf("expected 1 installed trigger, got %d", len(entries))
	}
}

func TestReflectionRespectsActiveHours(t *testing.T) {
	hooks := newFakeHooks("a", "b")

	night := time.Date(2024, 5, 1, 3, 0, 0, 0, time.Local)
	s := New(hooks, nil, WithNow(func() time.Time { return night }))
	s.runReflection()
	if len(hooks.reflectedAgents()) != 0 {
		t.Error("reflection must not run outside active hours")
	}

	noon := time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local)
	s = New(hooks, nil, WithNow(func() time.Time { return noon }))
	s.runReflection()
	got := hooks.reflectedAgents()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("expected reflection for both agents, got %v", got)
	}
}

func TestReflectionPanicDoesNotStopOthers(t *testing.T) {
	hooks := &panickyHooks{fakeHooks: newFakeHooks("a", "b")}
	noon := time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local)
	s := New(hooks, nil, WithNow(func() time.Time { return noon }))

	s.runReflection()
	if got := hooks.reflectedAgents(); len(got) != 1 || got[0] != "b" {
		t.Errorf("agent b must still reflect after a panicked: %v", got)
	}
}

type panickyHooks struct {
	*fakeHooks
}

func (h *panickyHooks) Reflect(ctx context.Context, agentID string) {
	if agentID == "a" {
		panic("boom")
	}
	h.fakeHooks.Reflect(ctx, agentID)
}

func TestStartStopIdempotent(t *testing.T) {
	s := New(newFakeHooks(), nil, WithReflectionInterval(time.Hour))
	s.Configure(nil)

	s.Start()
	s.Start()
	s.Stop()
	s.Stop()
}

func TestStopHaltsReflectionLoop(t *testing.T) {
	hooks := newFakeHooks("a")
	s := New(hooks, nil,
		WithReflectionInterval(5*time.Millisecond),
		WithActiveHours(0, 24))
	s.Configure(nil)
	s.Start()
	time.Sleep(25 * time.Millisecond)
	s.Stop()

	countAtStop := len(hooks.reflectedAgents())
	if countAtStop == 0 {
		t.Fatal("reflection never ticked")
	}
	time.Sleep(25 * time.Millisecond)
	if got := len(hooks.reflectedAgents()); got != countAtStop {
		t.Errorf("reflection kept ticking after stop: %d -> %d", countAtStop, got)
	}
}
