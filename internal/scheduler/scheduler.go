// Package scheduler drives time-based agent activation: per-agent cron
// triggers and a periodic reflection pass over recent journals.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentgrid/agentgrid/pkg/models"
)

const (
	// DefaultReflectionInterval is the reflection tick period.
	DefaultReflectionInterval = 60 * time.Minute

	// Default active-hours window (local time) for reflection.
	defaultActiveFrom = 8
	defaultActiveTo   = 23
)

// Hooks is the controller surface the scheduler drives.
type Hooks interface {
	// AgentIDs lists the live agents in declaration order.
	AgentIDs() []string

	// RunScheduledPrompt delivers a cron-injected prompt to an agent.
	// A busy or missing agent drops the tick.
	RunScheduledPrompt(agentID, prompt string)

	// Reflect runs one reflection pass for the agent.
	Reflect(ctx context.Context, agentID string)
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithReflectionInterval overrides the reflection tick period.
func WithReflectionInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.reflectInterval = d
		}
	}
}

// WithActiveHours overrides the reflection active window.
func WithActiveHours(from, to int) Option {
	return func(s *Scheduler) {
		s.activeFrom = from
		s.activeTo = to
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// Scheduler owns the cron runner and the reflection ticker. Both stop
// cleanly on graph reload and on process shutdown.
type Scheduler struct {
	logger *slog.Logger
	hooks  Hooks

	reflectInterval time.Duration
	activeFrom      int
	activeTo        int
	now             func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New creates a scheduler over the given hooks.
func New(hooks Hooks, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		logger:          logger.With("component", "scheduler"),
		hooks:           hooks,
		reflectInterval: DefaultReflectionInterval,
		activeFrom:      defaultActiveFrom,
		activeTo:        defaultActiveTo,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Configure installs cron entries for the given agents, replacing any
// previous set. Invalid expressions are logged and skipped; one bad
// trigger never blocks the rest.
func (s *Scheduler) Configure(agents []models.AgentConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		s.cron.Stop()
	}
	s.cron = cron.New()

	for _, agent := range agents {
		for _, job := range agent.Data.CronJobs {
			agentID := agent.ID
			prompt := job.Prompt
			_, err := s.cron.AddFunc(job.Expression, func() {
				s.hooks.RunScheduledPrompt(agentID, prompt)
			})
			if err != nil {
				s.logger.Warn("invalid cron expression, skipping",
					"agent", agentID, "expression", job.Expression, "error", err)
				continue
			}
			s.logger.Info("installed cron trigger", "agent", agentID, "expression", job.Expression)
		}
	}
}

// Start begins the cron runner and the reflection ticker.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stop = make(chan struct{})

	if s.cron != nil {
		s.cron.Start()
	}

	s.wg.Add(1)
	go s.reflectionLoop(s.stop)
}

// Stop halts both timers and waits for in-flight ticks to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	if s.cron != nil {
		s.cron.Stop()
	}
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) reflectionLoop(stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.reflectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.runReflection()
		}
	}
}

// runReflection fires one pass for every agent inside the active-hours
// window. A failing agent never stops the others or future ticks.
func (s *Scheduler) runReflection() {
	hour := s.now().Hour()
	if hour < s.activeFrom || hour >= s.activeTo {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	for _, agentID := range s.hooks.AgentIDs() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("reflection panicked", "agent", agentID, "panic", r)
				}
			}()
			s.hooks.Reflect(ctx, agentID)
		}()
	}
}
