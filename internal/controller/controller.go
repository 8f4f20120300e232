// Package controller owns the live agent graph: it loads and reloads
// the declarative specification atomically, constructs one worker per
// agent, and wires the bus, scheduler, tool registry, and event
// fan-out around them.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/agentgrid/agentgrid/internal/bus"
	"github.com/agentgrid/agentgrid/internal/config"
	"github.com/agentgrid/agentgrid/internal/engine"
	"github.com/agentgrid/agentgrid/internal/extool"
	"github.com/agentgrid/agentgrid/internal/journal"
	"github.com/agentgrid/agentgrid/internal/metrics"
	"github.com/agentgrid/agentgrid/internal/provider"
	"github.com/agentgrid/agentgrid/internal/scheduler"
	"github.com/agentgrid/agentgrid/internal/tools"
	"github.com/agentgrid/agentgrid/pkg/models"
)

// NotInitialised is returned to UI traffic during a reload.
const NotInitialised = "system not initialised"

// Publisher receives outward events; implemented by the fan-out hub.
type Publisher interface {
	Publish(models.AgentEvent)
}

// Controller is the single owner of the current graph spec and the
// worker map. All mutation happens inside LoadGraph and Shutdown; every other
// component only reads.
type Controller struct {
	logger   *slog.Logger
	settings *config.Settings

	registry  *tools.Registry
	extools   *extool.Manager
	bus       *bus.Bus
	scheduler *scheduler.Scheduler
	journal   *journal.Store
	publisher Publisher

	commandGate engine.CommandGate
	schedOpts   []scheduler.Option

	mu      sync.RWMutex
	spec    *models.GraphSpec
	workers map[string]*Worker
	order   []string

	ready atomic.Bool
}

// Option configures the controller.
type Option func(*Controller)

// WithCommandGate installs the shell-command confirmation hook.
func WithCommandGate(gate engine.CommandGate) Option {
	return func(c *Controller) { c.commandGate = gate }
}

// WithSchedulerOptions forwards options to the embedded scheduler.
func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(c *Controller) { c.schedOpts = opts }
}

// New assembles a controller with its registry, bus, scheduler, and
// built-in tools. The publisher may be nil in tests.
func New(settings *config.Settings, publisher Publisher, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		logger:    logger.With("component", "controller"),
		settings:  settings,
		publisher: publisher,
		workers:   make(map[string]*Worker),
		spec:      &models.GraphSpec{},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.journal = journal.New(settings.Workspace)
	c.registry = tools.NewRegistry()
	c.extools = extool.NewManager(logger)
	c.registry.SetExternal(c.extools)
	c.bus = bus.New(busDirectory{c}, logger)
	c.scheduler = scheduler.New(schedulerHooks{c}, logger, c.schedOpts...)

	c.registerBuiltins()
	return c
}

func (c *Controller) registerBuiltins() {
	c.registry.RegisterBuiltin(tools.NewCommandTool(c.settings.Workspace))
	c.registry.RegisterBuiltin(tools.NewSendMessageTool(c.bus))
	c.registry.RegisterBuiltin(tools.NewListAgentsTool(c.bus))
	c.registry.RegisterBuiltin(tools.TaskCompleteTool{})
	c.registry.RegisterBuiltin(tools.NeedUserInputTool{})
	c.registry.RegisterBuiltin(tools.NewJournalWriteTool(c.journal))
	c.registry.RegisterBuiltin(tools.NewJournalReadTool(c.journal))
	c.registry.RegisterBuiltin(tools.NewRememberTool(c.journal))
	c.registry.RegisterBuiltin(tools.NewRecallTool(c.journal))
}

// Registry exposes the tool catalog for plugin registration.
func (c *Controller) Registry() *tools.Registry { return c.registry }

// Journal exposes the journal store for the history surface.
func (c *Controller) Journal() *journal.Store { return c.journal }

// Spec returns the live graph specification.
func (c *Controller) Spec() *models.GraphSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.spec
}

// LoadGraph atomically replaces the running graph. The sequence is:
// stop timers, disconnect tool servers, tear down workers, install
// edges, reconnect servers, construct and init workers in declaration
// order, install cron triggers, restart the scheduler. Individual
// agent or server failures are reported and skipped; the rest of the
// graph still loads.
func (c *Controller) LoadGraph(ctx context.Context, spec *models.GraphSpec) error {
	if spec == nil {
		spec = &models.GraphSpec{}
	}
	if err := config.ValidateGraph(spec); err != nil {
		return fmt.Errorf("invalid graph: %w", err)
	}

	c.ready.Store(false)
	c.scheduler.Stop()
	c.extools.DisconnectAll()

	c.mu.Lock()
	old := c.workers
	c.workers = make(map[string]*Worker, len(spec.Agents))
	c.order = nil
	c.spec = spec
	c.mu.Unlock()

	for _, w := range old {
		w.teardown()
	}

	c.bus.SetEdges(spec.Connections)
	c.extools.ConnectAll(ctx, spec.ExternalToolServers)

	var failures []string
	for _, agentCfg := range spec.Agents {
		worker := newWorker(agentCfg, c)
		if err := worker.Init(); err != nil {
			c.logger.Error("agent failed to initialise", "agent", agentCfg.ID, "error", err)
			failures = append(failures, fmt.Sprintf("%s: %v", agentCfg.ID, err))
			continue
		}
		c.mu.Lock()
		c.workers[agentCfg.ID] = worker
		c.order = append(c.order, agentCfg.ID)
		c.mu.Unlock()
	}

	c.scheduler.Configure(spec.Agents)
	c.scheduler.Start()
	c.ready.Store(true)

	c.mu.RLock()
	metrics.ActiveWorkers.Set(float64(len(c.workers)))
	c.mu.RUnlock()

	c.logger.Info("graph loaded",
		"agents", len(spec.Agents),
		"connections", len(spec.Connections),
		"tool_servers", len(spec.ExternalToolServers),
		"failures", len(failures))

	if len(failures) > 0 {
		return fmt.Errorf("some agents failed to load: %s", strings.Join(failures, "; "))
	}
	return nil
}

// Shutdown stops the scheduler, disconnects tool servers, and tears
// down every worker.
func (c *Controller) Shutdown() {
	c.ready.Store(false)
	c.scheduler.Stop()
	c.extools.DisconnectAll()

	c.mu.Lock()
	workers := c.workers
	c.workers = make(map[string]*Worker)
	c.order = nil
	c.mu.Unlock()

	for _, w := range workers {
		w.teardown()
	}
}

// HandleUserMessage delivers UI input to the named agent, or the first
// agent by declaration order when no target is given. The return value
// is an error string for the client, empty on success. Workers are
// never created here.
func (c *Controller) HandleUserMessage(content, targetAgentID string) string {
	if !c.ready.Load() {
		return NotInitialised
	}

	worker, errMsg := c.resolveTarget(targetAgentID)
	if errMsg != "" {
		return errMsg
	}
	worker.Deliver(content)
	return ""
}

// HandleInterrupt sets the interrupt flag on the target worker, or on
// every worker when no target is given.
func (c *Controller) HandleInterrupt(targetAgentID string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if targetAgentID != "" {
		if w, ok := c.workers[targetAgentID]; ok {
			w.Interrupt()
		}
		return
	}
	for _, w := range c.workers {
		w.Interrupt()
	}
}

func (c *Controller) resolveTarget(targetAgentID string) (*Worker, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if targetAgentID != "" {
		w, ok := c.workers[targetAgentID]
		if !ok {
			return nil, "agent not found: " + targetAgentID
		}
		return w, ""
	}
	if len(c.order) == 0 {
		return nil, "no agents configured"
	}
	return c.workers[c.order[0]], ""
}

// Worker returns a live worker by id.
func (c *Controller) Worker(id string) (*Worker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.workers[id]
	return w, ok
}

// Workers lists live workers in declaration order.
func (c *Controller) Workers() []*Worker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Worker, 0, len(c.order))
	for _, id := range c.order {
		if w, ok := c.workers[id]; ok {
			out = append(out, w)
		}
	}
	return out
}

func (c *Controller) publish(event models.AgentEvent) {
	if c.publisher != nil {
		c.publisher.Publish(event)
	}
}

// assembleSystemPrompt builds a worker's system prompt: the agent's own
// prompt, the shared soul text when present, a digest of available
// skills, and the roster of reachable peers.
func (c *Controller) assembleSystemPrompt(cfg models.AgentConfig) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(cfg.Data.SystemPrompt))

	if soul := c.readSoul(); soul != "" {
		b.WriteString("\n\n")
		b.WriteString(soul)
	}

	if defs := c.registry.Defs(); len(defs) > 0 {
		names := make([]string, len(defs))
		for i, d := range defs {
			names[i] = d.Name
		}
		b.WriteString("\n\nAvailable tools: ")
		b.WriteString(strings.Join(names, ", "))
	}

	if roster := c.peerRoster(cfg.ID); roster != "" {
		b.WriteString("\n\n")
		b.WriteString(roster)
	}
	return b.String()
}

func (c *Controller) readSoul() string {
	data, err := os.ReadFile(filepath.Join(c.settings.Workspace, "soul.md"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// peerRoster renders the organisation view from the spec: the agents
// this one has outgoing edges to.
func (c *Controller) peerRoster(agentID string) string {
	c.mu.RLock()
	spec := c.spec
	c.mu.RUnlock()

	var lines []string
	for _, conn := range spec.Connections {
		if conn.Source != agentID {
			continue
		}
		if peer, ok := spec.Agent(conn.Target); ok {
			name := peer.Name
			if name == "" {
				name = peer.ID
			}
			lines = append(lines, fmt.Sprintf("- %s (%s)", peer.ID, name))
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "You can message these agents with send_message:\n" + strings.Join(lines, "\n")
}

// History synthesises the REST history payload from the journal plus
// the live session log.
func (c *Controller) History(agentID string) ([]map[string]string, error) {
	c.mu.RLock()
	worker, ok := c.workers[agentID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("agent not found: %s", agentID)
	}

	var messages []map[string]string
	if day, err := c.journal.ReadLatestDay(agentID); err == nil && strings.TrimSpace(day) != "" {
		messages = append(messages, map[string]string{
			"role":    "system",
			"agent":   agentID,
			"content": "journal:\n" + day,
		})
	}

	if sess := worker.Session(); sess != nil {
		for _, msg := range sess.Log() {
			if msg.Role == models.RoleSystem {
				continue
			}
			content := msg.Content
			if msg.HasToolCalls() {
				var names []string
				for _, call := range msg.ToolCalls {
					names = append(names, call.Name)
				}
				if content != "" {
					content += "\n"
				}
				content += "(called: " + strings.Join(names, ", ") + ")"
			}
			messages = append(messages, map[string]string{
				"role":    string(msg.Role),
				"agent":   agentID,
				"content": content,
			})
		}
	}
	return messages, nil
}

// Reflect runs one reflection pass for the agent: if its latest journal
// is non-empty, issue a synchronous model call outside the agent's
// conversation engine and bank any non-trivial insight to long-term
// memory.
func (c *Controller) Reflect(ctx context.Context, agentID string) {
	c.mu.RLock()
	agentCfg, ok := c.spec.Agent(agentID)
	c.mu.RUnlock()
	if !ok {
		return
	}

	day, err := c.journal.ReadLatestDay(agentID)
	if err != nil || strings.TrimSpace(day) == "" {
		return
	}

	kind := agentCfg.Data.Provider
	if kind == "" {
		kind = c.settings.Provider
	}
	apiKey := agentCfg.Data.APIKey
	if apiKey == "" {
		apiKey = c.settings.DefaultKey(kind)
	}
	if apiKey == "" {
		c.logger.Warn("skipping reflection, no credential", "agent", agentID)
		return
	}
	model := agentCfg.Data.Model
	if model == "" {
		model = c.settings.Model
	}
	baseURL := agentCfg.Data.BaseURL
	if baseURL == "" {
		baseURL = c.settings.BaseURL
	}

	prov, err := provider.New(provider.Config{Kind: kind, Model: model, BaseURL: baseURL, APIKey: apiKey})
	if err != nil {
		c.logger.Warn("skipping reflection", "agent", agentID, "error", err)
		return
	}

	prompt := "Review today's journal and distill at most three durable insights " +
		"worth keeping. Reply with just the insights, or NOTHING if there are none.\n\n" + day
	response, err := prov.Complete(ctx, &provider.Request{
		Model:    model,
		Messages: []models.Message{models.UserMessage(prompt)},
	})
	if err != nil {
		c.logger.Warn("reflection call failed", "agent", agentID, "error", err)
		return
	}

	response = strings.TrimSpace(response)
	if response == "" || strings.EqualFold(response, "NOTHING") || len(response) < 20 {
		return
	}

	if err := c.journal.Remember(agentID, response); err != nil {
		c.logger.Warn("failed to bank reflection", "agent", agentID, "error", err)
		return
	}
	c.publish(models.AgentEvent{
		Type:    models.EventSystemMessage,
		Payload: map[string]any{"message": fmt.Sprintf("reflection for %s: %s", agentID, models.Truncate(response, 200))},
	})
}

// busDirectory adapts the controller's worker map to the bus.
type busDirectory struct{ c *Controller }

func (d busDirectory) Peer(id string) (bus.Peer, bool) {
	w, ok := d.c.Worker(id)
	if !ok {
		return nil, false
	}
	return w, true
}

func (d busDirectory) Peers() []bus.Peer {
	workers := d.c.Workers()
	out := make([]bus.Peer, len(workers))
	for i, w := range workers {
		out[i] = w
	}
	return out
}

// schedulerHooks adapts the controller to the scheduler.
type schedulerHooks struct{ c *Controller }

func (h schedulerHooks) AgentIDs() []string {
	workers := h.c.Workers()
	ids := make([]string, len(workers))
	for i, w := range workers {
		ids[i] = w.ID()
	}
	return ids
}

func (h schedulerHooks) RunScheduledPrompt(agentID, prompt string) {
	w, ok := h.c.Worker(agentID)
	if !ok {
		return
	}
	if w.Busy() {
		h.c.logger.Debug("dropped cron tick, agent busy", "agent", agentID)
		return
	}
	w.Deliver(prompt)
}

func (h schedulerHooks) Reflect(ctx context.Context, agentID string) {
	h.c.Reflect(ctx, agentID)
}
