package extool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentgrid/agentgrid/internal/tools"
	"github.com/agentgrid/agentgrid/pkg/models"
)

// Manager owns every configured external tool server and implements
// the registry's External dispatcher: discovered tools surface under
// ext_<server>_<tool> names.
type Manager struct {
	logger *slog.Logger

	mu      sync.RWMutex
	servers map[string]*Server

	// CallTimeout bounds each tools/call exchange.
	CallTimeout time.Duration
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:      logger.With("component", "extool"),
		servers:     make(map[string]*Server),
		CallTimeout: defaultCallTimeout,
	}
}

// ConnectAll (re)connects the declared servers. Individual connection
// failures are recorded and logged but never abort the set: a broken
// server simply contributes no tools.
func (m *Manager) ConnectAll(ctx context.Context, specs map[string]models.ToolServerSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, spec := range specs {
		server := NewServer(name, spec, m.logger)
		if err := server.Connect(ctx); err != nil {
			m.logger.Error("tool server connection failed", "server", name, "error", err)
		}
		m.servers[name] = server
	}
}

// DisconnectAll tears down every server and clears the set.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	servers := m.servers
	m.servers = make(map[string]*Server)
	m.mu.Unlock()

	for _, server := range servers {
		server.Disconnect()
	}
}

// Server returns a connected server by name.
func (m *Manager) Server(name string) (*Server, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.servers[name]
	return s, ok
}

// Defs lists every discovered external tool with its prefixed name.
func (m *Manager) Defs() []tools.Def {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var defs []tools.Def
	for name, server := range m.servers {
		if !server.Connected() {
			continue
		}
		for _, info := range server.Tools() {
			schema := info.InputSchema
			if len(schema) == 0 {
				schema = json.RawMessage(`{"type":"object","properties":{}}`)
			}
			defs = append(defs, tools.Def{
				Name:        fmt.Sprintf("%s%s_%s", tools.ExternalPrefix, name, info.Name),
				Description: info.Description,
				Schema:      schema,
				Origin:      tools.Origin("external:" + name),
			})
		}
	}
	return defs
}

// Call routes a prefixed tool name to its server. Failures come back
// as errors; the registry stringifies them into tool results.
func (m *Manager) Call(ctx context.Context, name string, params json.RawMessage) (string, error) {
	serverName, toolName, ok := tools.SplitExternal(name)
	if !ok {
		return "", fmt.Errorf("malformed external tool name %q", name)
	}

	m.mu.RLock()
	server := m.servers[serverName]
	timeout := m.CallTimeout
	m.mu.RUnlock()

	if server == nil {
		return "", fmt.Errorf("unknown tool server %q", serverName)
	}
	if !server.Connected() {
		return "", fmt.Errorf("tool server %q is not connected", serverName)
	}

	result, err := server.CallTool(ctx, toolName, params, timeout)
	if err == ErrTimeout {
		return "external tool timeout", nil
	}
	return result, err
}
