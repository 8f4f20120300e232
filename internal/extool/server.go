package extool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentgrid/agentgrid/pkg/models"
)

const handshakeTimeout = 15 * time.Second

// Server is one connected external tool server: the transport plus the
// tool list discovered during the handshake.
type Server struct {
	name      string
	spec      models.ToolServerSpec
	logger    *slog.Logger
	transport *transport

	mu      sync.RWMutex
	tools   []ToolInfo
	lastErr error
}

// NewServer prepares a server connection; Connect establishes it.
func NewServer(name string, spec models.ToolServerSpec, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("tool_server", name)
	return &Server{
		name:      name,
		spec:      spec,
		logger:    logger,
		transport: newTransport(spec, logger),
	}
}

// Name returns the server's configured name.
func (s *Server) Name() string { return s.name }

// Connected reports whether the handshake completed and the child is up.
func (s *Server) Connected() bool { return s.transport.connected.Load() }

// Err returns the recorded connection error, if any.
func (s *Server) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Connect spawns the child and runs the handshake: initialize,
// notifications/initialized, tools/list. The whole exchange shares a
// 15-second budget; failure leaves the server in a connection-error
// state without aborting the caller's graph load.
func (s *Server) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	err := s.connect(ctx)
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	if err != nil {
		s.transport.close()
	}
	return err
}

func (s *Server) connect(ctx context.Context) error {
	if err := s.transport.connect(); err != nil {
		return fmt.Errorf("spawn: %w", err)
	}

	result, err := s.transport.call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "agentgrid",
			"version": "1.0.0",
		},
	}, handshakeTimeout)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var init initializeResult
	if err := json.Unmarshal(result, &init); err != nil {
		return fmt.Errorf("parse initialize result: %w", err)
	}
	s.logger.Info("connected to tool server",
		"name", init.ServerInfo.Name,
		"version", init.ServerInfo.Version,
		"protocol", init.ProtocolVersion)

	if err := s.transport.notify("notifications/initialized", nil); err != nil {
		s.logger.Warn("failed to send initialized notification", "error", err)
	}

	toolsRaw, err := s.transport.call(ctx, "tools/list", nil, handshakeTimeout)
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}
	var list listToolsResult
	if err := json.Unmarshal(toolsRaw, &list); err != nil {
		return fmt.Errorf("parse tools/list result: %w", err)
	}

	s.mu.Lock()
	s.tools = list.Tools
	s.mu.Unlock()
	s.logger.Info("discovered tools", "count", len(list.Tools))
	return nil
}

// Disconnect tears down the child process and rejects pending calls.
func (s *Server) Disconnect() {
	s.transport.close()
}

// Tools returns the discovered tool list.
func (s *Server) Tools() []ToolInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ToolInfo, len(s.tools))
	copy(out, s.tools)
	return out
}

// CallTool invokes tools/call and flattens the result: text items are
// concatenated with newlines, other content types are rendered as
// placeholders. RPC error responses and isError results come back as
// errors carrying the server's message.
func (s *Server) CallTool(ctx context.Context, tool string, arguments json.RawMessage, timeout time.Duration) (string, error) {
	params := callToolParams{Name: tool, Arguments: arguments}
	raw, err := s.transport.call(ctx, "tools/call", params, timeout)
	if err != nil {
		if err == ErrTimeout {
			return "", ErrTimeout
		}
		return "", err
	}

	var result callToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("parse tools/call result: %w", err)
	}

	var parts []string
	for _, item := range result.Content {
		if item.Type == "text" {
			parts = append(parts, item.Text)
		} else {
			parts = append(parts, fmt.Sprintf("[%s content]", item.Type))
		}
	}
	text := strings.Join(parts, "\n")
	if result.IsError {
		return "", fmt.Errorf("%s", text)
	}
	return text, nil
}
