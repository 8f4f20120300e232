// Package config loads the runtime settings and the persisted graph
// specification. The graph file is parsed with a JSON5-tolerant decoder
// so hand-edited files may carry comments and trailing commas.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/agentgrid/agentgrid/pkg/models"
)

// Defaults applied when the environment does not override them.
const (
	DefaultAddr     = ":8601"
	DefaultProvider = "anthropic"
	DefaultModel    = "claude-sonnet-4-20250514"
	DefaultMaxLen   = 80
)

// Settings holds process-level configuration resolved from the
// environment at startup.
type Settings struct {
	// Addr is the HTTP listen address for the REST and WebSocket surface.
	Addr string

	// Workspace is the root directory for journals, memory, and the
	// graph file.
	Workspace string

	// GraphPath is the persisted graph specification file.
	GraphPath string

	// Provider is the default provider kind (anthropic | openai).
	Provider string

	// Model is the default model id when an agent does not override it.
	Model string

	// BaseURL overrides the provider endpoint when set.
	BaseURL string

	// AnthropicKey and OpenAIKey are the default credentials per dialect.
	AnthropicKey string
	OpenAIKey    string

	// SessionMaxLen bounds each agent's conversation log.
	SessionMaxLen int
}

// FromEnv resolves settings from the process environment.
func FromEnv() *Settings {
	s := &Settings{
		Addr:          envOr("AGENTGRID_ADDR", DefaultAddr),
		Workspace:     envOr("AGENTGRID_WORKSPACE", "."),
		Provider:      strings.ToLower(envOr("AGENTGRID_PROVIDER", DefaultProvider)),
		Model:         envOr("AGENTGRID_MODEL", DefaultModel),
		BaseURL:       os.Getenv("AGENTGRID_BASE_URL"),
		AnthropicKey:  os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		SessionMaxLen: DefaultMaxLen,
	}
	s.GraphPath = envOr("AGENTGRID_GRAPH", filepath.Join(s.Workspace, "system.json"))
	return s
}

// DefaultKey returns the credential for the given provider kind.
func (s *Settings) DefaultKey(provider string) string {
	switch strings.ToLower(provider) {
	case "openai":
		return s.OpenAIKey
	default:
		return s.AnthropicKey
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// LoadGraph reads and validates the persisted graph specification.
// A missing file yields an empty graph rather than an error so a fresh
// workspace starts cleanly.
func LoadGraph(path string) (*models.GraphSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &models.GraphSpec{}, nil
		}
		return nil, fmt.Errorf("read graph: %w", err)
	}

	var spec models.GraphSpec
	if err := json5.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse graph: %w", err)
	}
	if err := ValidateGraph(&spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// SaveGraph persists the graph atomically (write temp, rename).
func SaveGraph(path string, spec *models.GraphSpec) error {
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode graph: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create graph dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write graph: %w", err)
	}
	return os.Rename(tmp, path)
}

// ValidateGraph checks the structural shape of a graph specification:
// non-empty unique agent ids and edges that reference declared agents.
func ValidateGraph(spec *models.GraphSpec) error {
	seen := make(map[string]struct{}, len(spec.Agents))
	for i, a := range spec.Agents {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			return fmt.Errorf("agent %d: id is required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("agent %q: duplicate id", id)
		}
		seen[id] = struct{}{}
	}
	for _, c := range spec.Connections {
		if _, ok := seen[c.Source]; !ok {
			return fmt.Errorf("connection %q: unknown source %q", c.ID, c.Source)
		}
		if _, ok := seen[c.Target]; !ok {
			return fmt.Errorf("connection %q: unknown target %q", c.ID, c.Target)
		}
	}
	for name, srv := range spec.ExternalToolServers {
		if strings.TrimSpace(srv.Command) == "" {
			return fmt.Errorf("external tool server %q: command is required", name)
		}
	}
	return nil
}
