// Package tools holds the process-wide tool catalog: built-in tools,
// dynamically registered plugin tools, and tools proxied to external
// servers under the ext_ namespace prefix.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/agentgrid/agentgrid/internal/metrics"
)

// Origin tags where a tool is implemented.
type Origin string

const (
	OriginBuiltin Origin = "builtin"
	OriginPlugin  Origin = "plugin"
)

// ExternalPrefix namespaces tools proxied to external servers. The
// exposed name is ext_<server>_<tool>.
const ExternalPrefix = "ext_"

// Tool is one callable the model may invoke. Execute always returns a
// printable result string; errors are reserved for faults the
// dispatcher should stringify, never for tool-level failures.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (string, error)
}

// Def describes a tool as advertised to the model.
type Def struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
	Origin      Origin          `json:"origin"`
}

// External dispatches calls whose names carry the ext_ prefix.
// Implemented by the external tool server manager.
type External interface {
	// Defs lists the discovered external tools, names already prefixed.
	Defs() []Def

	// Call invokes a prefixed tool name on its server.
	Call(ctx context.Context, name string, params json.RawMessage) (string, error)
}

// Registry is the ordered tool catalog with synchronous name dispatch.
// Registration is idempotent by name: re-registering replaces the
// handler, which is what plugin hot reload relies on.
type Registry struct {
	mu       sync.RWMutex
	builtins map[string]Tool
	dynamic  map[string]Tool
	order    []string
	external External
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		builtins: make(map[string]Tool),
		dynamic:  make(map[string]Tool),
	}
}

// SetExternal wires the external tool dispatcher.
func (r *Registry) SetExternal(ext External) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.external = ext
}

// RegisterBuiltin adds a built-in tool.
func (r *Registry) RegisterBuiltin(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Name()
	if _, seen := r.builtins[name]; !seen {
		r.order = append(r.order, name)
	}
	r.builtins[name] = tool
}

// Register adds or replaces a plugin tool.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Name()
	if _, seen := r.dynamic[name]; !seen {
		r.order = append(r.order, name)
	}
	r.dynamic[name] = tool
}

// Unregister removes a plugin tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.dynamic, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Defs returns the full advertised catalog in registration order, with
// external tools appended.
func (r *Registry) Defs() []Def {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Def, 0, len(r.order))
	for _, name := range r.order {
		if tool, ok := r.dynamic[name]; ok {
			defs = append(defs, Def{Name: name, Description: tool.Description(), Schema: tool.Schema(), Origin: OriginPlugin})
			continue
		}
		if tool, ok := r.builtins[name]; ok {
			defs = append(defs, Def{Name: name, Description: tool.Description(), Schema: tool.Schema(), Origin: OriginBuiltin})
		}
	}
	if r.external != nil {
		defs = append(defs, r.external.Defs()...)
	}
	return defs
}

// Dispatch invokes a tool by name. Resolution order: dynamic plugin
// map, then the ext_ namespace, then built-ins. An unknown name yields
// a non-fatal result string, never an error.
func (r *Registry) Dispatch(ctx context.Context, name string, params json.RawMessage) string {
	r.mu.RLock()
	dynamic := r.dynamic[name]
	builtin := r.builtins[name]
	ext := r.external
	r.mu.RUnlock()

	if dynamic != nil {
		metrics.ToolCalls.WithLabelValues(string(OriginPlugin)).Inc()
		return runTool(ctx, dynamic, params)
	}
	if strings.HasPrefix(name, ExternalPrefix) && ext != nil {
		metrics.ToolCalls.WithLabelValues("external").Inc()
		result, err := ext.Call(ctx, name, params)
		if err != nil {
			return fmt.Sprintf("external tool failed: %v", err)
		}
		return result
	}
	if builtin != nil {
		metrics.ToolCalls.WithLabelValues(string(OriginBuiltin)).Inc()
		return runTool(ctx, builtin, params)
	}
	return "unknown tool: " + name
}

func runTool(ctx context.Context, tool Tool, params json.RawMessage) string {
	result, err := tool.Execute(ctx, params)
	if err != nil {
		return fmt.Sprintf("tool execution failed: %v", err)
	}
	return result
}

// SplitExternal parses an ext_<server>_<tool> name. The server is the
// first segment after the prefix; the tool name is the remainder.
func SplitExternal(name string) (server, tool string, ok bool) {
	trimmed := strings.TrimPrefix(name, ExternalPrefix)
	if trimmed == name {
		return "", "", false
	}
	parts := strings.SplitN(trimmed, "_", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
