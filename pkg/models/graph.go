package models

// CronJob is a declarative scheduled self-activation for an agent.
type CronJob struct {
	Expression string `json:"expression"`
	Prompt     string `json:"prompt"`
}

// AgentData holds the behavioral configuration of an agent node.
type AgentData struct {
	SystemPrompt  string    `json:"system_prompt"`
	Provider      string    `json:"provider,omitempty"`
	Model         string    `json:"model,omitempty"`
	BaseURL       string    `json:"base_url,omitempty"`
	APIKey        string    `json:"api_key,omitempty"`
	MaxTokens     int       `json:"max_tokens,omitempty"`
	MaxIterations int       `json:"max_iterations,omitempty"`
	CronJobs      []CronJob `json:"cron_jobs,omitempty"`
}

// Position is editor-only placement data, persisted verbatim.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// AgentConfig is one agent node of the declarative graph.
type AgentConfig struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Position *Position `json:"position,omitempty"`
	Data     AgentData `json:"data"`
}

// ConnectionData carries the optional routing hint. The condition is
// parsed and persisted but not evaluated; routing is explicit through
// the send_message tool.
type ConnectionData struct {
	Condition string `json:"condition,omitempty"`
}

// Connection is a directed edge permitting source → target messaging.
type Connection struct {
	ID     string          `json:"id"`
	Source string          `json:"source"`
	Target string          `json:"target"`
	Data   *ConnectionData `json:"data,omitempty"`
}

// ToolServerSpec describes how to launch an external tool server.
type ToolServerSpec struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
}

// GraphSpec is the atomic unit of load and reload.
type GraphSpec struct {
	Agents              []AgentConfig             `json:"agents"`
	Connections         []Connection              `json:"connections"`
	ExternalToolServers map[string]ToolServerSpec `json:"external_tool_servers,omitempty"`
}

// Agent returns the agent config with the given id, if present.
func (g *GraphSpec) Agent(id string) (AgentConfig, bool) {
	for _, a := range g.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// HasEdge reports whether the graph declares a source → target edge.
func (g *GraphSpec) HasEdge(source, target string) bool {
	for _, c := range g.Connections {
		if c.Source == source && c.Target == target {
			return true
		}
	}
	return false
}
