package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Router delivers agent-to-agent messages along declared edges.
// Implemented by the message bus; both operations report failures as
// descriptive strings rather than errors.
type Router interface {
	Send(ctx context.Context, source, target, message string) string
	Roster(requester string) string
}

type sendArgs struct {
	TargetAgentID string `json:"target_agent_id" jsonschema:"description=Identifier of the agent to message."`
	Message       string `json:"message" jsonschema:"description=Message body to deliver."`
}

// SendMessageTool lets an agent message a peer it has an edge to.
type SendMessageTool struct {
	router Router
}

// NewSendMessageTool wires the send_message built-in to the bus.
func NewSendMessageTool(router Router) *SendMessageTool {
	return &SendMessageTool{router: router}
}

func (t *SendMessageTool) Name() string { return "send_message" }

func (t *SendMessageTool) Description() string {
	return "Send a message to another agent you are connected to. Delivery is asynchronous; use list_agents to see who you can reach."
}

func (t *SendMessageTool) Schema() json.RawMessage {
	return schemaFor(&sendArgs{})
}

func (t *SendMessageTool) Execute(ctx context.Context, params json.RawMessage) (string, error) {
	var args sendArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return fmt.Sprintf("invalid arguments: %v", err), nil
	}
	if args.TargetAgentID == "" {
		return "target_agent_id is required", nil
	}
	return t.router.Send(ctx, AgentIDFrom(ctx), args.TargetAgentID, args.Message), nil
}

// ListAgentsTool returns the roster of reachable peers.
type ListAgentsTool struct {
	router Router
}

// NewListAgentsTool wires the list_agents built-in to the bus roster.
func NewListAgentsTool(router Router) *ListAgentsTool {
	return &ListAgentsTool{router: router}
}

func (t *ListAgentsTool) Name() string { return "list_agents" }

func (t *ListAgentsTool) Description() string {
	return "List the agents reachable from you, with their descriptions."
}

func (t *ListAgentsTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}

func (t *ListAgentsTool) Execute(ctx context.Context, _ json.RawMessage) (string, error) {
	return t.router.Roster(AgentIDFrom(ctx)), nil
}
