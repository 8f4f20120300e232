package tools

import "context"

type ctxKey int

const agentIDKey ctxKey = iota

// WithAgentID tags a dispatch context with the calling agent's id.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey, agentID)
}

// AgentIDFrom returns the calling agent's id, or empty.
func AgentIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(agentIDKey).(string)
	return id
}
