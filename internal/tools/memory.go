package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentgrid/agentgrid/internal/journal"
)

type journalWriteArgs struct {
	Entry string `json:"entry" jsonschema:"description=Markdown text to append to today's journal."`
}

// JournalWriteTool appends to the calling agent's day journal.
type JournalWriteTool struct {
	store *journal.Store
}

func NewJournalWriteTool(store *journal.Store) *JournalWriteTool {
	return &JournalWriteTool{store: store}
}

func (t *JournalWriteTool) Name() string { return "write_journal" }

func (t *JournalWriteTool) Description() string {
	return "Append an entry to your journal for today."
}

func (t *JournalWriteTool) Schema() json.RawMessage {
	return schemaFor(&journalWriteArgs{})
}

func (t *JournalWriteTool) Execute(ctx context.Context, params json.RawMessage) (string, error) {
	var args journalWriteArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return fmt.Sprintf("invalid arguments: %v", err), nil
	}
	if strings.TrimSpace(args.Entry) == "" {
		return "entry is required", nil
	}
	if err := t.store.Append(AgentIDFrom(ctx), args.Entry); err != nil {
		return fmt.Sprintf("journal write failed: %v", err), nil
	}
	return "journal updated", nil
}

// JournalReadTool returns the agent's most recent day journal.
type JournalReadTool struct {
	store *journal.Store
}

func NewJournalReadTool(store *journal.Store) *JournalReadTool {
	return &JournalReadTool{store: store}
}

func (t *JournalReadTool) Name() string { return "read_journal" }

func (t *JournalReadTool) Description() string {
	return "Read your most recent day's journal."
}

func (t *JournalReadTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}

func (t *JournalReadTool) Execute(ctx context.Context, _ json.RawMessage) (string, error) {
	text, err := t.store.ReadLatestDay(AgentIDFrom(ctx))
	if err != nil {
		return fmt.Sprintf("journal read failed: %v", err), nil
	}
	if strings.TrimSpace(text) == "" {
		return "journal is empty", nil
	}
	return text, nil
}

type rememberArgs struct {
	Fact string `json:"fact" jsonschema:"description=Durable fact to store in long-term memory."`
}

// RememberTool appends to the shared long-term memory file.
type RememberTool struct {
	store *journal.Store
}

func NewRememberTool(store *journal.Store) *RememberTool {
	return &RememberTool{store: store}
}

func (t *RememberTool) Name() string { return "remember" }

func (t *RememberTool) Description() string {
	return "Store a durable fact in long-term memory."
}

func (t *RememberTool) Schema() json.RawMessage {
	return schemaFor(&rememberArgs{})
}

func (t *RememberTool) Execute(ctx context.Context, params json.RawMessage) (string, error) {
	var args rememberArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return fmt.Sprintf("invalid arguments: %v", err), nil
	}
	if strings.TrimSpace(args.Fact) == "" {
		return "fact is required", nil
	}
	if err := t.store.Remember(AgentIDFrom(ctx), args.Fact); err != nil {
		return fmt.Sprintf("remember failed: %v", err), nil
	}
	return "remembered", nil
}

type recallArgs struct {
	Query string `json:"query" jsonschema:"description=Search terms for long-term memory."`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum results (default 5)."`
}

// RecallTool searches long-term memory.
type RecallTool struct {
	store *journal.Store
}

func NewRecallTool(store *journal.Store) *RecallTool {
	return &RecallTool{store: store}
}

func (t *RecallTool) Name() string { return "recall" }

func (t *RecallTool) Description() string {
	return "Search long-term memory for relevant facts."
}

func (t *RecallTool) Schema() json.RawMessage {
	return schemaFor(&recallArgs{})
}

func (t *RecallTool) Execute(_ context.Context, params json.RawMessage) (string, error) {
	var args recallArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return fmt.Sprintf("invalid arguments: %v", err), nil
	}
	hits, err := t.store.Search(args.Query, args.Limit)
	if err != nil {
		return fmt.Sprintf("recall failed: %v", err), nil
	}
	if len(hits) == 0 {
		return "no matching memories", nil
	}
	return strings.Join(hits, "\n"), nil
}
