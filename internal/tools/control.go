package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// The control tools below are ordinary tool invocations: their return
// strings are recorded like any other result and do not change the
// engine's control flow.

type taskCompleteArgs struct {
	Summary string `json:"summary,omitempty" jsonschema:"description=Short summary of what was accomplished."`
}

// TaskCompleteTool lets the model mark its current task done.
type TaskCompleteTool struct{}

func (TaskCompleteTool) Name() string { return "task_complete" }

func (TaskCompleteTool) Description() string {
	return "Signal that the current task is complete, optionally with a summary."
}

func (TaskCompleteTool) Schema() json.RawMessage {
	return schemaFor(&taskCompleteArgs{})
}

func (TaskCompleteTool) Execute(_ context.Context, params json.RawMessage) (string, error) {
	var args taskCompleteArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return fmt.Sprintf("invalid arguments: %v", err), nil
	}
	if args.Summary != "" {
		return "task recorded as complete: " + args.Summary, nil
	}
	return "task recorded as complete", nil
}

type needUserInputArgs struct {
	Question string `json:"question,omitempty" jsonschema:"description=What you need from the user."`
}

// NeedUserInputTool lets the model request a human response.
type NeedUserInputTool struct{}

func (NeedUserInputTool) Name() string { return "need_user_input" }

func (NeedUserInputTool) Description() string {
	return "Signal that you need input from the user before continuing."
}

func (NeedUserInputTool) Schema() json.RawMessage {
	return schemaFor(&needUserInputArgs{})
}

func (NeedUserInputTool) Execute(_ context.Context, params json.RawMessage) (string, error) {
	var args needUserInputArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return fmt.Sprintf("invalid arguments: %v", err), nil
	}
	if args.Question != "" {
		return "user input requested: " + args.Question, nil
	}
	return "user input requested", nil
}
