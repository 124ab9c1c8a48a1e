package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shadowrealm-ai/shadow/internal/executor"
)

type runTerminalTool struct {
	exec executor.Executor
}

func (t *runTerminalTool) Name() string { return "run_terminal_cmd" }

func (t *runTerminalTool) Description() string {
	return "Run a shell command in the workspace. Foreground commands are bounded by a timeout; background commands return immediately with a pid."
}

func (t *runTerminalTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type":     "object",
		"required": []string{"command"},
		"properties": map[string]any{
			"command":      map[string]any{"type": "string", "minLength": 1},
			"isBackground": map[string]any{"type": "boolean"},
			"timeout": map[string]any{
				"type":        "integer",
				"minimum":     1,
				"maximum":     600,
				"description": "Foreground timeout in seconds, default 30",
			},
		},
		"additionalProperties": false,
	})
}

func (t *runTerminalTool) ResultSchema() json.RawMessage { return executorResultSchema }

func (t *runTerminalTool) Execute(ctx context.Context, args json.RawMessage) executor.Result {
	var req struct {
		Command      string `json:"command"`
		IsBackground bool   `json:"isBackground"`
		Timeout      int    `json:"timeout"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return executor.Failure("invalid arguments: %v", err)
	}
	return t.exec.RunCommand(ctx, executor.CommandRequest{
		Command:      req.Command,
		IsBackground: req.IsBackground,
		Timeout:      time.Duration(req.Timeout) * time.Second,
	})
}
