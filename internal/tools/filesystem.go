package tools

import (
	"context"
	"encoding/json"

	"github.com/shadowrealm-ai/shadow/internal/executor"
)

func mustSchema(m map[string]any) json.RawMessage {
	raw, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}
	return raw
}

// executorResultSchema is the shared result shape for tools that return the
// executor's tagged result directly.
var executorResultSchema = mustSchema(map[string]any{
	"type":     "object",
	"required": []string{"success"},
	"properties": map[string]any{
		"success": map[string]any{"type": "boolean"},
		"message": map[string]any{"type": "string"},
		"data":    map[string]any{"type": "object"},
	},
})

type readFileTool struct {
	exec executor.Executor
}

func (t *readFileTool) Name() string { return "read_file" }

func (t *readFileTool) Description() string {
	return "Read a file from the workspace, optionally limited to a 1-based line range."
}

func (t *readFileTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type":     "object",
		"required": []string{"path"},
		"properties": map[string]any{
			"path":      map[string]any{"type": "string", "description": "Path relative to the workspace root"},
			"startLine": map[string]any{"type": "integer", "minimum": 1},
			"endLine":   map[string]any{"type": "integer", "minimum": 1},
		},
		"additionalProperties": false,
	})
}

func (t *readFileTool) ResultSchema() json.RawMessage { return executorResultSchema }

func (t *readFileTool) Execute(ctx context.Context, args json.RawMessage) executor.Result {
	var req executor.ReadFileRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return executor.Failure("invalid arguments: %v", err)
	}
	return t.exec.ReadFile(ctx, req)
}

type editFileTool struct {
	exec executor.Executor
}

func (t *editFileTool) Name() string { return "edit_file" }

func (t *editFileTool) Description() string {
	return "Create a file or replace its entire contents."
}

func (t *editFileTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type":     "object",
		"required": []string{"path", "content"},
		"properties": map[string]any{
			"path":    map[string]any{"type": "string"},
			"content": map[string]any{"type": "string"},
		},
		"additionalProperties": false,
	})
}

func (t *editFileTool) ResultSchema() json.RawMessage { return executorResultSchema }

func (t *editFileTool) Execute(ctx context.Context, args json.RawMessage) executor.Result {
	var req executor.WriteFileRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return executor.Failure("invalid arguments: %v", err)
	}
	return t.exec.WriteFile(ctx, req)
}

type searchReplaceTool struct {
	exec executor.Executor
}

func (t *searchReplaceTool) Name() string { return "search_replace" }

func (t *searchReplaceTool) Description() string {
	return "Replace exactly one occurrence of a string in a file. Fails when the string is absent or ambiguous."
}

func (t *searchReplaceTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type":     "object",
		"required": []string{"path", "oldString", "newString"},
		"properties": map[string]any{
			"path":      map[string]any{"type": "string"},
			"oldString": map[string]any{"type": "string", "minLength": 1},
			"newString": map[string]any{"type": "string"},
		},
		"additionalProperties": false,
	})
}

func (t *searchReplaceTool) ResultSchema() json.RawMessage { return executorResultSchema }

func (t *searchReplaceTool) Execute(ctx context.Context, args json.RawMessage) executor.Result {
	var req executor.SearchReplaceRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return executor.Failure("invalid arguments: %v", err)
	}
	return t.exec.SearchReplace(ctx, req)
}

type listDirTool struct {
	exec executor.Executor
}

func (t *listDirTool) Name() string { return "list_dir" }

func (t *listDirTool) Description() string {
	return "List the entries of a workspace directory."
}

func (t *listDirTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string"},
		},
		"additionalProperties": false,
	})
}

func (t *listDirTool) ResultSchema() json.RawMessage { return executorResultSchema }

func (t *listDirTool) Execute(ctx context.Context, args json.RawMessage) executor.Result {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return executor.Failure("invalid arguments: %v", err)
	}
	return t.exec.ListDirectory(ctx, req.Path)
}

type deleteFileTool struct {
	exec executor.Executor
}

func (t *deleteFileTool) Name() string { return "delete_file" }

func (t *deleteFileTool) Description() string {
	return "Delete a single file from the workspace. Directories are refused."
}

func (t *deleteFileTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type":     "object",
		"required": []string{"path"},
		"properties": map[string]any{
			"path": map[string]any{"type": "string"},
		},
		"additionalProperties": false,
	})
}

func (t *deleteFileTool) ResultSchema() json.RawMessage { return executorResultSchema }

func (t *deleteFileTool) Execute(ctx context.Context, args json.RawMessage) executor.Result {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return executor.Failure("invalid arguments: %v", err)
	}
	return t.exec.DeleteFile(ctx, req.Path)
}
