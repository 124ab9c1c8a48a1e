package tools

import (
	"context"
	"encoding/json"

	"github.com/shadowrealm-ai/shadow/internal/executor"
)

type grepSearchTool struct {
	exec executor.Executor
}

func (t *grepSearchTool) Name() string { return "grep_search" }

func (t *grepSearchTool) Description() string {
	return "Search file contents with a regular expression, optionally filtered by a filename glob."
}

func (t *grepSearchTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type":     "object",
		"required": []string{"pattern"},
		"properties": map[string]any{
			"pattern":    map[string]any{"type": "string", "minLength": 1},
			"path":       map[string]any{"type": "string"},
			"include":    map[string]any{"type": "string"},
			"ignoreCase": map[string]any{"type": "boolean"},
			"filesOnly":  map[string]any{"type": "boolean"},
		},
		"additionalProperties": false,
	})
}

func (t *grepSearchTool) ResultSchema() json.RawMessage { return executorResultSchema }

func (t *grepSearchTool) Execute(ctx context.Context, args json.RawMessage) executor.Result {
	var req executor.GrepRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return executor.Failure("invalid arguments: %v", err)
	}
	return t.exec.Grep(ctx, req)
}

type fileSearchTool struct {
	exec executor.Executor
}

func (t *fileSearchTool) Name() string { return "file_search" }

func (t *fileSearchTool) Description() string {
	return "Fuzzy-search workspace file paths by name fragment."
}

func (t *fileSearchTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type":     "object",
		"required": []string{"query"},
		"properties": map[string]any{
			"query": map[string]any{"type": "string", "minLength": 1},
		},
		"additionalProperties": false,
	})
}

func (t *fileSearchTool) ResultSchema() json.RawMessage { return executorResultSchema }

func (t *fileSearchTool) Execute(ctx context.Context, args json.RawMessage) executor.Result {
	var req struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return executor.Failure("invalid arguments: %v", err)
	}
	return t.exec.SearchFiles(ctx, req.Query)
}

type webSearchTool struct {
	exec executor.Executor
}

func (t *webSearchTool) Name() string { return "web_search" }

func (t *webSearchTool) Description() string {
	return "Search the web for documentation or references."
}

func (t *webSearchTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type":     "object",
		"required": []string{"query"},
		"properties": map[string]any{
			"query": map[string]any{"type": "string", "minLength": 1},
		},
		"additionalProperties": false,
	})
}

func (t *webSearchTool) ResultSchema() json.RawMessage { return executorResultSchema }

func (t *webSearchTool) Execute(ctx context.Context, args json.RawMessage) executor.Result {
	var req struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return executor.Failure("invalid arguments: %v", err)
	}
	return t.exec.WebSearch(ctx, req.Query)
}

type semanticSearchTool struct {
	exec executor.Executor
}

func (t *semanticSearchTool) Name() string { return "semantic_search" }

func (t *semanticSearchTool) Description() string {
	return "Search the repository by meaning. Available once the repo index is ready."
}

func (t *semanticSearchTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type":     "object",
		"required": []string{"query"},
		"properties": map[string]any{
			"query": map[string]any{"type": "string", "minLength": 1},
		},
		"additionalProperties": false,
	})
}

func (t *semanticSearchTool) ResultSchema() json.RawMessage { return executorResultSchema }

func (t *semanticSearchTool) Execute(ctx context.Context, args json.RawMessage) executor.Result {
	var req struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return executor.Failure("invalid arguments: %v", err)
	}
	return t.exec.SemanticSearch(ctx, req.Query)
}
