package tools

import (
	"github.com/shadowrealm-ai/shadow/internal/executor"
	"github.com/shadowrealm-ai/shadow/internal/store"
)

// ToolsetOptions assembles the per-stream tool registry.
type ToolsetOptions struct {
	Executor executor.Executor
	Store    store.Store
	TaskID   string

	// EmitTodos pushes todo-update events, may be nil.
	EmitTodos TodoEmitter
}

// NewToolset builds the standard registry for one task stream.
func NewToolset(opts ToolsetOptions) *Registry {
	r := NewRegistry()
	r.MustRegister(&readFileTool{exec: opts.Executor})
	r.MustRegister(&editFileTool{exec: opts.Executor})
	r.MustRegister(&searchReplaceTool{exec: opts.Executor})
	r.MustRegister(&listDirTool{exec: opts.Executor})
	r.MustRegister(&deleteFileTool{exec: opts.Executor})
	r.MustRegister(&grepSearchTool{exec: opts.Executor})
	r.MustRegister(&fileSearchTool{exec: opts.Executor})
	r.MustRegister(&webSearchTool{exec: opts.Executor})
	r.MustRegister(&semanticSearchTool{exec: opts.Executor})
	r.MustRegister(&runTerminalTool{exec: opts.Executor})
	r.MustRegister(&todoWriteTool{store: opts.Store, taskID: opts.TaskID, emit: opts.EmitTodos})
	return r
}
