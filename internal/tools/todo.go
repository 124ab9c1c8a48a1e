package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/shadowrealm-ai/shadow/internal/executor"
	"github.com/shadowrealm-ai/shadow/internal/store"
	"github.com/shadowrealm-ai/shadow/pkg/models"
)

// TodoEmitter pushes the new todo list to connected clients after a write.
type TodoEmitter func(todos []models.Todo)

type todoWriteTool struct {
	store  store.Store
	taskID string
	emit   TodoEmitter
}

func (t *todoWriteTool) Name() string { return "todo_write" }

func (t *todoWriteTool) Description() string {
	return "Replace or merge the task's todo list. Use merge=true to update the status of existing items by id."
}

func (t *todoWriteTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type":     "object",
		"required": []string{"todos"},
		"properties": map[string]any{
			"merge": map[string]any{"type": "boolean"},
			"todos": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":     "object",
					"required": []string{"content", "status"},
					"properties": map[string]any{
						"id":      map[string]any{"type": "string"},
						"content": map[string]any{"type": "string", "minLength": 1},
						"status": map[string]any{
							"type": "string",
							"enum": []string{"pending", "in_progress", "completed", "cancelled"},
						},
					},
					"additionalProperties": false,
				},
			},
		},
		"additionalProperties": false,
	})
}

func (t *todoWriteTool) ResultSchema() json.RawMessage { return executorResultSchema }

func (t *todoWriteTool) Execute(ctx context.Context, args json.RawMessage) executor.Result {
	var req struct {
		Merge bool `json:"merge"`
		Todos []struct {
			ID      string `json:"id"`
			Content string `json:"content"`
			Status  string `json:"status"`
		} `json:"todos"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return executor.Failure("invalid arguments: %v", err)
	}

	incoming := make([]models.Todo, len(req.Todos))
	for i, todo := range req.Todos {
		id := todo.ID
		if id == "" {
			id = uuid.NewString()
		}
		incoming[i] = models.Todo{
			ID:      id,
			TaskID:  t.taskID,
			Content: todo.Content,
			Status:  models.TodoStatus(todo.Status),
		}
	}

	final := incoming
	if req.Merge {
		existing, err := t.store.GetTodos(ctx, t.taskID)
		if err != nil {
			return executor.Failure("load todos: %v", err)
		}
		final = mergeTodos(existing, incoming)
	}
	for i := range final {
		final[i].Sequence = i + 1
	}

	if err := t.store.ReplaceTodos(ctx, t.taskID, final); err != nil {
		return executor.Failure("persist todos: %v", err)
	}
	if t.emit != nil {
		t.emit(final)
	}

	counts := map[string]int{}
	for _, todo := range final {
		counts[string(todo.Status)]++
	}
	return executor.Success(fmt.Sprintf("%d todos", len(final)), map[string]any{
		"total":  len(final),
		"counts": counts,
	})
}

// mergeTodos overlays incoming items onto the existing list by id; unmatched
// incoming items append in order.
func mergeTodos(existing []models.Todo, incoming []models.Todo) []models.Todo {
	byID := make(map[string]int, len(existing))
	merged := make([]models.Todo, len(existing))
	copy(merged, existing)
	for i, todo := range merged {
		byID[todo.ID] = i
	}
	for _, todo := range incoming {
		if i, ok := byID[todo.ID]; ok {
			merged[i].Content = todo.Content
			merged[i].Status = todo.Status
		} else {
			merged = append(merged, todo)
		}
	}
	return merged
}
