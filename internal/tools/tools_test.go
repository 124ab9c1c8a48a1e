package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/shadowrealm-ai/shadow/internal/executor"
	"github.com/shadowrealm-ai/shadow/internal/store"
	"github.com/shadowrealm-ai/shadow/pkg/models"
)

func newTestRegistry(t *testing.T) (*Registry, *store.MemoryStore, string) {
	t.Helper()
	s := store.NewMemoryStore()
	task := &models.Task{
		UserID:       "user-1",
		BaseBranch:   "main",
		ShadowBranch: "shadow/x-1",
	}
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	exec := executor.NewLocalExecutor(t.TempDir())
	r := NewToolset(ToolsetOptions{Executor: exec, Store: s, TaskID: task.ID})
	return r, s, task.ID
}

func TestToolsetRegistersExpectedNames(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	want := []string{
		"delete_file", "edit_file", "file_search", "grep_search", "list_dir",
		"read_file", "run_terminal_cmd", "search_replace", "semantic_search",
		"todo_write", "web_search",
	}
	got := r.Names()
	if len(got) != len(want) {
		t.Fatalf("names = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if len(r.Defs()) != len(want) {
		t.Error("Defs() disagrees with Names()")
	}
}

func TestValidateArgs(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	if err := r.ValidateArgs("read_file", json.RawMessage(`{"path":"main.go"}`)); err != nil {
		t.Errorf("valid args rejected: %v", err)
	}
	if err := r.ValidateArgs("read_file", json.RawMessage(`{"startLine":1}`)); err == nil {
		t.Error("missing required path accepted")
	}
	if err := r.ValidateArgs("read_file", json.RawMessage(`{"path":"x","bogus":true}`)); err == nil {
		t.Error("unknown property accepted")
	}
	if err := r.ValidateArgs("search_replace", json.RawMessage(`{"path":"x","oldString":"","newString":"y"}`)); err == nil {
		t.Error("empty oldString accepted")
	}
}

func TestMCPNaming(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	if !r.Known("linear:create_issue") {
		t.Error("MCP-shaped name should be known")
	}
	if r.Known("definitely_not_a_tool") {
		t.Error("unknown native name should not be known")
	}

	server, tool, ok := SplitMCPName("linear:create_issue")
	if !ok || server != "linear" || tool != "create_issue" {
		t.Errorf("split = %q %q %v", server, tool, ok)
	}
	for _, bad := range []string{"plain", ":tool", "server:", ""} {
		if IsMCPName(bad) {
			t.Errorf("IsMCPName(%q) = true", bad)
		}
	}
}

func TestValidateResultTrustsMCPWithinCap(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	// Shape that would fail a native schema passes for MCP.
	if err := r.ValidateResult("linear:create_issue", json.RawMessage(`{"issue":"ENG-1"}`)); err != nil {
		t.Errorf("MCP result rejected: %v", err)
	}

	huge := json.RawMessage(`"` + strings.Repeat("a", MaxMCPResultBytes) + `"`)
	if err := r.ValidateResult("linear:create_issue", huge); err == nil {
		t.Error("oversized MCP result accepted")
	}

	if err := r.ValidateResult("read_file", json.RawMessage(`{"message":"no success field"}`)); err == nil {
		t.Error("native result missing success accepted")
	}
	if err := r.ValidateResult("read_file", json.RawMessage(`{"success":true,"message":"ok"}`)); err != nil {
		t.Errorf("valid native result rejected: %v", err)
	}
}

func TestExecuteDispatchesAndReturnsFailureValues(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	result := r.Execute(context.Background(), "read_file", json.RawMessage(`{"path":"missing.go"}`))
	if result.OK {
		t.Error("missing file should produce a failure value")
	}
	result = r.Execute(context.Background(), "edit_file", json.RawMessage(`{"path":"a.txt","content":"hi"}`))
	if !result.OK {
		t.Errorf("edit_file failed: %s", result.Message)
	}
	result = r.Execute(context.Background(), "read_file", json.RawMessage(`{"path":"a.txt"}`))
	if !result.OK || result.Data["content"] != "hi" {
		t.Errorf("read back = %+v", result)
	}
}

func TestTodoWriteReplaceAndMerge(t *testing.T) {
	r, s, taskID := newTestRegistry(t)
	ctx := context.Background()

	var emitted []models.Todo
	// Re-register with an emitter to observe pushes.
	r.MustRegister(&todoWriteTool{store: s, taskID: taskID, emit: func(todos []models.Todo) {
		emitted = todos
	}})

	result := r.Execute(ctx, "todo_write", json.RawMessage(`{
		"todos": [
			{"id":"t1","content":"write handler","status":"in_progress"},
			{"id":"t2","content":"add tests","status":"pending"}
		]
	}`))
	if !result.OK {
		t.Fatalf("todo_write failed: %s", result.Message)
	}
	if len(emitted) != 2 {
		t.Fatalf("emitted %d todos", len(emitted))
	}

	// Merge updates t1 in place and appends t3.
	result = r.Execute(ctx, "todo_write", json.RawMessage(`{
		"merge": true,
		"todos": [
			{"id":"t1","content":"write handler","status":"completed"},
			{"id":"t3","content":"update docs","status":"pending"}
		]
	}`))
	if !result.OK {
		t.Fatalf("merge failed: %s", result.Message)
	}

	todos, err := s.GetTodos(ctx, taskID)
	if err != nil {
		t.Fatal(err)
	}
	if len(todos) != 3 {
		t.Fatalf("todos = %d, want 3", len(todos))
	}
	if todos[0].ID != "t1" || todos[0].Status != models.TodoCompleted {
		t.Errorf("t1 = %+v", todos[0])
	}
	for i, todo := range todos {
		if todo.Sequence != i+1 {
			t.Errorf("sequence[%d] = %d", i, todo.Sequence)
		}
	}
}

func TestRegisterRejectsColonNames(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&badNameTool{})
	if err == nil {
		t.Fatal("native tool with colon in name accepted")
	}
}

type badNameTool struct{}

func (t *badNameTool) Name() string                 { return "bad:name" }
func (t *badNameTool) Description() string          { return "" }
func (t *badNameTool) Schema() json.RawMessage      { return json.RawMessage(`{"type":"object"}`) }
func (t *badNameTool) ResultSchema() json.RawMessage { return nil }
func (t *badNameTool) Execute(ctx context.Context, args json.RawMessage) executor.Result {
	return executor.Result{}
}
