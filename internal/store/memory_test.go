package store

import (
	"context"
	"testing"
	"time"

	"github.com/shadowrealm-ai/shadow/pkg/models"
)

func newTestTask(t *testing.T, s Store) *models.Task {
	t.Helper()
	task := &models.Task{
		UserID:       "user-1",
		RepoFullName: "o/r",
		RepoURL:      "https://github.com/o/r.git",
		BaseBranch:   "main",
		ShadowBranch: "shadow/foo-abc123",
		MainModel:    "claude-sonnet-4-20250514",
		Status:       models.TaskInitializing,
		InitStatus:   models.InitInactive,
	}
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

func TestCreateTaskRejectsMatchingBranches(t *testing.T) {
	s := NewMemoryStore()
	err := s.CreateTask(context.Background(), &models.Task{
		BaseBranch:   "main",
		ShadowBranch: "main",
	})
	if err == nil {
		t.Fatal("expected error when shadow branch equals base branch")
	}
}

func TestAppendMessageAllocatesDenseSequences(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	task := newTestTask(t, s)

	for i := 0; i < 3; i++ {
		msg := &models.Message{TaskID: task.ID, Role: models.RoleUser, Content: "hi"}
		if err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		if msg.Sequence != i+1 {
			t.Fatalf("sequence = %d, want %d", msg.Sequence, i+1)
		}
	}

	history, err := s.History(ctx, task.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	for i, msg := range history {
		if msg.Sequence != i+1 {
			t.Errorf("history[%d].Sequence = %d, want %d", i, msg.Sequence, i+1)
		}
	}
}

func TestTruncateAfterKeepsDensePrefix(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	task := newTestTask(t, s)

	for i := 0; i < 5; i++ {
		if err := s.AppendMessage(ctx, &models.Message{TaskID: task.ID, Role: models.RoleUser}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.TruncateAfter(ctx, task.ID, 2); err != nil {
		t.Fatalf("TruncateAfter: %v", err)
	}

	history, _ := s.History(ctx, task.ID)
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}

	// The next append continues the dense run.
	msg := &models.Message{TaskID: task.ID, Role: models.RoleUser}
	if err := s.AppendMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if msg.Sequence != 3 {
		t.Fatalf("sequence after truncate = %d, want 3", msg.Sequence)
	}
}

func TestListTasksDueForCleanup(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	due := newTestTask(t, s)
	past := now.Add(-time.Minute)
	due.ScheduledCleanupAt = &past
	if err := s.UpdateTask(ctx, due); err != nil {
		t.Fatal(err)
	}

	notDue := newTestTask(t, s)
	future := now.Add(time.Hour)
	notDue.ScheduledCleanupAt = &future
	if err := s.UpdateTask(ctx, notDue); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListTasksDueForCleanup(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != due.ID {
		t.Fatalf("due tasks = %v, want just %s", got, due.ID)
	}
}

func TestListTasksByPR(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	task := newTestTask(t, s)
	task.PullRequestNumber = 42
	if err := s.UpdateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	newTestTask(t, s) // no PR

	got, err := s.ListTasksByPR(ctx, "o/r", 42)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != task.ID {
		t.Fatalf("tasks by PR = %v, want just %s", got, task.ID)
	}
}

func TestToolMessageLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	task := newTestTask(t, s)

	tm := &models.ToolMessage{
		TaskID:   task.ID,
		CallID:   "call_1",
		ToolName: "read_file",
		Content:  "running",
		Status:   models.ToolRunning,
	}
	if err := s.CreateToolMessage(ctx, tm); err != nil {
		t.Fatal(err)
	}

	tm.Content = `{"success":true}`
	tm.Status = models.ToolCompleted
	if err := s.UpdateToolMessage(ctx, tm); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateToolMessage(ctx, &models.ToolMessage{CallID: "missing"}); err == nil {
		t.Fatal("expected not found for unknown call id")
	}
}

func TestTaskCascadeDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	task := newTestTask(t, s)

	if err := s.AppendMessage(ctx, &models.Message{TaskID: task.ID, Role: models.RoleUser}); err != nil {
		t.Fatal(err)
	}
	if err := s.ReplaceTodos(ctx, task.ID, []models.Todo{{Content: "x", Status: models.TodoPending}}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}

	history, _ := s.History(ctx, task.ID)
	if len(history) != 0 {
		t.Error("messages survived task deletion")
	}
	todos, _ := s.GetTodos(ctx, task.ID)
	if len(todos) != 0 {
		t.Error("todos survived task deletion")
	}
}
