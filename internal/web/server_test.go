package web

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shadowrealm-ai/shadow/internal/agent"
	"github.com/shadowrealm-ai/shadow/internal/store"
	"github.com/shadowrealm-ai/shadow/pkg/models"
)

// fakeKernel records calls instead of streaming.
type fakeKernel struct {
	mu        sync.Mutex
	processed []agent.ProcessParams
	stopped   []string
	edited    []string
	archived  int
	cleaned   []string
	stacked   *models.Task
}

func (k *fakeKernel) ProcessUserMessage(ctx context.Context, params agent.ProcessParams) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.processed = append(k.processed, params)
	return nil
}

func (k *fakeKernel) StopStream(taskID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.stopped = append(k.stopped, taskID)
}

func (k *fakeKernel) EditUserMessage(ctx context.Context, taskID, messageID, newText, newModel, workspacePath string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.edited = append(k.edited, messageID)
	return nil
}

func (k *fakeKernel) CreateStackedPR(ctx context.Context, params agent.StackedParams) (*models.Task, error) {
	return k.stacked, nil
}

func (k *fakeKernel) ArchiveTasksForPR(ctx context.Context, repoFullName string, prNumber int) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.archived++
	return 2, nil
}

func (k *fakeKernel) CleanupTask(taskID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.cleaned = append(k.cleaned, taskID)
}

func (k *fakeKernel) processedCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.processed)
}

func newTestServer(t *testing.T) (*Server, *store.MemoryStore, *fakeKernel) {
	t.Helper()
	mem := store.NewMemoryStore()
	kernel := &fakeKernel{}
	srv, err := NewServer(&Config{
		Store:         mem,
		Kernel:        kernel,
		WebhookSecret: "hook-secret",
		DefaultModel:  "claude-sonnet-4",
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv, mem, kernel
}

func seedTask(t *testing.T, mem *store.MemoryStore) *models.Task {
	t.Helper()
	task := &models.Task{
		UserID:       "u1",
		Title:        "Fix widget",
		RepoFullName: "acme/widgets",
		BaseBranch:   "main",
		ShadowBranch: "shadow/fix-widget-abc123",
		MainModel:    "claude-sonnet-4",
		Status:       models.TaskCompleted,
	}
	if err := mem.CreateTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	return task
}

func doJSON(t *testing.T, srv http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestCreateTask(t *testing.T) {
	srv, mem, kernel := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/tasks", map[string]any{
		"userId":       "u1",
		"repoFullName": "acme/widgets",
		"message":      "Fix the flaky test in parser",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	var task models.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(task.ShadowBranch, "shadow/") {
		t.Errorf("shadow branch = %q", task.ShadowBranch)
	}
	if task.BaseBranch != "main" {
		t.Errorf("base branch = %q, want default main", task.BaseBranch)
	}
	if task.MainModel != "claude-sonnet-4" {
		t.Errorf("model = %q, want server default", task.MainModel)
	}
	if _, err := mem.GetTask(context.Background(), task.ID); err != nil {
		t.Errorf("task not persisted: %v", err)
	}

	// First turn is kicked off asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for kernel.processedCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if kernel.processedCount() != 1 {
		t.Fatal("initial turn never reached the kernel")
	}
}

func TestCreateTaskValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/tasks", map[string]any{
		"userId": "u1",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/tasks/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestPostMessageAccepted(t *testing.T) {
	srv, mem, kernel := newTestServer(t)
	task := seedTask(t, mem)

	rec := doJSON(t, srv, http.MethodPost, "/api/tasks/"+task.ID+"/messages", map[string]any{
		"message": "also update the docs",
		"queue":   true,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	deadline := time.Now().Add(2 * time.Second)
	for kernel.processedCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	kernel.mu.Lock()
	defer kernel.mu.Unlock()
	if len(kernel.processed) != 1 || !kernel.processed[0].Queue {
		t.Fatalf("processed = %+v, want queued turn", kernel.processed)
	}
}

func TestPostMessageRequiresBody(t *testing.T) {
	srv, mem, _ := newTestServer(t)
	task := seedTask(t, mem)

	rec := doJSON(t, srv, http.MethodPost, "/api/tasks/"+task.ID+"/messages", map[string]any{
		"message": "   ",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestStopTask(t *testing.T) {
	srv, mem, kernel := newTestServer(t)
	task := seedTask(t, mem)

	rec := doJSON(t, srv, http.MethodPost, "/api/tasks/"+task.ID+"/stop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(kernel.stopped) != 1 || kernel.stopped[0] != task.ID {
		t.Errorf("stopped = %v", kernel.stopped)
	}
}

func TestArchiveTask(t *testing.T) {
	srv, mem, kernel := newTestServer(t)
	task := seedTask(t, mem)

	rec := doJSON(t, srv, http.MethodDelete, "/api/tasks/"+task.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	got, _ := mem.GetTask(context.Background(), task.ID)
	if got.Status != models.TaskArchived {
		t.Errorf("status = %s, want ARCHIVED", got.Status)
	}
	if len(kernel.cleaned) != 1 {
		t.Errorf("cleaned = %v", kernel.cleaned)
	}
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookArchivesClosedPR(t *testing.T) {
	srv, _, kernel := newTestServer(t)

	payload := []byte(`{"action":"closed","number":7,"repository":{"full_name":"acme/widgets"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(payload))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", sign("hook-secret", payload))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp struct {
		Archived int `json:"archived"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Archived != 2 {
		t.Errorf("archived = %d", resp.Archived)
	}
	if kernel.archived != 1 {
		t.Errorf("kernel archive calls = %d", kernel.archived)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	srv, _, kernel := newTestServer(t)

	payload := []byte(`{"action":"closed","number":7,"repository":{"full_name":"acme/widgets"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(payload))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", sign("wrong-secret", payload))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if kernel.archived != 0 {
		t.Error("rejected delivery had side-effects")
	}
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	srv, _, kernel := newTestServer(t)

	payload := []byte(`{"action":"opened"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(payload))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", sign("hook-secret", payload))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ignored") {
		t.Errorf("body = %s", rec.Body)
	}
	if kernel.archived != 0 {
		t.Error("push event had side-effects")
	}
}

func TestWebhookMalformedPayload(t *testing.T) {
	srv, _, _ := newTestServer(t)

	payload := []byte(`{not json`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(payload))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", sign("hook-secret", payload))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestListMessagesAndTodos(t *testing.T) {
	srv, mem, _ := newTestServer(t)
	task := seedTask(t, mem)

	msg := &models.Message{TaskID: task.ID, Role: models.RoleUser, Content: "hello"}
	if err := mem.AppendMessage(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if err := mem.ReplaceTodos(context.Background(), task.ID, []models.Todo{
		{ID: "t1", Content: "write tests", Status: models.TodoPending, Sequence: 1},
	}); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, srv, http.MethodGet, "/api/tasks/"+task.ID+"/messages", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "hello") {
		t.Errorf("messages: status = %d, body = %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/tasks/"+task.ID+"/todos", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "write tests") {
		t.Errorf("todos: status = %d, body = %s", rec.Code, rec.Body)
	}
}
