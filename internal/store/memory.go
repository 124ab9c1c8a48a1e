package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shadowrealm-ai/shadow/pkg/models"
)

// MemoryStore provides an in-memory Store implementation for testing and
// local runs. All returned values are clones; mutations require Update calls.
type MemoryStore struct {
	mu           sync.RWMutex
	tasks        map[string]*models.Task
	messages     map[string][]*models.Message
	toolMessages map[string]*models.ToolMessage
	todos        map[string][]models.Todo
	snapshots    map[string][]*models.PRSnapshot
	accounts     map[string]*Account
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:        map[string]*models.Task{},
		messages:     map[string][]*models.Message{},
		toolMessages: map[string]*models.ToolMessage{},
		todos:        map[string][]models.Todo{},
		snapshots:    map[string][]*models.PRSnapshot{},
		accounts:     map[string]*Account{},
	}
}

func (m *MemoryStore) CreateTask(ctx context.Context, task *models.Task) error {
	if task == nil {
		return errors.New("task is required")
	}
	if task.ShadowBranch == task.BaseBranch {
		return errors.New("shadow branch must differ from base branch")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneTask(task)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.UpdatedAt = clone.CreatedAt
	task.ID = clone.ID
	task.CreatedAt = clone.CreatedAt
	task.UpdatedAt = clone.UpdatedAt
	m.tasks[clone.ID] = clone
	return nil
}

func (m *MemoryStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(task), nil
}

func (m *MemoryStore) UpdateTask(ctx context.Context, task *models.Task) error {
	if task == nil {
		return errors.New("task is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.tasks[task.ID]
	if !ok {
		return ErrNotFound
	}
	clone := cloneTask(task)
	clone.CreatedAt = existing.CreatedAt
	clone.UpdatedAt = time.Now()
	m.tasks[clone.ID] = clone
	return nil
}

func (m *MemoryStore) DeleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(m.tasks, id)
	delete(m.messages, id)
	delete(m.todos, id)
	delete(m.snapshots, id)
	for cid, tm := range m.toolMessages {
		if tm.TaskID == id {
			delete(m.toolMessages, cid)
		}
	}
	return nil
}

func (m *MemoryStore) ListTasksByPR(ctx context.Context, repoFullName string, prNumber int) ([]*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Task
	for _, task := range m.tasks {
		if task.RepoFullName == repoFullName && task.PullRequestNumber == prNumber {
			out = append(out, cloneTask(task))
		}
	}
	sortTasks(out)
	return out, nil
}

func (m *MemoryStore) ListTasksDueForCleanup(ctx context.Context, now time.Time) ([]*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Task
	for _, task := range m.tasks {
		if task.ScheduledCleanupAt != nil && !task.ScheduledCleanupAt.After(now) {
			out = append(out, cloneTask(task))
		}
	}
	sortTasks(out)
	return out, nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[msg.TaskID]; !ok {
		return ErrNotFound
	}
	clone := cloneMessage(msg)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.Sequence = len(m.messages[msg.TaskID]) + 1
	m.messages[msg.TaskID] = append(m.messages[msg.TaskID], clone)

	msg.ID = clone.ID
	msg.Sequence = clone.Sequence
	msg.CreatedAt = clone.CreatedAt
	return nil
}

func (m *MemoryStore) UpdateMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.messages[msg.TaskID]
	for i, existing := range list {
		if existing.ID == msg.ID {
			clone := cloneMessage(msg)
			clone.Sequence = existing.Sequence
			clone.CreatedAt = existing.CreatedAt
			list[i] = clone
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, list := range m.messages {
		for _, msg := range list {
			if msg.ID == id {
				return cloneMessage(msg), nil
			}
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) History(ctx context.Context, taskID string) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.messages[taskID]
	out := make([]*models.Message, 0, len(list))
	for _, msg := range list {
		out = append(out, cloneMessage(msg))
	}
	return out, nil
}

func (m *MemoryStore) TruncateAfter(ctx context.Context, taskID string, sequence int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.messages[taskID]
	kept := list[:0]
	for _, msg := range list {
		if msg.Sequence <= sequence {
			kept = append(kept, msg)
		}
	}
	m.messages[taskID] = kept
	return nil
}

func (m *MemoryStore) CreateToolMessage(ctx context.Context, tm *models.ToolMessage) error {
	if tm == nil {
		return errors.New("tool message is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *tm
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.UpdatedAt = clone.CreatedAt
	m.toolMessages[clone.CallID] = &clone
	tm.ID = clone.ID
	return nil
}

func (m *MemoryStore) UpdateToolMessage(ctx context.Context, tm *models.ToolMessage) error {
	if tm == nil {
		return errors.New("tool message is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.toolMessages[tm.CallID]
	if !ok {
		return ErrNotFound
	}
	clone := *tm
	clone.ID = existing.ID
	clone.CreatedAt = existing.CreatedAt
	clone.UpdatedAt = time.Now()
	m.toolMessages[clone.CallID] = &clone
	return nil
}

func (m *MemoryStore) ReplaceTodos(ctx context.Context, taskID string, todos []models.Todo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Todo, len(todos))
	copy(out, todos)
	for i := range out {
		out[i].TaskID = taskID
		out[i].Sequence = i + 1
		if out[i].ID == "" {
			out[i].ID = uuid.NewString()
		}
	}
	m.todos[taskID] = out
	return nil
}

func (m *MemoryStore) GetTodos(ctx context.Context, taskID string) ([]models.Todo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Todo, len(m.todos[taskID]))
	copy(out, m.todos[taskID])
	return out, nil
}

func (m *MemoryStore) CreateSnapshot(ctx context.Context, snap *models.PRSnapshot) error {
	if snap == nil {
		return errors.New("snapshot is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *snap
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	m.snapshots[clone.TaskID] = append(m.snapshots[clone.TaskID], &clone)
	snap.ID = clone.ID
	return nil
}

func (m *MemoryStore) ListSnapshots(ctx context.Context, taskID string) ([]*models.PRSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.snapshots[taskID]
	out := make([]*models.PRSnapshot, 0, len(list))
	for _, snap := range list {
		clone := *snap
		out = append(out, &clone)
	}
	return out, nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	account, ok := m.accounts[userID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *account
	return &clone, nil
}

func (m *MemoryStore) SaveAccount(ctx context.Context, account *Account) error {
	if account == nil {
		return errors.New("account is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *account
	clone.UpdatedAt = time.Now()
	m.accounts[clone.UserID] = &clone
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func cloneTask(task *models.Task) *models.Task {
	clone := *task
	if task.ScheduledCleanupAt != nil {
		t := *task.ScheduledCleanupAt
		clone.ScheduledCleanupAt = &t
	}
	return &clone
}

func cloneMessage(msg *models.Message) *models.Message {
	clone := *msg
	if msg.EditedAt != nil {
		t := *msg.EditedAt
		clone.EditedAt = &t
	}
	if msg.Metadata.Parts != nil {
		clone.Metadata.Parts = make([]models.Part, len(msg.Metadata.Parts))
		copy(clone.Metadata.Parts, msg.Metadata.Parts)
	}
	return &clone
}

func sortTasks(tasks []*models.Task) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
}
