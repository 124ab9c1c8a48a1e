// Package store persists tasks, transcript messages, todos, PR snapshots,
// and GitHub account tokens. Two implementations are provided: an in-memory
// store for tests and local runs, and a Postgres store for production.
//
// Sequence allocation for messages is read-modify-write (max+1); the kernel
// guarantees a single writer per task, so no two appends race on the same
// task's sequence.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shadowrealm-ai/shadow/pkg/models"
)

// ErrNotFound is returned when a task or message does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the interface for task and transcript persistence.
type Store interface {
	// Task CRUD.
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task) error
	DeleteTask(ctx context.Context, id string) error
	ListTasksByPR(ctx context.Context, repoFullName string, prNumber int) ([]*models.Task, error)
	ListTasksDueForCleanup(ctx context.Context, now time.Time) ([]*models.Task, error)

	// Message log. AppendMessage allocates the next dense sequence for the
	// task and reflects it back on msg.
	AppendMessage(ctx context.Context, msg *models.Message) error
	UpdateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	History(ctx context.Context, taskID string) ([]*models.Message, error)
	TruncateAfter(ctx context.Context, taskID string, sequence int) error

	// Tool message mirror rows.
	CreateToolMessage(ctx context.Context, tm *models.ToolMessage) error
	UpdateToolMessage(ctx context.Context, tm *models.ToolMessage) error

	// Todos are replaced wholesale per task.
	ReplaceTodos(ctx context.Context, taskID string, todos []models.Todo) error
	GetTodos(ctx context.Context, taskID string) ([]models.Todo, error)

	// PR snapshots.
	CreateSnapshot(ctx context.Context, snap *models.PRSnapshot) error
	ListSnapshots(ctx context.Context, taskID string) ([]*models.PRSnapshot, error)

	// Account tokens for GitHub access.
	GetAccount(ctx context.Context, userID string) (*Account, error)
	SaveAccount(ctx context.Context, account *Account) error

	Close() error
}

// Account holds a user's GitHub OAuth tokens with expiry bookkeeping.
type Account struct {
	UserID         string    `json:"user_id"`
	GitHubLogin    string    `json:"github_login"`
	AccessToken    string    `json:"access_token"`
	RefreshToken   string    `json:"refresh_token"`
	TokenExpiresAt time.Time `json:"token_expires_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
