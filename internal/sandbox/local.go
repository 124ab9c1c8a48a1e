package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/shadowrealm-ai/shadow/internal/gitops"
	"github.com/shadowrealm-ai/shadow/pkg/models"
)

// LocalController backs sandboxes with plain directories on this host. Tools
// run in-process against them; there is no sidecar and Address always fails.
type LocalController struct {
	baseDir string
	logger  *slog.Logger
}

// NewLocalController creates a local controller rooted at baseDir.
func NewLocalController(baseDir string, logger *slog.Logger) *LocalController {
	if logger == nil {
		logger = slog.Default().With("component", "sandbox")
	}
	return &LocalController{baseDir: baseDir, logger: logger}
}

func (c *LocalController) workspaceDir(taskID string) string {
	return filepath.Join(c.baseDir, sanitizeName(taskID))
}

func (c *LocalController) Create(ctx context.Context, task *models.Task, gitHubToken string) (*Handle, error) {
	dir := c.workspaceDir(task.ID)
	if _, err := os.Stat(dir); err == nil {
		return &Handle{Name: dir, WorkspacePath: dir}, nil
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, fmt.Errorf("create workspace parent: %w", err)
	}
	if err := gitops.ShallowClone(ctx, task.RepoURL, task.BaseBranch, dir, gitHubToken); err != nil {
		return nil, err
	}
	c.logger.Info("created local workspace", "task_id", task.ID, "dir", dir)
	return &Handle{Name: dir, WorkspacePath: dir}, nil
}

func (c *LocalController) WaitReady(ctx context.Context, task *models.Task, timeout time.Duration) (*Handle, error) {
	dir := c.workspaceDir(task.ID)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("workspace for task %s does not exist", task.ID)
	}
	return &Handle{Name: dir, WorkspacePath: dir}, nil
}

func (c *LocalController) Address(ctx context.Context, task *models.Task) (string, error) {
	return "", fmt.Errorf("local sandboxes have no sidecar address")
}

func (c *LocalController) Status(ctx context.Context, task *models.Task) (Status, error) {
	if _, err := os.Stat(c.workspaceDir(task.ID)); err != nil {
		return StatusNotFound, nil
	}
	return StatusReady, nil
}

func (c *LocalController) Delete(ctx context.Context, task *models.Task) error {
	dir := c.workspaceDir(task.ID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	return nil
}
