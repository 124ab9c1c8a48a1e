// Package pr opens and maintains the draft pull request that tracks a task's
// working branch. Everything here is best-effort: a PR failure is logged by
// the caller and never fails the parent stream.
package pr

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shadowrealm-ai/shadow/internal/github"
	"github.com/shadowrealm-ai/shadow/internal/gitops"
	"github.com/shadowrealm-ai/shadow/internal/store"
	"github.com/shadowrealm-ai/shadow/pkg/models"
)

// GitState is the read-only view of a task workspace the PR worker needs.
// Both the local git worker and the sidecar-backed remote worker satisfy it.
type GitState interface {
	HasChanges(ctx context.Context) (bool, error)
	Diff(ctx context.Context, base string) (string, error)
	RecentSubjects(ctx context.Context, limit int) ([]string, error)
	CurrentCommit(ctx context.Context) (string, error)
}

// Generated is model-produced PR copy.
type Generated struct {
	Title       string
	Description string
}

// Generator produces PR copy from the branch diff and recent commit
// subjects. When updating an existing PR only the description is used.
type Generator func(ctx context.Context, diff string, commits []string) (Generated, error)

// Worker drives pull request creation and updates for tasks.
type Worker struct {
	store    store.Store
	client   github.Client
	generate Generator
	logger   *slog.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// NewWorker creates a PR worker.
func NewWorker(s store.Store, client github.Client, generate Generator, opts ...Option) *Worker {
	w := &Worker{
		store:    s,
		client:   client,
		generate: generate,
		logger:   slog.Default().With("component", "pr"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// CreateOrUpdate opens a draft PR for the task's working branch, or refreshes
// the existing one. messageID binds the resulting snapshot to the assistant
// turn that caused it. A dirty workspace skips the whole operation: commits
// must land before the PR moves.
func (w *Worker) CreateOrUpdate(ctx context.Context, task *models.Task, git GitState, messageID string) error {
	dirty, err := git.HasChanges(ctx)
	if err != nil {
		return fmt.Errorf("check workspace state: %w", err)
	}
	if dirty {
		w.logger.Info("skipping PR, workspace has uncommitted changes", "task_id", task.ID)
		return nil
	}

	owner, repo, err := github.SplitRepoFullName(task.RepoFullName)
	if err != nil {
		return err
	}
	diff, err := git.Diff(ctx, task.BaseBranch)
	if err != nil {
		return fmt.Errorf("diff against %s: %w", task.BaseBranch, err)
	}
	commits, err := git.RecentSubjects(ctx, 5)
	if err != nil {
		w.logger.Warn("failed to read recent commits", "task_id", task.ID, "error", err)
	}
	commitSHA, err := git.CurrentCommit(ctx)
	if err != nil {
		return fmt.Errorf("resolve HEAD: %w", err)
	}

	if task.PullRequestNumber == 0 {
		return w.create(ctx, task, owner, repo, diff, commits, commitSHA, messageID)
	}
	return w.update(ctx, task, owner, repo, diff, commits, commitSHA, messageID)
}

func (w *Worker) create(ctx context.Context, task *models.Task, owner, repo, diff string, commits []string, commitSHA, messageID string) error {
	copyText := w.generateCopy(ctx, task, diff, commits)

	created, err := w.client.CreatePullRequest(ctx, owner, repo, github.CreatePROptions{
		Title:       copyText.Title,
		Description: copyText.Description,
		HeadBranch:  task.ShadowBranch,
		BaseBranch:  task.BaseBranch,
		Draft:       true,
	})
	if err != nil {
		return fmt.Errorf("create draft PR: %w", err)
	}

	task.PullRequestNumber = created.Number
	if err := w.store.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("persist PR number: %w", err)
	}
	w.logger.Info("opened draft PR", "task_id", task.ID, "pr", created.Number)

	return w.snapshot(ctx, task, messageID, models.SnapshotCreated, created, commitSHA)
}

func (w *Worker) update(ctx context.Context, task *models.Task, owner, repo, diff string, commits []string, commitSHA, messageID string) error {
	copyText := w.generateCopy(ctx, task, diff, commits)

	updated, err := w.client.UpdatePullRequest(ctx, owner, repo, task.PullRequestNumber, "", copyText.Description)
	if err != nil {
		return fmt.Errorf("update PR #%d: %w", task.PullRequestNumber, err)
	}

	// Re-read for up-to-date change stats; the edit response can lag.
	if fresh, err := w.client.GetPullRequest(ctx, owner, repo, task.PullRequestNumber); err == nil {
		updated = fresh
	}
	w.logger.Info("updated draft PR", "task_id", task.ID, "pr", task.PullRequestNumber)

	return w.snapshot(ctx, task, messageID, models.SnapshotUpdated, updated, commitSHA)
}

func (w *Worker) generateCopy(ctx context.Context, task *models.Task, diff string, commits []string) Generated {
	fallback := Generated{
		Title:       gitops.SanitizeSubject(task.Title),
		Description: "Automated changes for task: " + task.Title,
	}
	if w.generate == nil {
		return fallback
	}
	generated, err := w.generate(ctx, diff, commits)
	if err != nil {
		w.logger.Warn("PR copy generation failed, using fallback", "task_id", task.ID, "error", err)
		return fallback
	}
	generated.Title = gitops.SanitizeSubject(generated.Title)
	if generated.Description == "" {
		generated.Description = fallback.Description
	}
	return generated
}

func (w *Worker) snapshot(ctx context.Context, task *models.Task, messageID string, status models.SnapshotStatus, pullRequest *github.PullRequest, commitSHA string) error {
	snap := &models.PRSnapshot{
		TaskID:       task.ID,
		MessageID:    messageID,
		Status:       status,
		Title:        pullRequest.Title,
		Description:  pullRequest.Description,
		FilesChanged: pullRequest.FilesChanged,
		LinesAdded:   pullRequest.Additions,
		LinesRemoved: pullRequest.Deletions,
		CommitSHA:    commitSHA,
	}
	if err := w.store.CreateSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("persist PR snapshot: %w", err)
	}
	return nil
}
