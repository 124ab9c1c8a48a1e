// Package gitops drives git operations in a task workspace: working-branch
// creation, change detection, commits with the automation author identity,
// and pushes whose failures never propagate into the stream.
package gitops

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

const (
	// AutomationName and AutomationEmail form the commit author. The human
	// task owner rides along as co-author.
	AutomationName  = "Shadow"
	AutomationEmail = "noreply@shadowrealm.ai"

	fallbackCommitMessage = "Apply agent changes"
	maxCommitSubject      = 50
)

// Runner executes one git invocation in a directory and returns stdout.
// Injected in tests.
type Runner func(ctx context.Context, dir string, args ...string) (string, error)

func execRunner(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], msg)
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}

// MessageGenerator produces a commit subject from a diff, typically via a
// cost-optimized model. A nil generator or a failing call falls back to a
// static subject.
type MessageGenerator func(ctx context.Context, diff string) (string, error)

// Worker operates on one task workspace.
type Worker struct {
	workspace string
	run       Runner
	generate  MessageGenerator
	logger    *slog.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithRunner replaces the git runner.
func WithRunner(run Runner) Option {
	return func(w *Worker) { w.run = run }
}

// WithMessageGenerator installs the LLM-backed commit subject generator.
func WithMessageGenerator(generate MessageGenerator) Option {
	return func(w *Worker) { w.generate = generate }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// NewWorker creates a git worker rooted at workspace.
func NewWorker(workspace string, opts ...Option) *Worker {
	w := &Worker{
		workspace: workspace,
		run:       execRunner,
		logger:    slog.Default().With("component", "gitops"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// CreateWorkingBranch checks out base, records its HEAD, then creates and
// publishes the working branch. A failed publish is logged and ignored; the
// branch remains usable locally.
func (w *Worker) CreateWorkingBranch(ctx context.Context, base, branch string) (string, error) {
	if base == branch {
		return "", fmt.Errorf("working branch %q must differ from base branch", branch)
	}
	if _, err := w.run(ctx, w.workspace, "checkout", base); err != nil {
		return "", fmt.Errorf("checkout base: %w", err)
	}
	baseCommit, err := w.run(ctx, w.workspace, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve base commit: %w", err)
	}
	if _, err := w.run(ctx, w.workspace, "checkout", "-b", branch); err != nil {
		return "", fmt.Errorf("create branch: %w", err)
	}
	if _, err := w.run(ctx, w.workspace, "push", "-u", "origin", branch); err != nil {
		w.logger.Warn("failed to publish working branch, continuing locally",
			"branch", branch, "error", err)
	}
	return baseCommit, nil
}

// HasChanges reports whether the workspace is dirty. Porcelain status counts
// untracked files as changes.
func (w *Worker) HasChanges(ctx context.Context) (bool, error) {
	out, err := w.run(ctx, w.workspace, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// CommitContext identifies the human co-author of an agent commit.
type CommitContext struct {
	UserName  string
	UserEmail string
}

// Commit stages everything and commits as the automation identity with the
// task owner as co-author. The subject comes from the message generator when
// one is configured.
func (w *Worker) Commit(ctx context.Context, commitCtx CommitContext) (string, error) {
	if _, err := w.run(ctx, w.workspace, "add", "-A"); err != nil {
		return "", fmt.Errorf("stage changes: %w", err)
	}

	subject := w.commitSubject(ctx)
	args := []string{
		"commit",
		"--author", fmt.Sprintf("%s <%s>", AutomationName, AutomationEmail),
		"-m", subject,
	}
	if commitCtx.UserName != "" && commitCtx.UserEmail != "" {
		args = append(args, "-m",
			fmt.Sprintf("Co-authored-by: %s <%s>", commitCtx.UserName, commitCtx.UserEmail))
	}
	if _, err := w.run(ctx, w.workspace, args...); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return w.CurrentCommit(ctx)
}

func (w *Worker) commitSubject(ctx context.Context) string {
	if w.generate == nil {
		return fallbackCommitMessage
	}
	diff, err := w.run(ctx, w.workspace, "diff", "--cached", "--stat")
	if err != nil || strings.TrimSpace(diff) == "" {
		diff, _ = w.Diff(ctx, "")
	}
	subject, err := w.generate(ctx, diff)
	if err != nil {
		w.logger.Warn("commit message generation failed, using fallback", "error", err)
		return fallbackCommitMessage
	}
	return SanitizeSubject(subject)
}

// SanitizeSubject reduces model output to a single ≤50-char subject line.
func SanitizeSubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if i := strings.IndexByte(subject, '\n'); i >= 0 {
		subject = strings.TrimSpace(subject[:i])
	}
	subject = strings.Trim(subject, "\"'`")
	subject = strings.TrimSuffix(subject, ".")
	if subject == "" {
		return fallbackCommitMessage
	}
	if len(subject) > maxCommitSubject {
		subject = strings.TrimSpace(subject[:maxCommitSubject-1]) + "…"
	}
	return subject
}

// Push publishes the branch. Callers treat failures as non-fatal.
func (w *Worker) Push(ctx context.Context, branch string, setUpstream bool) error {
	args := []string{"push"}
	if setUpstream {
		args = append(args, "-u")
	}
	args = append(args, "origin", branch)
	_, err := w.run(ctx, w.workspace, args...)
	return err
}

// CommitIfAny commits and pushes when the workspace is dirty. It returns the
// new commit hash, or "" when there was nothing to commit. Push failures are
// logged, never returned.
func (w *Worker) CommitIfAny(ctx context.Context, branch string, commitCtx CommitContext) (string, error) {
	dirty, err := w.HasChanges(ctx)
	if err != nil {
		return "", err
	}
	if !dirty {
		return "", nil
	}
	sha, err := w.Commit(ctx, commitCtx)
	if err != nil {
		return "", err
	}
	if err := w.Push(ctx, branch, false); err != nil {
		w.logger.Warn("push failed after commit", "branch", branch, "error", err)
	}
	return sha, nil
}

// Diff returns the diff against base, or the working-tree diff when base is
// empty.
func (w *Worker) Diff(ctx context.Context, base string) (string, error) {
	args := []string{"diff"}
	if base != "" {
		args = append(args, base)
	}
	return w.run(ctx, w.workspace, args...)
}

// RecentSubjects lists the latest commit subjects, newest first.
func (w *Worker) RecentSubjects(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}
	out, err := w.run(ctx, w.workspace, "log", fmt.Sprintf("-%d", limit), "--pretty=format:%s")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(out) == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// CurrentCommit returns the workspace HEAD hash.
func (w *Worker) CurrentCommit(ctx context.Context) (string, error) {
	return w.run(ctx, w.workspace, "rev-parse", "HEAD")
}

// CurrentBranch returns the checked-out branch name.
func (w *Worker) CurrentBranch(ctx context.Context) (string, error) {
	return w.run(ctx, w.workspace, "rev-parse", "--abbrev-ref", "HEAD")
}

// ShallowClone clones a single branch at depth 1 into dest. The token, when
// set, is injected into the clone URL for private repositories.
func ShallowClone(ctx context.Context, repoURL, branch, dest, token string) error {
	cloneURL := repoURL
	if token != "" {
		cloneURL = strings.Replace(repoURL, "https://", "https://x-access-token:"+token+"@", 1)
	}
	cmd := exec.CommandContext(ctx, "git", "clone",
		"--depth", "1", "--single-branch", "--branch", branch, cloneURL, dest)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		// Never echo the tokenized URL.
		msg := strings.ReplaceAll(strings.TrimSpace(stderr.String()), cloneURL, repoURL)
		return fmt.Errorf("shallow clone of %s@%s failed: %s", repoURL, branch, msg)
	}
	return nil
}
