package gitops

import (
	"context"
	"fmt"
	"strings"

	"github.com/shadowrealm-ai/shadow/internal/executor"
)

// RemoteWorker drives git inside a sandbox pod through the sidecar's git
// surface. It mirrors the local Worker's read and commit operations.
type RemoteWorker struct {
	exec *executor.RemoteExecutor
}

// NewRemoteWorker wraps a remote executor.
func NewRemoteWorker(exec *executor.RemoteExecutor) *RemoteWorker {
	return &RemoteWorker{exec: exec}
}

func (w *RemoteWorker) HasChanges(ctx context.Context) (bool, error) {
	result := w.exec.GitStatus(ctx)
	if !result.OK {
		return false, fmt.Errorf("remote git status: %s", result.Message)
	}
	output, _ := result.Data["output"].(string)
	return strings.TrimSpace(output) != "", nil
}

func (w *RemoteWorker) Diff(ctx context.Context, base string) (string, error) {
	result := w.exec.GitDiff(ctx, base)
	if !result.OK {
		return "", fmt.Errorf("remote git diff: %s", result.Message)
	}
	output, _ := result.Data["output"].(string)
	return output, nil
}

func (w *RemoteWorker) RecentSubjects(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}
	result := w.exec.RunCommand(ctx, executor.CommandRequest{
		Command: fmt.Sprintf("git log -%d --pretty=format:%%s", limit),
	})
	if !result.OK {
		return nil, fmt.Errorf("remote git log: %s", result.Message)
	}
	stdout, _ := result.Data["stdout"].(string)
	stdout = strings.TrimSpace(stdout)
	if stdout == "" {
		return nil, nil
	}
	return strings.Split(stdout, "\n"), nil
}

func (w *RemoteWorker) CurrentCommit(ctx context.Context) (string, error) {
	result := w.exec.RunCommand(ctx, executor.CommandRequest{Command: "git rev-parse HEAD"})
	if !result.OK {
		return "", fmt.Errorf("remote rev-parse: %s", result.Message)
	}
	stdout, _ := result.Data["stdout"].(string)
	return strings.TrimSpace(stdout), nil
}

// CommitIfAny commits and pushes pending changes through the sidecar. Push
// failures stay inside the sidecar; only commit failures surface.
func (w *RemoteWorker) CommitIfAny(ctx context.Context, branch string, commitCtx CommitContext) (string, error) {
	dirty, err := w.HasChanges(ctx)
	if err != nil {
		return "", err
	}
	if !dirty {
		return "", nil
	}
	result := w.exec.GitCommit(ctx, executor.GitCommitRequest{
		Branch:    branch,
		UserName:  commitCtx.UserName,
		UserEmail: commitCtx.UserEmail,
	})
	if !result.OK {
		return "", fmt.Errorf("remote commit: %s", result.Message)
	}
	sha, _ := result.Data["commitSha"].(string)
	return sha, nil
}
