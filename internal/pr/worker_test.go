package pr

import (
	"context"
	"strings"
	"testing"

	"github.com/shadowrealm-ai/shadow/internal/github"
	"github.com/shadowrealm-ai/shadow/internal/gitops"
	"github.com/shadowrealm-ai/shadow/internal/store"
	"github.com/shadowrealm-ai/shadow/pkg/models"
)

// fakeClient scripts the GitHub REST surface.
type fakeClient struct {
	created    []github.CreatePROptions
	updates    int
	nextNumber int
	current    *github.PullRequest
}

func (f *fakeClient) GetRepository(ctx context.Context, owner, repo string) (string, string, error) {
	return "https://github.com/" + owner + "/" + repo + ".git", "main", nil
}

func (f *fakeClient) BranchExists(ctx context.Context, owner, repo, branch string) (bool, error) {
	return true, nil
}

func (f *fakeClient) CreatePullRequest(ctx context.Context, owner, repo string, opts github.CreatePROptions) (*github.PullRequest, error) {
	f.created = append(f.created, opts)
	f.nextNumber++
	f.current = &github.PullRequest{
		Number:      f.nextNumber,
		Title:       opts.Title,
		Description: opts.Description,
		Draft:       opts.Draft,
		HeadBranch:  opts.HeadBranch,
		BaseBranch:  opts.BaseBranch,
	}
	return f.current, nil
}

func (f *fakeClient) UpdatePullRequest(ctx context.Context, owner, repo string, number int, title, description string) (*github.PullRequest, error) {
	f.updates++
	if description != "" {
		f.current.Description = description
	}
	return f.current, nil
}

func (f *fakeClient) GetPullRequest(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error) {
	return f.current, nil
}

func (f *fakeClient) CompareBranches(ctx context.Context, owner, repo, base, head string) (int, error) {
	return 1, nil
}

// cleanGit returns a git worker whose workspace reports no pending changes.
func cleanGit(dirty bool) *gitops.Worker {
	return gitops.NewWorker("/ws", gitops.WithRunner(func(ctx context.Context, dir string, args ...string) (string, error) {
		switch args[0] {
		case "status":
			if dirty {
				return " M main.go", nil
			}
			return "", nil
		case "rev-parse":
			return "headsha", nil
		case "log":
			return "Add health endpoint", nil
		case "diff":
			return "diff --git a/main.go b/main.go", nil
		}
		return "", nil
	}))
}

func newTestTask(t *testing.T, s store.Store) *models.Task {
	t.Helper()
	task := &models.Task{
		UserID:       "user-1",
		Title:        "Add a health endpoint to the API server for load balancer probes",
		RepoFullName: "o/r",
		BaseBranch:   "main",
		ShadowBranch: "shadow/health-abc123",
		Status:       models.TaskRunning,
	}
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	return task
}

func TestCreateOpensDraftAndWritesSnapshot(t *testing.T) {
	s := store.NewMemoryStore()
	task := newTestTask(t, s)
	client := &fakeClient{}
	w := NewWorker(s, client, func(ctx context.Context, diff string, commits []string) (Generated, error) {
		return Generated{Title: "Add health endpoint", Description: "Adds /healthz."}, nil
	})

	if err := w.CreateOrUpdate(context.Background(), task, cleanGit(false), "msg-1"); err != nil {
		t.Fatalf("CreateOrUpdate: %v", err)
	}

	if len(client.created) != 1 {
		t.Fatalf("created %d PRs, want 1", len(client.created))
	}
	opts := client.created[0]
	if !opts.Draft {
		t.Error("PR should be a draft")
	}
	if opts.HeadBranch != task.ShadowBranch || opts.BaseBranch != "main" {
		t.Errorf("branches = %s -> %s", opts.HeadBranch, opts.BaseBranch)
	}
	if len(opts.Title) > 50 {
		t.Errorf("title too long: %q", opts.Title)
	}

	stored, err := s.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.PullRequestNumber != 1 {
		t.Errorf("PR number not persisted: %d", stored.PullRequestNumber)
	}

	snaps, err := s.ListSnapshots(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 1 || snaps[0].Status != models.SnapshotCreated {
		t.Fatalf("snapshots = %+v", snaps)
	}
	if snaps[0].MessageID != "msg-1" || snaps[0].CommitSHA != "headsha" {
		t.Errorf("snapshot binding = %+v", snaps[0])
	}
}

func TestUpdateDoesNotDuplicatePR(t *testing.T) {
	s := store.NewMemoryStore()
	task := newTestTask(t, s)
	client := &fakeClient{}
	w := NewWorker(s, client, nil)

	git := cleanGit(false)
	if err := w.CreateOrUpdate(context.Background(), task, git, "msg-1"); err != nil {
		t.Fatal(err)
	}
	if err := w.CreateOrUpdate(context.Background(), task, git, "msg-2"); err != nil {
		t.Fatal(err)
	}

	if len(client.created) != 1 {
		t.Fatalf("created %d PRs, want 1", len(client.created))
	}
	if client.updates != 1 {
		t.Fatalf("updates = %d, want 1", client.updates)
	}

	snaps, _ := s.ListSnapshots(context.Background(), task.ID)
	if len(snaps) != 2 {
		t.Fatalf("snapshots = %d, want 2", len(snaps))
	}
	if snaps[1].Status != models.SnapshotUpdated {
		t.Errorf("second snapshot status = %s, want UPDATED", snaps[1].Status)
	}
}

func TestDirtyWorkspaceSkips(t *testing.T) {
	s := store.NewMemoryStore()
	task := newTestTask(t, s)
	client := &fakeClient{}
	w := NewWorker(s, client, nil)

	if err := w.CreateOrUpdate(context.Background(), task, cleanGit(true), "msg-1"); err != nil {
		t.Fatalf("dirty workspace should skip, not fail: %v", err)
	}
	if len(client.created) != 0 {
		t.Error("PR created despite uncommitted changes")
	}
}

func TestGeneratorFailureFallsBackToTaskTitle(t *testing.T) {
	s := store.NewMemoryStore()
	task := newTestTask(t, s)
	client := &fakeClient{}
	w := NewWorker(s, client, func(ctx context.Context, diff string, commits []string) (Generated, error) {
		return Generated{}, context.DeadlineExceeded
	})

	if err := w.CreateOrUpdate(context.Background(), task, cleanGit(false), "msg-1"); err != nil {
		t.Fatal(err)
	}
	title := client.created[0].Title
	if title == "" || len(title) > 50 {
		t.Errorf("fallback title = %q", title)
	}
	if !strings.HasPrefix(task.Title, strings.TrimSuffix(title, "…")) {
		t.Errorf("fallback title %q not derived from task title", title)
	}
}
