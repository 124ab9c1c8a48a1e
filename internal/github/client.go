package github

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	gh "github.com/google/go-github/v66/github"
)

// PullRequest is the subset of PR state the kernel persists and reports.
type PullRequest struct {
	Number       int
	Title        string
	Description  string
	Draft        bool
	State        string
	HeadBranch   string
	BaseBranch   string
	FilesChanged int
	Additions    int
	Deletions    int
}

// Client is the GitHub REST surface used by the PR worker and the task
// bootstrap. Implementations must be safe for concurrent use.
type Client interface {
	GetRepository(ctx context.Context, owner, repo string) (cloneURL, defaultBranch string, err error)
	BranchExists(ctx context.Context, owner, repo, branch string) (bool, error)
	CreatePullRequest(ctx context.Context, owner, repo string, opts CreatePROptions) (*PullRequest, error)
	UpdatePullRequest(ctx context.Context, owner, repo string, number int, title, description string) (*PullRequest, error)
	GetPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error)
	CompareBranches(ctx context.Context, owner, repo, base, head string) (aheadBy int, err error)
}

// CreatePROptions shapes a new pull request.
type CreatePROptions struct {
	Title       string
	Description string
	HeadBranch  string
	BaseBranch  string
	Draft       bool
}

// restClient implements Client over go-github.
type restClient struct {
	gh *gh.Client
}

// NewClient builds a REST client from an authenticated HTTP client.
func NewClient(httpClient *http.Client) Client {
	return &restClient{gh: gh.NewClient(httpClient)}
}

// SplitRepoFullName splits "owner/repo" into its parts.
func SplitRepoFullName(fullName string) (owner, repo string, err error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository name %q, want owner/repo", fullName)
	}
	return parts[0], parts[1], nil
}

func (c *restClient) GetRepository(ctx context.Context, owner, repo string) (string, string, error) {
	repository, _, err := c.gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", "", fmt.Errorf("get repository %s/%s: %w", owner, repo, err)
	}
	return repository.GetCloneURL(), repository.GetDefaultBranch(), nil
}

func (c *restClient) BranchExists(ctx context.Context, owner, repo, branch string) (bool, error) {
	_, resp, err := c.gh.Repositories.GetBranch(ctx, owner, repo, branch, 1)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, fmt.Errorf("get branch %s: %w", branch, err)
	}
	return true, nil
}

func (c *restClient) CreatePullRequest(ctx context.Context, owner, repo string, opts CreatePROptions) (*PullRequest, error) {
	pr, _, err := c.gh.PullRequests.Create(ctx, owner, repo, &gh.NewPullRequest{
		Title: gh.String(opts.Title),
		Body:  gh.String(opts.Description),
		Head:  gh.String(opts.HeadBranch),
		Base:  gh.String(opts.BaseBranch),
		Draft: gh.Bool(opts.Draft),
	})
	if err != nil {
		return nil, fmt.Errorf("create pull request: %w", err)
	}
	return convertPR(pr), nil
}

func (c *restClient) UpdatePullRequest(ctx context.Context, owner, repo string, number int, title, description string) (*PullRequest, error) {
	patch := &gh.PullRequest{}
	if title != "" {
		patch.Title = gh.String(title)
	}
	if description != "" {
		patch.Body = gh.String(description)
	}
	pr, _, err := c.gh.PullRequests.Edit(ctx, owner, repo, number, patch)
	if err != nil {
		return nil, fmt.Errorf("update pull request #%d: %w", number, err)
	}
	return convertPR(pr), nil
}

func (c *restClient) GetPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error) {
	pr, _, err := c.gh.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, fmt.Errorf("get pull request #%d: %w", number, err)
	}
	return convertPR(pr), nil
}

func (c *restClient) CompareBranches(ctx context.Context, owner, repo, base, head string) (int, error) {
	comparison, _, err := c.gh.Repositories.CompareCommits(ctx, owner, repo, base, head, nil)
	if err != nil {
		return 0, fmt.Errorf("compare %s...%s: %w", base, head, err)
	}
	return comparison.GetAheadBy(), nil
}

func convertPR(pr *gh.PullRequest) *PullRequest {
	return &PullRequest{
		Number:       pr.GetNumber(),
		Title:        pr.GetTitle(),
		Description:  pr.GetBody(),
		Draft:        pr.GetDraft(),
		State:        pr.GetState(),
		HeadBranch:   pr.GetHead().GetRef(),
		BaseBranch:   pr.GetBase().GetRef(),
		FilesChanged: pr.GetChangedFiles(),
		Additions:    pr.GetAdditions(),
		Deletions:    pr.GetDeletions(),
	}
}
