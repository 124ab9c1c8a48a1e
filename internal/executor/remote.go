package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Sidecar route table, shared with the sidecar server so both sides agree.
const (
	RouteExecuteCommand       = "/execute/command"
	RouteExecuteCommandStream = "/execute/command/stream"
	RouteTerminalHistory      = "/terminal/history"
	RouteTerminalClear        = "/terminal/clear"
	RouteTerminalStream       = "/terminal/stream"
	RouteReadFile             = "/files/read"
	RouteWriteFile            = "/files/write"
	RouteSearchReplace        = "/files/search-replace"
	RouteDeleteFile           = "/files/delete"
	RouteListDirectory        = "/files/list"
	RouteGrep                 = "/search/grep"
	RouteSearchFiles          = "/search/files"
	RouteWebSearch            = "/search/web"
	RouteSemanticSearch       = "/search/semantic"
	RouteGitStatus            = "/git/status"
	RouteGitDiff              = "/git/diff"
	RouteGitCommit            = "/git/commit"
	RouteGitPush              = "/git/push"
	RouteHealth               = "/healthz"
)

// AddressResolver returns the sidecar base URL for the task this executor
// serves, e.g. "http://10.2.3.4:8371". The sandbox controller provides it.
type AddressResolver func(ctx context.Context) (string, error)

// RemoteExecutor forwards every operation to the sidecar inside the task's
// sandbox pod.
type RemoteExecutor struct {
	resolve   AddressResolver
	client    *http.Client
	workspace string
	logger    *slog.Logger
}

// RemoteOption configures a RemoteExecutor.
type RemoteOption func(*RemoteExecutor)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) RemoteOption {
	return func(e *RemoteExecutor) { e.client = client }
}

// WithRemoteLogger sets the logger.
func WithRemoteLogger(logger *slog.Logger) RemoteOption {
	return func(e *RemoteExecutor) { e.logger = logger }
}

// NewRemoteExecutor creates an executor that dispatches to a sidecar. The
// workspace path is the remote pod's workspace mount, reported for logging
// and prompt context only.
func NewRemoteExecutor(resolve AddressResolver, workspace string, opts ...RemoteOption) *RemoteExecutor {
	e := &RemoteExecutor{
		resolve:   resolve,
		workspace: workspace,
		client:    &http.Client{Timeout: 2 * time.Minute},
		logger:    slog.Default().With("component", "executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *RemoteExecutor) WorkspacePath() string { return e.workspace }

func (e *RemoteExecutor) call(ctx context.Context, route string, payload any) Result {
	base, err := e.resolve(ctx)
	if err != nil {
		return Failure("sandbox is not reachable: %v", err)
	}
	endpoint, err := url.JoinPath(base, route)
	if err != nil {
		return Failure("invalid sidecar address %q: %v", base, err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Failure("failed to encode request: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Failure("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return Failure("sidecar request failed: %v", err)
	}
	defer resp.Body.Close()

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Failure("sidecar returned a malformed response (status %d): %v", resp.StatusCode, err)
	}
	if resp.StatusCode >= 500 && result.Message == "" {
		return Failure("sidecar error: status %d", resp.StatusCode)
	}
	return result
}

func (e *RemoteExecutor) ReadFile(ctx context.Context, req ReadFileRequest) Result {
	return e.call(ctx, RouteReadFile, req)
}

func (e *RemoteExecutor) WriteFile(ctx context.Context, req WriteFileRequest) Result {
	return e.call(ctx, RouteWriteFile, req)
}

func (e *RemoteExecutor) SearchReplace(ctx context.Context, req SearchReplaceRequest) Result {
	return e.call(ctx, RouteSearchReplace, req)
}

func (e *RemoteExecutor) ListDirectory(ctx context.Context, path string) Result {
	return e.call(ctx, RouteListDirectory, map[string]string{"path": path})
}

func (e *RemoteExecutor) Grep(ctx context.Context, req GrepRequest) Result {
	return e.call(ctx, RouteGrep, req)
}

func (e *RemoteExecutor) SearchFiles(ctx context.Context, query string) Result {
	return e.call(ctx, RouteSearchFiles, map[string]string{"query": query})
}

func (e *RemoteExecutor) DeleteFile(ctx context.Context, path string) Result {
	return e.call(ctx, RouteDeleteFile, map[string]string{"path": path})
}

func (e *RemoteExecutor) RunCommand(ctx context.Context, req CommandRequest) Result {
	// Give the sidecar room to enforce its own timeout before ours fires.
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	if !req.IsBackground {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout+10*time.Second)
		defer cancel()
	}
	return e.call(ctx, RouteExecuteCommand, commandWire{
		Command:      req.Command,
		IsBackground: req.IsBackground,
		TimeoutMs:    timeout.Milliseconds(),
	})
}

func (e *RemoteExecutor) WebSearch(ctx context.Context, query string) Result {
	return e.call(ctx, RouteWebSearch, map[string]string{"query": query})
}

func (e *RemoteExecutor) SemanticSearch(ctx context.Context, query string) Result {
	return e.call(ctx, RouteSemanticSearch, map[string]string{"query": query})
}

func (e *RemoteExecutor) GitStatus(ctx context.Context) Result {
	return e.call(ctx, RouteGitStatus, struct{}{})
}

func (e *RemoteExecutor) GitDiff(ctx context.Context, base string) Result {
	return e.call(ctx, RouteGitDiff, map[string]string{"base": base})
}

// GitCommitRequest asks the sidecar to stage and commit pending changes.
type GitCommitRequest struct {
	Branch    string `json:"branch"`
	UserName  string `json:"userName,omitempty"`
	UserEmail string `json:"userEmail,omitempty"`
}

// GitCommit commits workspace changes inside the sandbox.
func (e *RemoteExecutor) GitCommit(ctx context.Context, req GitCommitRequest) Result {
	return e.call(ctx, RouteGitCommit, req)
}

// GitPush publishes the branch from inside the sandbox.
func (e *RemoteExecutor) GitPush(ctx context.Context, branch string, setUpstream bool) Result {
	return e.call(ctx, RouteGitPush, map[string]any{
		"branch":      branch,
		"setUpstream": setUpstream,
	})
}

// Health probes the sidecar's liveness endpoint.
func (e *RemoteExecutor) Health(ctx context.Context) error {
	base, err := e.resolve(ctx)
	if err != nil {
		return err
	}
	endpoint, err := url.JoinPath(base, RouteHealth)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sidecar unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// commandWire is the JSON body for the execute-command endpoint. Timeouts
// travel as milliseconds so both sides agree on units.
type commandWire struct {
	Command      string `json:"command"`
	IsBackground bool   `json:"isBackground"`
	TimeoutMs    int64  `json:"timeout"`
}
