// Package executor provides the uniform workspace operation contract used by
// agent tools. Two implementations exist: LocalExecutor operates on a
// directory on this host, RemoteExecutor speaks HTTP to the sidecar inside a
// task's sandbox pod. Failures are values, never errors crossing the
// interface.
package executor

import (
	"context"
	"fmt"
	"time"
)

// DefaultCommandTimeout bounds foreground shell commands.
const DefaultCommandTimeout = 30 * time.Second

// Result is the tagged outcome of every executor operation.
type Result struct {
	OK      bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Success builds a successful result.
func Success(message string, data map[string]any) Result {
	return Result{OK: true, Message: message, Data: data}
}

// Failure builds a failed result from a format string.
func Failure(format string, args ...any) Result {
	return Result{OK: false, Message: fmt.Sprintf(format, args...)}
}

// ReadFileRequest selects a file and an optional 1-based line range.
type ReadFileRequest struct {
	Path      string `json:"path"`
	StartLine int    `json:"startLine,omitempty"`
	EndLine   int    `json:"endLine,omitempty"`
}

// WriteFileRequest replaces or creates a file with full contents.
type WriteFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// SearchReplaceRequest swaps exactly one occurrence of Old for New.
type SearchReplaceRequest struct {
	Path string `json:"path"`
	Old  string `json:"oldString"`
	New  string `json:"newString"`
}

// GrepRequest is a regex content search, optionally scoped by path and glob.
type GrepRequest struct {
	Pattern     string `json:"pattern"`
	Path        string `json:"path,omitempty"`
	Include     string `json:"include,omitempty"`
	MaxResults  int    `json:"maxResults,omitempty"`
	IgnoreCase  bool   `json:"ignoreCase,omitempty"`
	FilesOnly   bool   `json:"filesOnly,omitempty"`
}

// CommandRequest runs a shell command in the workspace.
type CommandRequest struct {
	Command      string        `json:"command"`
	IsBackground bool          `json:"isBackground,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"`
}

// Executor is the capability set tools operate through. All methods return a
// tagged Result; they never return Go errors.
type Executor interface {
	ReadFile(ctx context.Context, req ReadFileRequest) Result
	WriteFile(ctx context.Context, req WriteFileRequest) Result
	SearchReplace(ctx context.Context, req SearchReplaceRequest) Result
	ListDirectory(ctx context.Context, path string) Result
	Grep(ctx context.Context, req GrepRequest) Result
	SearchFiles(ctx context.Context, query string) Result
	DeleteFile(ctx context.Context, path string) Result
	RunCommand(ctx context.Context, req CommandRequest) Result
	WebSearch(ctx context.Context, query string) Result
	SemanticSearch(ctx context.Context, query string) Result
	GitStatus(ctx context.Context) Result
	GitDiff(ctx context.Context, base string) Result

	// WorkspacePath is the root every relative path resolves against.
	WorkspacePath() string
}
