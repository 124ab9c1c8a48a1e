package executor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	maxGrepMatches  = 100
	maxFileMatches  = 10
	maxOutputBytes  = 64 * 1024
	maxReadBytes    = 1024 * 1024
)

// SearchFunc answers a web or semantic search query. The local executor has
// no search backend of its own; callers inject one when available.
type SearchFunc func(ctx context.Context, query string) (Result, bool)

// LocalExecutor operates directly on a workspace directory on this host.
type LocalExecutor struct {
	workspace      string
	logger         *slog.Logger
	webSearch      SearchFunc
	semanticSearch SearchFunc
}

// LocalOption configures a LocalExecutor.
type LocalOption func(*LocalExecutor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) LocalOption {
	return func(e *LocalExecutor) { e.logger = logger }
}

// WithWebSearch injects a web search backend.
func WithWebSearch(fn SearchFunc) LocalOption {
	return func(e *LocalExecutor) { e.webSearch = fn }
}

// WithSemanticSearch injects a semantic search backend.
func WithSemanticSearch(fn SearchFunc) LocalOption {
	return func(e *LocalExecutor) { e.semanticSearch = fn }
}

// NewLocalExecutor creates an executor rooted at workspace.
func NewLocalExecutor(workspace string, opts ...LocalOption) *LocalExecutor {
	e := &LocalExecutor{
		workspace: filepath.Clean(workspace),
		logger:    slog.Default().With("component", "executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *LocalExecutor) WorkspacePath() string { return e.workspace }

// resolve joins a tool-supplied path against the workspace and rejects
// escapes above it.
func (e *LocalExecutor) resolve(path string) (string, error) {
	if path == "" || path == "." {
		return e.workspace, nil
	}
	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(e.workspace, candidate)
	}
	candidate = filepath.Clean(candidate)
	if candidate != e.workspace && !strings.HasPrefix(candidate, e.workspace+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", path)
	}
	return candidate, nil
}

func (e *LocalExecutor) ReadFile(ctx context.Context, req ReadFileRequest) Result {
	target, err := e.resolve(req.Path)
	if err != nil {
		return Failure("%v", err)
	}
	info, err := os.Stat(target)
	if err != nil {
		return Failure("file not found: %s", req.Path)
	}
	if info.IsDir() {
		return Failure("%s is a directory", req.Path)
	}
	if info.Size() > maxReadBytes {
		return Failure("file too large to read: %s (%d bytes)", req.Path, info.Size())
	}

	raw, err := os.ReadFile(target)
	if err != nil {
		return Failure("failed to read %s: %v", req.Path, err)
	}
	lines := strings.Split(string(raw), "\n")
	total := len(lines)

	start, end := req.StartLine, req.EndLine
	if start <= 0 {
		start = 1
	}
	if end <= 0 || end > total {
		end = total
	}
	if start > total {
		return Failure("start line %d beyond end of file (%d lines)", start, total)
	}
	content := strings.Join(lines[start-1:end], "\n")

	return Success(fmt.Sprintf("read %s", req.Path), map[string]any{
		"path":       req.Path,
		"content":    content,
		"totalLines": total,
		"startLine":  start,
		"endLine":    end,
	})
}

func (e *LocalExecutor) WriteFile(ctx context.Context, req WriteFileRequest) Result {
	target, err := e.resolve(req.Path)
	if err != nil {
		return Failure("%v", err)
	}
	_, statErr := os.Stat(target)
	created := os.IsNotExist(statErr)

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Failure("failed to create parent directory for %s: %v", req.Path, err)
	}
	if err := os.WriteFile(target, []byte(req.Content), 0o644); err != nil {
		return Failure("failed to write %s: %v", req.Path, err)
	}
	return Success(fmt.Sprintf("wrote %s", req.Path), map[string]any{
		"path":         req.Path,
		"bytesWritten": len(req.Content),
		"created":      created,
	})
}

func (e *LocalExecutor) SearchReplace(ctx context.Context, req SearchReplaceRequest) Result {
	if req.Old == "" {
		return Failure("oldString must not be empty")
	}
	if req.Old == req.New {
		return Failure("oldString and newString are identical")
	}
	target, err := e.resolve(req.Path)
	if err != nil {
		return Failure("%v", err)
	}
	raw, err := os.ReadFile(target)
	if err != nil {
		return Failure("failed to read %s: %v", req.Path, err)
	}
	content := string(raw)

	switch count := strings.Count(content, req.Old); {
	case count == 0:
		return Failure("oldString not found in %s", req.Path)
	case count > 1:
		return Failure("oldString occurs %d times in %s; it must match exactly once", count, req.Path)
	}

	updated := strings.Replace(content, req.Old, req.New, 1)
	if err := os.WriteFile(target, []byte(updated), 0o644); err != nil {
		return Failure("failed to write %s: %v", req.Path, err)
	}
	return Success(fmt.Sprintf("replaced one occurrence in %s", req.Path), map[string]any{
		"path": req.Path,
	})
}

func (e *LocalExecutor) ListDirectory(ctx context.Context, path string) Result {
	target, err := e.resolve(path)
	if err != nil {
		return Failure("%v", err)
	}
	entries, err := os.ReadDir(target)
	if err != nil {
		return Failure("failed to list %s: %v", path, err)
	}

	listed := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		item := map[string]any{
			"name":        entry.Name(),
			"isDirectory": entry.IsDir(),
		}
		if info, err := entry.Info(); err == nil && !entry.IsDir() {
			item["size"] = info.Size()
		}
		listed = append(listed, item)
	}
	return Success(fmt.Sprintf("listed %d entries", len(listed)), map[string]any{
		"path":    path,
		"entries": listed,
	})
}

func (e *LocalExecutor) Grep(ctx context.Context, req GrepRequest) Result {
	if req.Pattern == "" {
		return Failure("pattern must not be empty")
	}
	pattern := req.Pattern
	if req.IgnoreCase {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Failure("invalid pattern: %v", err)
	}

	root, err := e.resolve(req.Path)
	if err != nil {
		return Failure("%v", err)
	}
	limit := req.MaxResults
	if limit <= 0 || limit > maxGrepMatches {
		limit = maxGrepMatches
	}

	var matches []map[string]any
	seen := make(map[string]bool)
	truncated := false

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, _ := filepath.Rel(e.workspace, path)
		if req.Include != "" {
			ok, _ := filepath.Match(req.Include, filepath.Base(path))
			if !ok {
				return nil
			}
		}

		file, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer file.Close()

		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Bytes()
			if bytes.ContainsRune(line, 0) {
				return nil // binary file
			}
			if !re.Match(line) {
				continue
			}
			if len(matches) >= limit {
				truncated = true
				return filepath.SkipAll
			}
			if req.FilesOnly {
				if seen[rel] {
					continue
				}
				seen[rel] = true
				matches = append(matches, map[string]any{"path": rel})
				break
			}
			matches = append(matches, map[string]any{
				"path": rel,
				"line": lineNo,
				"text": strings.TrimRight(string(line), "\r"),
			})
		}
		return nil
	})
	if walkErr != nil && ctx.Err() != nil {
		return Failure("search cancelled: %v", ctx.Err())
	}

	return Success(fmt.Sprintf("%d matches", len(matches)), map[string]any{
		"matches":   matches,
		"truncated": truncated,
	})
}

func (e *LocalExecutor) SearchFiles(ctx context.Context, query string) Result {
	if query == "" {
		return Failure("query must not be empty")
	}
	needle := strings.ToLower(query)

	type scored struct {
		path  string
		score int
	}
	var found []scored

	filepath.WalkDir(e.workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(e.workspace, path)
		lower := strings.ToLower(rel)
		if !strings.Contains(lower, needle) {
			return nil
		}
		// Basename hits rank above directory hits.
		score := len(rel)
		if strings.Contains(strings.ToLower(d.Name()), needle) {
			score -= 1000
		}
		found = append(found, scored{path: rel, score: score})
		return nil
	})

	sort.Slice(found, func(i, j int) bool { return found[i].score < found[j].score })
	if len(found) > maxFileMatches {
		found = found[:maxFileMatches]
	}
	paths := make([]string, len(found))
	for i, f := range found {
		paths[i] = f.path
	}
	return Success(fmt.Sprintf("%d files", len(paths)), map[string]any{
		"files": paths,
	})
}

func (e *LocalExecutor) DeleteFile(ctx context.Context, path string) Result {
	target, err := e.resolve(path)
	if err != nil {
		return Failure("%v", err)
	}
	info, err := os.Stat(target)
	if err != nil {
		return Failure("file not found: %s", path)
	}
	if info.IsDir() {
		return Failure("%s is a directory; only files can be deleted", path)
	}
	if err := os.Remove(target); err != nil {
		return Failure("failed to delete %s: %v", path, err)
	}
	return Success(fmt.Sprintf("deleted %s", path), map[string]any{"path": path})
}

func (e *LocalExecutor) RunCommand(ctx context.Context, req CommandRequest) Result {
	if strings.TrimSpace(req.Command) == "" {
		return Failure("command must not be empty")
	}

	if req.IsBackground {
		cmd := exec.Command("/bin/sh", "-c", req.Command)
		cmd.Dir = e.workspace
		if err := cmd.Start(); err != nil {
			return Failure("failed to start command: %v", err)
		}
		pid := cmd.Process.Pid
		go cmd.Wait() // reap; background commands are not awaited
		e.logger.Info("started background command", "pid", pid)
		return Success("command started in background", map[string]any{
			"pid":        pid,
			"background": true,
		})
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", req.Command)
	cmd.Dir = e.workspace
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		exitCode = -1
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return Result{
			OK:      false,
			Message: fmt.Sprintf("command timed out after %s", timeout),
			Data: map[string]any{
				"stdout":   truncateOutput(stdout.String()),
				"stderr":   truncateOutput(stderr.String()),
				"timedOut": true,
			},
		}
	}

	data := map[string]any{
		"stdout":     truncateOutput(stdout.String()),
		"stderr":     truncateOutput(stderr.String()),
		"exitCode":   exitCode,
		"durationMs": elapsed.Milliseconds(),
	}
	if exitCode != 0 {
		return Result{OK: false, Message: fmt.Sprintf("command exited with code %d", exitCode), Data: data}
	}
	return Success("command completed", data)
}

func (e *LocalExecutor) WebSearch(ctx context.Context, query string) Result {
	if e.webSearch != nil {
		if result, handled := e.webSearch(ctx, query); handled {
			return result
		}
	}
	return Failure("web search is not available in this workspace")
}

func (e *LocalExecutor) SemanticSearch(ctx context.Context, query string) Result {
	if e.semanticSearch != nil {
		if result, handled := e.semanticSearch(ctx, query); handled {
			return result
		}
	}
	return Failure("the repository index is not ready; try grep_search instead")
}

func (e *LocalExecutor) GitStatus(ctx context.Context) Result {
	return e.git(ctx, "status", "--porcelain")
}

func (e *LocalExecutor) GitDiff(ctx context.Context, base string) Result {
	args := []string{"diff"}
	if base != "" {
		args = append(args, base)
	}
	return e.git(ctx, args...)
}

func (e *LocalExecutor) git(ctx context.Context, args ...string) Result {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = e.workspace
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Failure("git %s failed: %s", args[0], strings.TrimSpace(stderr.String()))
	}
	return Success("git "+args[0], map[string]any{
		"output": truncateOutput(stdout.String()),
	})
}

func truncateOutput(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes] + "\n... output truncated ..."
}
