// Package sidecar implements the in-sandbox HTTP server that exposes the
// task workspace to the main Shadow server: file operations, search, command
// execution with a terminal transcript, and git state.
package sidecar

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"time"

	"github.com/shadowrealm-ai/shadow/internal/executor"
	"github.com/shadowrealm-ai/shadow/internal/gitops"
)

// keepAliveInterval paces SSE comments so idle streams survive proxies.
const keepAliveInterval = 15 * time.Second

// Server serves the sidecar route table over one workspace.
type Server struct {
	workspace string
	exec      *executor.LocalExecutor
	git       *gitops.Worker
	terminal  *TerminalLog
	logger    *slog.Logger
	mux       *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithGitWorker overrides the git worker, used by tests.
func WithGitWorker(git *gitops.Worker) Option {
	return func(s *Server) { s.git = git }
}

// NewServer creates a sidecar server rooted at workspace.
func NewServer(workspace string, opts ...Option) *Server {
	s := &Server{
		workspace: workspace,
		exec:      executor.NewLocalExecutor(workspace),
		git:       gitops.NewWorker(workspace),
		terminal:  NewTerminalLog(),
		logger:    slog.Default().With("component", "sidecar"),
		mux:       http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc(executor.RouteHealth, s.handleHealth)

	s.mux.HandleFunc(executor.RouteExecuteCommand, s.handleExecuteCommand)
	s.mux.HandleFunc(executor.RouteExecuteCommandStream, s.handleExecuteCommandStream)
	s.mux.HandleFunc(executor.RouteTerminalHistory, s.handleTerminalHistory)
	s.mux.HandleFunc(executor.RouteTerminalClear, s.handleTerminalClear)
	s.mux.HandleFunc(executor.RouteTerminalStream, s.handleTerminalStream)

	s.mux.HandleFunc(executor.RouteReadFile, jsonHandler(s.exec.ReadFile))
	s.mux.HandleFunc(executor.RouteWriteFile, jsonHandler(s.exec.WriteFile))
	s.mux.HandleFunc(executor.RouteSearchReplace, jsonHandler(s.exec.SearchReplace))
	s.mux.HandleFunc(executor.RouteDeleteFile, pathHandler(s.exec.DeleteFile))
	s.mux.HandleFunc(executor.RouteListDirectory, pathHandler(s.exec.ListDirectory))
	s.mux.HandleFunc(executor.RouteGrep, jsonHandler(s.exec.Grep))
	s.mux.HandleFunc(executor.RouteSearchFiles, queryHandler(s.exec.SearchFiles))
	s.mux.HandleFunc(executor.RouteWebSearch, queryHandler(s.exec.WebSearch))
	s.mux.HandleFunc(executor.RouteSemanticSearch, queryHandler(s.exec.SemanticSearch))

	s.mux.HandleFunc(executor.RouteGitStatus, s.handleGitStatus)
	s.mux.HandleFunc(executor.RouteGitDiff, s.handleGitDiff)
	s.mux.HandleFunc(executor.RouteGitCommit, s.handleGitCommit)
	s.mux.HandleFunc(executor.RouteGitPush, s.handleGitPush)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Terminal exposes the transcript, used by tests.
func (s *Server) Terminal() *TerminalLog { return s.terminal }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// jsonHandler adapts an executor method taking a decoded request struct.
func jsonHandler[T any](fn func(context.Context, T) executor.Result) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req T
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeResult(w, executor.Failure("invalid request body: %v", err))
			return
		}
		writeResult(w, fn(r.Context(), req))
	}
}

// pathHandler adapts an executor method taking a single path.
func pathHandler(fn func(context.Context, string) executor.Result) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeResult(w, executor.Failure("invalid request body: %v", err))
			return
		}
		writeResult(w, fn(r.Context(), req.Path))
	}
}

// queryHandler adapts an executor method taking a single query.
func queryHandler(fn func(context.Context, string) executor.Result) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query string `json:"query"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeResult(w, executor.Failure("invalid request body: %v", err))
			return
		}
		writeResult(w, fn(r.Context(), req.Query))
	}
}

// commandRequest mirrors the wire shape the remote executor sends.
type commandRequest struct {
	Command      string `json:"command"`
	IsBackground bool   `json:"isBackground"`
	TimeoutMs    int64  `json:"timeout"`
}

func (c commandRequest) toExecutor() executor.CommandRequest {
	return executor.CommandRequest{
		Command:      c.Command,
		IsBackground: c.IsBackground,
		Timeout:      time.Duration(c.TimeoutMs) * time.Millisecond,
	}
}

func (s *Server) handleExecuteCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResult(w, executor.Failure("invalid request body: %v", err))
		return
	}
	s.terminal.Append(EntryCommand, req.Command)

	result := s.exec.RunCommand(r.Context(), req.toExecutor())
	if stdout, ok := result.Data["stdout"].(string); ok && stdout != "" {
		s.terminal.Append(EntryStdout, stdout)
	}
	if stderr, ok := result.Data["stderr"].(string); ok && stderr != "" {
		s.terminal.Append(EntryStderr, stderr)
	}
	if !result.OK {
		s.terminal.Append(EntrySystem, result.Message)
	}
	writeResult(w, result)
}

// handleExecuteCommandStream runs a command and streams output lines as SSE
// events, ending with a final result event.
func (s *Server) handleExecuteCommandStream(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResult(w, executor.Failure("invalid request body: %v", err))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeResult(w, executor.Failure("streaming unsupported"))
		return
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = executor.DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	s.terminal.Append(EntryCommand, req.Command)

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", req.Command)
	cmd.Dir = s.workspace
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		sendSSE(w, flusher, "error", map[string]any{"message": err.Error()})
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		sendSSE(w, flusher, "error", map[string]any{"message": err.Error()})
		return
	}
	if err := cmd.Start(); err != nil {
		sendSSE(w, flusher, "error", map[string]any{"message": err.Error()})
		return
	}

	lines := make(chan Entry, 64)
	scan := func(entryType EntryType, r *bufio.Scanner) {
		for r.Scan() {
			entry := s.terminal.Append(entryType, r.Text())
			select {
			case lines <- entry:
			case <-ctx.Done():
				return
			}
		}
	}
	done := make(chan error, 1)
	go func() {
		outScan := bufio.NewScanner(stdout)
		errScan := bufio.NewScanner(stderr)
		go scan(EntryStderr, errScan)
		scan(EntryStdout, outScan)
		done <- cmd.Wait()
	}()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case entry := <-lines:
			sendSSE(w, flusher, "output", entry)
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case err := <-done:
			// Drain anything the scanners got in before exit.
			for {
				select {
				case entry := <-lines:
					sendSSE(w, flusher, "output", entry)
					continue
				default:
				}
				break
			}
			exitCode := 0
			if err != nil {
				if exitErr, ok := err.(*exec.ExitError); ok {
					exitCode = exitErr.ExitCode()
				} else {
					exitCode = -1
				}
			}
			sendSSE(w, flusher, "result", map[string]any{
				"success":  err == nil,
				"exitCode": exitCode,
			})
			return
		case <-ctx.Done():
			s.terminal.Append(EntrySystem, "command cancelled: "+ctx.Err().Error())
			sendSSE(w, flusher, "error", map[string]any{"message": ctx.Err().Error()})
			return
		}
	}
}

func (s *Server) handleTerminalHistory(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"entries": s.terminal.Entries()})
}

func (s *Server) handleTerminalClear(w http.ResponseWriter, r *http.Request) {
	s.terminal.Clear()
	writeResult(w, executor.Success("terminal cleared", nil))
}

// handleTerminalStream replays history then follows the live transcript as
// SSE events until the client disconnects.
func (s *Server) handleTerminalStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeResult(w, executor.Failure("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	sub := s.terminal.Subscribe()
	defer s.terminal.Unsubscribe(sub)

	for _, entry := range s.terminal.Entries() {
		sendSSE(w, flusher, "entry", entry)
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case entry, ok := <-sub:
			if !ok {
				return
			}
			sendSSE(w, flusher, "entry", entry)
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleGitStatus(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.exec.GitStatus(r.Context()))
}

func (s *Server) handleGitDiff(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Base string `json:"base"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResult(w, executor.Failure("invalid request body: %v", err))
		return
	}
	writeResult(w, s.exec.GitDiff(r.Context(), req.Base))
}

func (s *Server) handleGitCommit(w http.ResponseWriter, r *http.Request) {
	var req executor.GitCommitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResult(w, executor.Failure("invalid request body: %v", err))
		return
	}
	sha, err := s.git.CommitIfAny(r.Context(), req.Branch, gitops.CommitContext{
		UserName:  req.UserName,
		UserEmail: req.UserEmail,
	})
	if err != nil {
		writeResult(w, executor.Failure("commit failed: %v", err))
		return
	}
	if sha == "" {
		writeResult(w, executor.Success("nothing to commit", nil))
		return
	}
	writeResult(w, executor.Success("committed", map[string]any{"commitSha": sha}))
}

func (s *Server) handleGitPush(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Branch      string `json:"branch"`
		SetUpstream bool   `json:"setUpstream"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResult(w, executor.Failure("invalid request body: %v", err))
		return
	}
	if err := s.git.Push(r.Context(), req.Branch, req.SetUpstream); err != nil {
		writeResult(w, executor.Failure("push failed: %v", err))
		return
	}
	writeResult(w, executor.Success("pushed", map[string]any{"branch": req.Branch}))
}

func writeResult(w http.ResponseWriter, result executor.Result) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

func sendSSE(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}
