// Package web serves the Shadow HTTP API: task CRUD, message operations,
// the websocket event feed, and the GitHub webhook sink.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shadowrealm-ai/shadow/internal/agent"
	"github.com/shadowrealm-ai/shadow/internal/store"
	"github.com/shadowrealm-ai/shadow/pkg/models"
)

// TaskKernel is the slice of the stream kernel the API drives. *agent.Kernel
// satisfies it; tests use fakes.
type TaskKernel interface {
	ProcessUserMessage(ctx context.Context, params agent.ProcessParams) error
	StopStream(taskID string)
	EditUserMessage(ctx context.Context, taskID, messageID, newText, newModel, workspacePath string) error
	CreateStackedPR(ctx context.Context, params agent.StackedParams) (*models.Task, error)
	ArchiveTasksForPR(ctx context.Context, repoFullName string, prNumber int) (int, error)
	CleanupTask(taskID string)
}

// Config holds API server configuration.
type Config struct {
	Store  store.Store
	Kernel TaskKernel
	Hub    *Hub

	// WebhookSecret verifies GitHub webhook signatures. Empty disables the
	// webhook endpoint.
	WebhookSecret string

	// DefaultModel seeds tasks created without an explicit model.
	DefaultModel string

	// AllowedOrigins for CORS; empty allows none.
	AllowedOrigins []string

	Logger *slog.Logger
}

// Server is the Shadow API HTTP handler.
type Server struct {
	cfg    *Config
	mux    *http.ServeMux
	logger *slog.Logger
}

// NewServer creates the API handler.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil || cfg.Store == nil || cfg.Kernel == nil {
		return nil, errors.New("web server requires a store and a kernel")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "web")
	}
	s := &Server{
		cfg:    cfg,
		mux:    http.NewServeMux(),
		logger: cfg.Logger,
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/api/tasks", s.handleTasks)
	s.mux.HandleFunc("/api/tasks/", s.handleTask)
	s.mux.HandleFunc("/webhooks/github", s.handleGitHubWebhook)
	if s.cfg.Hub != nil {
		s.mux.HandleFunc("/ws/tasks/", s.cfg.Hub.ServeWS)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Mount returns the handler with middleware applied.
func (s *Server) Mount() http.Handler {
	var handler http.Handler = s
	if len(s.cfg.AllowedOrigins) > 0 {
		handler = CORSMiddleware(s.cfg.AllowedOrigins)(handler)
	}
	handler = MetricsMiddleware()(handler)
	handler = LoggingMiddleware(s.logger)(handler)
	return handler
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// createTaskRequest is the POST /api/tasks body.
type createTaskRequest struct {
	UserID       string `json:"userId"`
	Title        string `json:"title"`
	RepoFullName string `json:"repoFullName"`
	RepoURL      string `json:"repoUrl"`
	BaseBranch   string `json:"baseBranch"`
	Model        string `json:"model"`
	Message      string `json:"message"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.RepoFullName == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "userId, repoFullName, and message are required")
		return
	}
	if req.BaseBranch == "" {
		req.BaseBranch = "main"
	}
	if req.Title == "" {
		req.Title = firstLine(req.Message)
	}
	model := req.Model
	if model == "" {
		model = s.cfg.DefaultModel
	}

	task := &models.Task{
		UserID:       req.UserID,
		Title:        req.Title,
		RepoFullName: req.RepoFullName,
		RepoURL:      req.RepoURL,
		BaseBranch:   req.BaseBranch,
		ShadowBranch: agent.BranchNameFromTitle(req.Title),
		MainModel:    model,
		Status:       models.TaskInitializing,
		InitStatus:   models.InitInactive,
	}
	if err := s.cfg.Store.CreateTask(r.Context(), task); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// First turn runs in the background; clients follow it over the
	// websocket feed.
	go func() {
		if err := s.cfg.Kernel.ProcessUserMessage(context.WithoutCancel(r.Context()), agent.ProcessParams{
			TaskID:      task.ID,
			Text:        req.Message,
			EnableTools: true,
		}); err != nil {
			s.logger.Error("initial turn failed", "task_id", task.ID, "error", err)
		}
	}()

	writeJSON(w, http.StatusCreated, task)
}

// handleTask routes /api/tasks/{id} and its sub-resources.
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	taskID, sub, _ := strings.Cut(rest, "/")
	if taskID == "" {
		writeError(w, http.StatusNotFound, "task id required")
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		s.getTask(w, r, taskID)
	case sub == "" && r.Method == http.MethodDelete:
		s.archiveTask(w, r, taskID)
	case sub == "messages" && r.Method == http.MethodGet:
		s.listMessages(w, r, taskID)
	case sub == "messages" && r.Method == http.MethodPost:
		s.postMessage(w, r, taskID)
	case strings.HasPrefix(sub, "messages/") && strings.HasSuffix(sub, "/edit") && r.Method == http.MethodPost:
		messageID := strings.TrimSuffix(strings.TrimPrefix(sub, "messages/"), "/edit")
		s.editMessage(w, r, taskID, messageID)
	case sub == "stop" && r.Method == http.MethodPost:
		s.stopTask(w, r, taskID)
	case sub == "stacked" && r.Method == http.MethodPost:
		s.createStacked(w, r, taskID)
	case sub == "todos" && r.Method == http.MethodGet:
		s.listTodos(w, r, taskID)
	case sub == "snapshots" && r.Method == http.MethodGet:
		s.listSnapshots(w, r, taskID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request, taskID string) {
	task, err := s.cfg.Store.GetTask(r.Context(), taskID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) archiveTask(w http.ResponseWriter, r *http.Request, taskID string) {
	task, err := s.cfg.Store.GetTask(r.Context(), taskID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.cfg.Kernel.StopStream(task.ID)
	if task.CanTransition(models.TaskArchived) {
		task.Status = models.TaskArchived
		task.ScheduledCleanupAt = nil
		if err := s.cfg.Store.UpdateTask(r.Context(), task); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	s.cfg.Kernel.CleanupTask(task.ID)
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request, taskID string) {
	history, err := s.cfg.Store.History(r.Context(), taskID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": history})
}

// postMessageRequest is the POST /api/tasks/{id}/messages body.
type postMessageRequest struct {
	Message string `json:"message"`
	Model   string `json:"model"`
	Queue   bool   `json:"queue"`
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request, taskID string) {
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	go func() {
		if err := s.cfg.Kernel.ProcessUserMessage(context.WithoutCancel(r.Context()), agent.ProcessParams{
			TaskID:      taskID,
			Text:        req.Message,
			Model:       req.Model,
			Queue:       req.Queue,
			EnableTools: true,
		}); err != nil {
			s.logger.Error("turn failed", "task_id", taskID, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// editMessageRequest is the POST .../messages/{id}/edit body.
type editMessageRequest struct {
	Message       string `json:"message"`
	Model         string `json:"model"`
	WorkspacePath string `json:"workspacePath"`
}

func (s *Server) editMessage(w http.ResponseWriter, r *http.Request, taskID, messageID string) {
	var req editMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	task, err := s.cfg.Store.GetTask(r.Context(), taskID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	workspace := req.WorkspacePath
	if workspace == "" {
		workspace = task.WorkspacePath
	}

	go func() {
		if err := s.cfg.Kernel.EditUserMessage(context.WithoutCancel(r.Context()), taskID, messageID, req.Message, req.Model, workspace); err != nil {
			s.logger.Error("edit failed", "task_id", taskID, "message_id", messageID, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) stopTask(w http.ResponseWriter, r *http.Request, taskID string) {
	s.cfg.Kernel.StopStream(taskID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

// stackedRequest is the POST /api/tasks/{id}/stacked body.
type stackedRequest struct {
	UserID  string `json:"userId"`
	Message string `json:"message"`
	Model   string `json:"model"`
	Queue   bool   `json:"queue"`
}

func (s *Server) createStacked(w http.ResponseWriter, r *http.Request, taskID string) {
	var req stackedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	child, err := s.cfg.Kernel.CreateStackedPR(r.Context(), agent.StackedParams{
		ParentTaskID: taskID,
		Text:         req.Message,
		Model:        req.Model,
		UserID:       req.UserID,
		Queue:        req.Queue,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if child == nil {
		// Queued behind the parent's active stream.
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		return
	}
	writeJSON(w, http.StatusCreated, child)
}

func (s *Server) listTodos(w http.ResponseWriter, r *http.Request, taskID string) {
	todos, err := s.cfg.Store.GetTodos(r.Context(), taskID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"todos": todos})
}

func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request, taskID string) {
	snapshots, err := s.cfg.Store.ListSnapshots(r.Context(), taskID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snapshots})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	const max = 80
	if len(line) > max {
		line = line[:max]
	}
	return line
}

// Serve runs an http.Server until ctx ends, then drains with a grace period.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("forced shutdown", "addr", addr, "error", err)
		return srv.Close()
	}
	return nil
}
