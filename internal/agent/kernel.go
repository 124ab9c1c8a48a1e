// Package agent contains the task stream kernel: the per-task subsystem that
// owns the in-flight model stream, folds its chunks into durable messages,
// queues or pre-empts follow-up user actions, and drives the commit, push,
// and pull-request side-effects after a stream completes.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shadowrealm-ai/shadow/internal/checkpoint"
	"github.com/shadowrealm-ai/shadow/internal/executor"
	"github.com/shadowrealm-ai/shadow/internal/gitops"
	"github.com/shadowrealm-ai/shadow/internal/llm"
	"github.com/shadowrealm-ai/shadow/internal/pr"
	"github.com/shadowrealm-ai/shadow/internal/sandbox"
	"github.com/shadowrealm-ai/shadow/internal/store"
	"github.com/shadowrealm-ai/shadow/internal/tools"
	"github.com/shadowrealm-ai/shadow/pkg/models"
)

// interruptWindow is how long an interrupt waits for the cancelled stream to
// wind down before proceeding anyway.
const interruptWindow = 2 * time.Second

// GitRunner is the git capability the kernel drives after a stream: state
// reads for the PR worker plus commit-if-any.
type GitRunner interface {
	pr.GitState
	CommitIfAny(ctx context.Context, branch string, commitCtx gitops.CommitContext) (string, error)
}

// PRWorker maintains the task's draft pull request.
type PRWorker interface {
	CreateOrUpdate(ctx context.Context, task *models.Task, git pr.GitState, messageID string) error
}

// TokenSource provides GitHub tokens for sandbox clones.
type TokenSource interface {
	Token(ctx context.Context, userID string) (string, error)
}

// Workspace bundles the per-task execution surface the kernel streams
// against.
type Workspace struct {
	Path     string
	Executor executor.Executor
	Git      GitRunner
}

// WorkspaceFactory builds the workspace surface for a ready task. The
// default factory wires local or sidecar-backed implementations depending on
// the sandbox mode; tests inject their own.
type WorkspaceFactory func(task *models.Task, handle *sandbox.Handle) (*Workspace, error)

// Options wires a Kernel.
type Options struct {
	Store       store.Store
	Providers   *llm.Registry
	Contexts    *ContextService
	Sandbox     sandbox.Controller
	Checkpoints *checkpoint.Store
	Emitter     Emitter
	Tokens      TokenSource
	PRWorker    PRWorker
	MCP         MCPDispatcher
	Logger      *slog.Logger

	// NewWorkspace overrides workspace construction; required.
	NewWorkspace WorkspaceFactory

	SystemPrompt string
	MaxSteps     int
	MaxTokens    int
	CleanupDelay time.Duration
	ReadyTimeout time.Duration
	AutoPR       bool

	// StackedStartDelay spaces a stacked child's first stream from its
	// sandbox creation.
	StackedStartDelay time.Duration
}

// taskState is the kernel's in-memory record for one task.
type taskState struct {
	mu            sync.Mutex
	streaming     bool
	cancel        context.CancelFunc
	done          chan struct{}
	stopRequested bool
	queued        *models.QueuedAction
}

// Kernel serializes all stream work per task: parallel across tasks,
// strictly serial within one.
type Kernel struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	tasks map[string]*taskState
}

// NewKernel creates a kernel.
func NewKernel(opts Options) (*Kernel, error) {
	if opts.Store == nil || opts.Providers == nil || opts.Contexts == nil {
		return nil, errors.New("kernel requires store, providers, and contexts")
	}
	if opts.NewWorkspace == nil {
		return nil, errors.New("kernel requires a workspace factory")
	}
	if opts.Emitter == nil {
		opts.Emitter = NopEmitter{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "kernel")
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 100
	}
	if opts.CleanupDelay <= 0 {
		opts.CleanupDelay = 10 * time.Minute
	}
	return &Kernel{
		opts:   opts,
		logger: opts.Logger,
		now:    time.Now,
		tasks:  make(map[string]*taskState),
	}, nil
}

func (k *Kernel) state(taskID string) *taskState {
	k.mu.Lock()
	defer k.mu.Unlock()
	st, ok := k.tasks[taskID]
	if !ok {
		st = &taskState{}
		k.tasks[taskID] = st
	}
	return st
}

// ProcessParams shapes one user turn.
type ProcessParams struct {
	TaskID string
	Text   string

	// Model overrides the task's main model for this and later turns.
	Model string

	// Queue defers the message until the active stream ends instead of
	// interrupting it.
	Queue bool

	// SkipPersist reuses an already-persisted user row (edit path).
	SkipPersist bool

	// WorkspacePath overrides the sandbox-provided workspace.
	WorkspacePath string

	EnableTools bool
}

// ProcessUserMessage runs one user turn end to end: follow-up handling,
// queue/interrupt resolution, persistence, streaming, side-effects, and
// queued-action drain.
func (k *Kernel) ProcessUserMessage(ctx context.Context, params ProcessParams) error {
	task, err := k.opts.Store.GetTask(ctx, params.TaskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if task.Status == models.TaskArchived {
		return fmt.Errorf("task %s is archived", task.ID)
	}

	st := k.state(task.ID)
	st.mu.Lock()
	if st.streaming {
		if params.Queue {
			st.queued = &models.QueuedAction{
				Kind:          models.QueuedMessage,
				Text:          params.Text,
				Model:         params.Model,
				WorkspacePath: params.WorkspacePath,
			}
			st.mu.Unlock()
			k.logger.Info("queued message behind active stream", "task_id", task.ID)
			return nil
		}
		// Interrupt: stop the running stream, drop whatever was queued.
		st.stopRequested = true
		st.queued = nil
		cancel, done := st.cancel, st.done
		st.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if done != nil {
			select {
			case <-done:
			case <-time.After(interruptWindow):
			}
		}
		st.mu.Lock()
	}
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	st.streaming = true
	st.stopRequested = false
	st.cancel = cancel
	st.done = make(chan struct{})
	done := st.done
	st.mu.Unlock()

	defer func() {
		cancel()
		st.mu.Lock()
		// An interrupter that outwaited the interrupt window has already
		// installed its own stream state; a superseded turn must not
		// clear fields that now belong to its replacement.
		if st.done == done {
			st.streaming = false
			st.cancel = nil
			st.done = nil
		}
		st.mu.Unlock()
		close(done)
	}()

	return k.runTurn(streamCtx, task, st, params)
}

// runTurn executes the turn once the kernel holds the stream slot.
func (k *Kernel) runTurn(ctx context.Context, task *models.Task, st *taskState, params ProcessParams) (err error) {
	spanModel := params.Model
	if spanModel == "" {
		spanModel = task.MainModel
	}
	ctx, span := startTurnSpan(ctx, task.ID, spanModel, params.Queue)
	defer func() { endSpan(span, err) }()

	// Follow-up logic: an inactive task re-initializes and sheds any
	// pending cleanup.
	if task.InitStatus == models.InitInactive {
		task.ScheduledCleanupAt = nil
		if task.CanTransition(models.TaskInitializing) {
			task.Status = models.TaskInitializing
		}
		if err := k.opts.Store.UpdateTask(ctx, task); err != nil {
			return fmt.Errorf("mark task initializing: %w", err)
		}
	}

	workspace, err := k.ensureWorkspace(ctx, task, params.WorkspacePath)
	if err != nil {
		return k.failTask(ctx, task, st, fmt.Errorf("initialize workspace: %w", err))
	}
	if task.InitStatus != models.InitActive {
		task.InitStatus = models.InitActive
		if err := k.opts.Store.UpdateTask(ctx, task); err != nil {
			return fmt.Errorf("mark task active: %w", err)
		}
	}

	model := params.Model
	if model == "" {
		model = task.MainModel
	}
	if model != task.MainModel {
		task.MainModel = model
		if err := k.opts.Store.UpdateTask(ctx, task); err != nil {
			return fmt.Errorf("persist model change: %w", err)
		}
	}
	taskCtx := k.opts.Contexts.For(task.ID, model)
	if err := taskCtx.Validate(OpStream); err != nil {
		return k.failTask(ctx, task, st, err)
	}

	var userMsg *models.Message
	if !params.SkipPersist {
		userMsg = &models.Message{TaskID: task.ID, Role: models.RoleUser, Content: params.Text}
		if err := k.opts.Store.AppendMessage(ctx, userMsg); err != nil {
			return k.failTask(ctx, task, st, fmt.Errorf("persist user message: %w", err))
		}
		// Snapshot the pre-turn workspace so editing this message can
		// rewind to it.
		if k.opts.Checkpoints != nil && workspace.Path != "" {
			if _, err := k.opts.Checkpoints.Take(ctx, task.ID, userMsg.ID, workspace.Path); err != nil {
				k.logger.Warn("checkpoint failed", "task_id", task.ID, "error", err)
			}
		}
	}

	system, history, err := k.buildHistory(ctx, task)
	if err != nil {
		return k.failTask(ctx, task, st, err)
	}

	if task.CanTransition(models.TaskRunning) {
		task.Status = models.TaskRunning
		task.ScheduledCleanupAt = nil
		task.LastActivityAt = k.now()
		if err := k.opts.Store.UpdateTask(ctx, task); err != nil {
			return fmt.Errorf("mark task running: %w", err)
		}
	}

	registry := tools.NewToolset(tools.ToolsetOptions{
		Executor: workspace.Executor,
		Store:    k.opts.Store,
		TaskID:   task.ID,
		EmitTodos: func(todos []models.Todo) {
			k.opts.Emitter.Emit(task.ID, Event{Kind: EventTodoUpdate, Data: map[string]any{"todos": todos}})
		},
	})

	req := &llm.Request{
		Model:     model,
		System:    system,
		Messages:  history,
		MaxTokens: k.opts.MaxTokens,
		Thinking:  llm.ProviderForModel(model) == llm.ProviderAnthropic,
	}
	if params.EnableTools {
		req.Tools = registry.Defs()
	}

	proc := newProcessor(k.opts.Store, k.opts.Emitter, k.logger, task, model)
	driver := &streamDriver{
		providers: k.opts.Providers,
		registry:  registry,
		proc:      proc,
		mcp:       k.opts.MCP,
		logger:    k.logger,
		maxSteps:  k.opts.MaxSteps,
	}

	outcome, streamErr := driver.run(ctx, req)

	// Terminal handling always runs on a fresh context; the stream context
	// may already be cancelled.
	finishCtx, finishCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer finishCancel()

	switch outcome {
	case outcomeCompleted:
		if err := proc.finalize(finishCtx); err != nil {
			return k.failTask(finishCtx, task, st, err)
		}
		k.transition(finishCtx, task, models.TaskCompleted, true)
		k.runSideEffects(finishCtx, task, taskCtx, workspace, proc.messageID())
	case outcomeStopped:
		if err := proc.finalize(finishCtx); err != nil {
			k.logger.Warn("finalize after stop failed", "task_id", task.ID, "error", err)
		}
		k.transition(finishCtx, task, models.TaskStopped, true)
	case outcomeError:
		k.transition(finishCtx, task, models.TaskFailed, true)
		st.mu.Lock()
		st.queued = nil
		st.mu.Unlock()
		k.logger.Error("stream failed", "task_id", task.ID, "error", streamErr)
	}

	k.drainQueued(finishCtx, task, st)
	return streamErr
}

// transition applies a status change through the state machine and
// optionally schedules cleanup.
func (k *Kernel) transition(ctx context.Context, task *models.Task, to models.TaskStatus, scheduleCleanup bool) {
	if !task.CanTransition(to) {
		k.logger.Warn("refused status transition", "task_id", task.ID, "from", task.Status, "to", to)
		return
	}
	task.Status = to
	if scheduleCleanup {
		at := k.now().Add(k.opts.CleanupDelay)
		task.ScheduledCleanupAt = &at
	}
	if err := k.opts.Store.UpdateTask(ctx, task); err != nil {
		k.logger.Error("failed to persist status transition", "task_id", task.ID, "to", to, "error", err)
	}
}

func (k *Kernel) failTask(ctx context.Context, task *models.Task, st *taskState, cause error) error {
	k.transition(ctx, task, models.TaskFailed, true)
	st.mu.Lock()
	st.queued = nil
	st.mu.Unlock()
	return cause
}

// ensureWorkspace provisions (or reuses) the sandbox and builds the
// execution surface against it.
func (k *Kernel) ensureWorkspace(ctx context.Context, task *models.Task, override string) (*Workspace, error) {
	if override != "" {
		return k.opts.NewWorkspace(task, &sandbox.Handle{Name: override, WorkspacePath: override})
	}
	if k.opts.Sandbox == nil {
		return k.opts.NewWorkspace(task, &sandbox.Handle{WorkspacePath: task.WorkspacePath})
	}

	status, err := k.opts.Sandbox.Status(ctx, task)
	if err != nil {
		return nil, err
	}
	if status == sandbox.StatusNotFound || status == sandbox.StatusFailed {
		token := ""
		if k.opts.Tokens != nil {
			if t, err := k.opts.Tokens.Token(ctx, task.UserID); err == nil {
				token = t
			} else {
				k.logger.Warn("no GitHub token for sandbox clone", "task_id", task.ID, "error", err)
			}
		}
		if _, err := k.opts.Sandbox.Create(ctx, task, token); err != nil {
			return nil, err
		}
	}
	handle, err := k.opts.Sandbox.WaitReady(ctx, task, k.opts.ReadyTimeout)
	if err != nil {
		return nil, err
	}
	if task.WorkspacePath != handle.WorkspacePath {
		task.WorkspacePath = handle.WorkspacePath
		if err := k.opts.Store.UpdateTask(ctx, task); err != nil {
			return nil, err
		}
	}
	return k.opts.NewWorkspace(task, handle)
}

// buildHistory assembles the prompt: persisted system messages first, then
// user and assistant turns by sequence. Stacked-child placeholder rows are
// excluded. When no system message exists yet the configured system prompt
// is persisted once so later turns skip the bootstrap.
func (k *Kernel) buildHistory(ctx context.Context, task *models.Task) (string, []llm.Message, error) {
	messages, err := k.opts.Store.History(ctx, task.ID)
	if err != nil {
		return "", nil, fmt.Errorf("load history: %w", err)
	}

	hasSystem := false
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			hasSystem = true
			break
		}
	}
	if !hasSystem && k.opts.SystemPrompt != "" {
		sys := &models.Message{TaskID: task.ID, Role: models.RoleSystem, Content: k.opts.SystemPrompt}
		if err := k.opts.Store.AppendMessage(ctx, sys); err != nil {
			return "", nil, fmt.Errorf("persist system bootstrap: %w", err)
		}
		messages = append(messages, sys)
	}

	var system strings.Builder
	var history []llm.Message
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(msg.Content)
		case models.RoleUser:
			if msg.StackedTaskID != "" {
				continue
			}
			history = append(history, llm.Message{Role: "user", Content: msg.Content})
		case models.RoleAssistant:
			turn := llm.Message{Role: "assistant", Content: msg.Content}
			var results []llm.ToolResultInput
			for _, part := range msg.Metadata.Parts {
				switch part.Kind {
				case models.PartToolCall:
					turn.ToolCalls = append(turn.ToolCalls, *part.ToolCall)
				case models.PartToolResult:
					results = append(results, llm.ToolResultInput{
						CallID:  part.ToolResult.ID,
						Content: string(part.ToolResult.Result),
					})
				}
			}
			history = append(history, turn)
			if len(results) > 0 {
				history = append(history, llm.Message{Role: "user", ToolResults: results})
			}
		}
	}
	return system.String(), history, nil
}

// runSideEffects drives commit, push, PR, after a completed stream. Failures
// degrade gracefully; they never retroactively fail the task.
func (k *Kernel) runSideEffects(ctx context.Context, task *models.Task, taskCtx *TaskContext, workspace *Workspace, messageID string) {
	if workspace.Git == nil {
		return
	}
	account, err := k.opts.Store.GetAccount(ctx, task.UserID)
	commitCtx := gitops.CommitContext{}
	if err == nil {
		commitCtx.UserName = account.GitHubLogin
		commitCtx.UserEmail = account.GitHubLogin + "@users.noreply.github.com"
	}

	sha, err := workspace.Git.CommitIfAny(ctx, task.ShadowBranch, commitCtx)
	if err != nil {
		k.logger.Warn("commit failed", "task_id", task.ID, "error", err)
		return
	}
	if sha == "" {
		return
	}
	k.logger.Info("committed stream changes", "task_id", task.ID, "commit", sha)

	if k.opts.AutoPR && k.opts.PRWorker != nil {
		if err := k.opts.PRWorker.CreateOrUpdate(ctx, task, workspace.Git, messageID); err != nil {
			k.logger.Warn("PR maintenance failed", "task_id", task.ID, "error", err)
		}
	}
}

// drainQueued pops and runs the single queued action after a terminal
// transition.
func (k *Kernel) drainQueued(ctx context.Context, task *models.Task, st *taskState) {
	st.mu.Lock()
	queued := st.queued
	st.queued = nil
	st.mu.Unlock()
	if queued == nil {
		return
	}

	k.logger.Info("draining queued action", "task_id", task.ID, "kind", queued.Kind)
	// The drained turn outlives the finishing one; detach its context.
	ctx = context.WithoutCancel(ctx)
	switch queued.Kind {
	case models.QueuedMessage:
		go func() {
			if err := k.ProcessUserMessage(ctx, ProcessParams{
				TaskID:        task.ID,
				Text:          queued.Text,
				Model:         queued.Model,
				WorkspacePath: queued.WorkspacePath,
				EnableTools:   true,
			}); err != nil {
				k.logger.Error("queued message failed", "task_id", task.ID, "error", err)
			}
		}()
	case models.QueuedStackedPR:
		go func() {
			if _, err := k.CreateStackedPR(ctx, StackedParams{
				ParentTaskID: task.ID,
				Text:         queued.StackedMessage,
				Model:        queued.StackedModel,
				UserID:       queued.UserID,
			}); err != nil {
				k.logger.Error("queued stacked PR failed", "task_id", task.ID, "error", err)
			}
		}()
	}
}

// StopStream requests a cooperative stop of the task's active stream.
func (k *Kernel) StopStream(taskID string) {
	st := k.state(taskID)
	st.mu.Lock()
	st.stopRequested = true
	cancel := st.cancel
	st.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// EditUserMessage rewrites a past user turn: the active stream stops, the
// workspace rewinds to that turn's checkpoint, the transcript tail above it
// is truncated, and the turn re-runs with the new text.
func (k *Kernel) EditUserMessage(ctx context.Context, taskID, messageID, newText, newModel, workspacePath string) error {
	st := k.state(taskID)
	st.mu.Lock()
	st.stopRequested = true
	st.queued = nil
	cancel, done := st.cancel, st.done
	st.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(interruptWindow):
		}
	}

	msg, err := k.opts.Store.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("load edited message: %w", err)
	}
	if msg.TaskID != taskID || msg.Role != models.RoleUser {
		return fmt.Errorf("message %s is not a user message of task %s", messageID, taskID)
	}

	if k.opts.Checkpoints != nil && workspacePath != "" {
		if err := k.opts.Checkpoints.Restore(ctx, messageID, workspacePath); err != nil {
			if !errors.Is(err, checkpoint.ErrNoCheckpoint) {
				return fmt.Errorf("restore checkpoint: %w", err)
			}
			k.logger.Info("no checkpoint for edited message", "message_id", messageID)
		}
	}

	now := k.now()
	msg.Content = newText
	msg.EditedAt = &now
	if err := k.opts.Store.UpdateMessage(ctx, msg); err != nil {
		return fmt.Errorf("update edited message: %w", err)
	}
	if err := k.opts.Store.TruncateAfter(ctx, taskID, msg.Sequence); err != nil {
		return fmt.Errorf("truncate history: %w", err)
	}

	return k.ProcessUserMessage(ctx, ProcessParams{
		TaskID:        taskID,
		Text:          newText,
		Model:         newModel,
		SkipPersist:   true,
		WorkspacePath: workspacePath,
		EnableTools:   true,
	})
}

// StackedParams shapes a stacked child task request.
type StackedParams struct {
	ParentTaskID string
	Text         string
	Model        string
	UserID       string
	Queue        bool
}

// CreateStackedPR creates a child task whose base branch is the parent's
// working branch, seeds its transcript, records the parent-side reference,
// and kicks off its first turn.
func (k *Kernel) CreateStackedPR(ctx context.Context, params StackedParams) (*models.Task, error) {
	parent, err := k.opts.Store.GetTask(ctx, params.ParentTaskID)
	if err != nil {
		return nil, fmt.Errorf("load parent task: %w", err)
	}

	st := k.state(parent.ID)
	st.mu.Lock()
	if st.streaming && params.Queue {
		st.queued = &models.QueuedAction{
			Kind:           models.QueuedStackedPR,
			StackedMessage: params.Text,
			StackedModel:   params.Model,
			UserID:         params.UserID,
		}
		st.mu.Unlock()
		k.logger.Info("queued stacked PR behind active stream", "task_id", parent.ID)
		return nil, nil
	}
	st.mu.Unlock()

	model := params.Model
	if model == "" {
		model = parent.MainModel
	}
	parentCtx := k.opts.Contexts.For(parent.ID, parent.MainModel)

	title := k.generateTitle(ctx, parentCtx, params.Text)
	child := &models.Task{
		UserID:       params.UserID,
		Title:        title,
		RepoFullName: parent.RepoFullName,
		RepoURL:      parent.RepoURL,
		BaseBranch:   parent.ShadowBranch,
		ShadowBranch: BranchNameFromTitle(title),
		MainModel:    model,
		Status:       models.TaskInitializing,
		InitStatus:   models.InitInactive,
	}
	if err := k.opts.Store.CreateTask(ctx, child); err != nil {
		return nil, fmt.Errorf("create stacked task: %w", err)
	}
	k.opts.Contexts.CopyContext(child.ID, parentCtx)

	seed := &models.Message{TaskID: child.ID, Role: models.RoleUser, Content: params.Text}
	if err := k.opts.Store.AppendMessage(ctx, seed); err != nil {
		return nil, fmt.Errorf("seed stacked task: %w", err)
	}
	reference := &models.Message{
		TaskID:        parent.ID,
		Role:          models.RoleUser,
		Content:       params.Text,
		StackedTaskID: child.ID,
	}
	if err := k.opts.Store.AppendMessage(ctx, reference); err != nil {
		return nil, fmt.Errorf("record stacked reference: %w", err)
	}

	go func() {
		if k.opts.StackedStartDelay > 0 {
			time.Sleep(k.opts.StackedStartDelay)
		}
		if err := k.ProcessUserMessage(context.WithoutCancel(ctx), ProcessParams{
			TaskID:      child.ID,
			Text:        params.Text,
			SkipPersist: true,
			EnableTools: true,
		}); err != nil {
			k.logger.Error("stacked task first turn failed", "task_id", child.ID, "error", err)
		}
	}()

	return child, nil
}

// generateTitle asks the mini model for a short task title, falling back to
// a truncation of the user text.
func (k *Kernel) generateTitle(ctx context.Context, taskCtx *TaskContext, text string) string {
	fallback := gitops.SanitizeSubject(text)
	if err := taskCtx.Validate(OpTitle); err != nil {
		return fallback
	}
	provider, err := k.opts.Providers.ForModel(taskCtx.ModelFor(OpTitle))
	if err != nil {
		return fallback
	}
	resp, err := provider.Complete(ctx, &llm.Request{
		Model:     taskCtx.ModelFor(OpTitle),
		System:    "Produce a short imperative title (at most 50 characters) for the coding task described by the user. Reply with the title only.",
		Messages:  []llm.Message{{Role: "user", Content: text}},
		MaxTokens: 64,
	})
	if err != nil || strings.TrimSpace(resp.Text) == "" {
		return fallback
	}
	return gitops.SanitizeSubject(resp.Text)
}

// BranchNameFromTitle derives a working branch name: shadow/<slug>-<6 hex>.
func BranchNameFromTitle(title string) string {
	slug := strings.ToLower(title)
	var b strings.Builder
	lastDash := true
	for _, r := range slug {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	s := strings.Trim(b.String(), "-")
	if len(s) > 40 {
		s = strings.Trim(s[:40], "-")
	}
	if s == "" {
		s = "task"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return "shadow/" + s + "-" + suffix
}

// ArchiveTasksForPR archives every non-archived task bound to a closed pull
// request. Returns how many tasks were archived.
func (k *Kernel) ArchiveTasksForPR(ctx context.Context, repoFullName string, prNumber int) (int, error) {
	tasks, err := k.opts.Store.ListTasksByPR(ctx, repoFullName, prNumber)
	if err != nil {
		return 0, err
	}
	archived := 0
	for _, task := range tasks {
		if task.Status == models.TaskArchived || !task.CanTransition(models.TaskArchived) {
			continue
		}
		k.StopStream(task.ID)
		task.Status = models.TaskArchived
		task.ScheduledCleanupAt = nil
		if err := k.opts.Store.UpdateTask(ctx, task); err != nil {
			k.logger.Error("failed to archive task", "task_id", task.ID, "error", err)
			continue
		}
		k.CleanupTask(task.ID)
		archived++
	}
	return archived, nil
}

// CleanupTask forgets the kernel's in-memory state for a task: any live
// stream is cancelled, the queued action dropped, the context cache cleared.
func (k *Kernel) CleanupTask(taskID string) {
	k.mu.Lock()
	st := k.tasks[taskID]
	delete(k.tasks, taskID)
	k.mu.Unlock()

	if st != nil {
		st.mu.Lock()
		st.queued = nil
		cancel := st.cancel
		st.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
	k.opts.Contexts.Forget(taskID)
}
