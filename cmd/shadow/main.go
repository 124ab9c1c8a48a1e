// Package main provides the CLI entry point for the Shadow control plane.
//
// Shadow runs autonomous coding tasks against isolated sandboxes. The server
// exposes the task HTTP API, streams model output over WebSockets, and drives
// the git, pull request, and cleanup side-effects for every task.
//
// # Basic Usage
//
// Start the server:
//
//	shadow serve --config shadow.yaml
//
// Apply database migrations:
//
//	shadow migrate --config shadow.yaml
//
// # Environment Variables
//
// Config values may reference environment variables with ${VAR} expansion,
// so API keys and the database URL never need to live in the file itself:
//
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - DATABASE_URL: Postgres DSN (empty selects the in-memory store)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shadowrealm-ai/shadow/internal/agent"
	"github.com/shadowrealm-ai/shadow/internal/checkpoint"
	"github.com/shadowrealm-ai/shadow/internal/config"
	"github.com/shadowrealm-ai/shadow/internal/executor"
	"github.com/shadowrealm-ai/shadow/internal/github"
	"github.com/shadowrealm-ai/shadow/internal/gitops"
	"github.com/shadowrealm-ai/shadow/internal/llm"
	"github.com/shadowrealm-ai/shadow/internal/pr"
	"github.com/shadowrealm-ai/shadow/internal/sandbox"
	"github.com/shadowrealm-ai/shadow/internal/store"
	"github.com/shadowrealm-ai/shadow/internal/web"
	"github.com/shadowrealm-ai/shadow/pkg/models"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "shadow",
		Short: "Shadow - autonomous coding task server",
		Long: `Shadow runs autonomous coding tasks against per-task sandboxes.

Each task gets its own working branch, an isolated workspace (a local
directory or a Kubernetes pod), and a live model stream. Completed streams
commit, push, and maintain a draft pull request automatically.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
	)

	return rootCmd
}

// buildServeCmd creates the "serve" command that starts the task server.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Shadow task server",
		Long: `Start the Shadow task server.

The server will:
1. Load configuration from the specified file
2. Connect to Postgres (or fall back to the in-memory store)
3. Initialize LLM providers (Anthropic, OpenAI)
4. Start the HTTP API, the WebSocket stream hub, and the metrics endpoint
5. Start the cleanup scheduler that tears down idle sandboxes

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  shadow serve

  # Start with custom config
  shadow serve --config /etc/shadow/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")

	return cmd
}

// buildMigrateCmd creates the "migrate" command that applies the Postgres
// schema. The schema is idempotent, so re-running is always safe.
func buildMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.Database.URL) == "" {
				return fmt.Errorf("database url is required to migrate")
			}
			st, err := openPostgres(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func openPostgres(cfg *config.Config) (*store.PostgresStore, error) {
	pool := store.DefaultPostgresConfig()
	if cfg.Database.MaxOpenConns > 0 {
		pool.MaxOpenConns = cfg.Database.MaxOpenConns
	}
	if cfg.Database.MaxIdleConns > 0 {
		pool.MaxIdleConns = cfg.Database.MaxIdleConns
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		pool.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	}
	return store.NewPostgresStore(cfg.Database.URL, pool)
}

func buildLogger(cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := buildLogger(cfg.Logging, debug)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage: Postgres when a URL is configured, in-memory otherwise.
	var st store.Store
	if strings.TrimSpace(cfg.Database.URL) != "" {
		pg, err := openPostgres(cfg)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		st = pg
		logger.Info("using postgres store")
	} else {
		st = store.NewMemoryStore()
		logger.Warn("no database url configured, using in-memory store")
	}

	registry, err := llm.NewRegistryFromConfig(llm.RegistryConfig{
		AnthropicAPIKey: cfg.LLM.AnthropicAPIKey,
		OpenAIAPIKey:    cfg.LLM.OpenAIAPIKey,
		DefaultModel:    cfg.LLM.DefaultModel,
	})
	if err != nil {
		return fmt.Errorf("llm providers: %w", err)
	}

	apiKeys := make(map[llm.ProviderName]string)
	if cfg.LLM.AnthropicAPIKey != "" {
		apiKeys[llm.ProviderAnthropic] = cfg.LLM.AnthropicAPIKey
	}
	if cfg.LLM.OpenAIAPIKey != "" {
		apiKeys[llm.ProviderOpenAI] = cfg.LLM.OpenAIAPIKey
	}
	contexts := agent.NewContextService(cfg.LLM.MiniModel, apiKeys, 0)

	tokens := github.NewTokenManager(st, cfg.GitHub.ClientID, cfg.GitHub.ClientSecret)

	var controller sandbox.Controller
	switch cfg.Sandbox.Mode {
	case "kubernetes":
		controller, err = sandbox.NewKubernetesController(cfg.Sandbox)
		if err != nil {
			return fmt.Errorf("kubernetes sandbox: %w", err)
		}
	default:
		controller = sandbox.NewLocalController(cfg.Workspace.BaseDir, logger)
	}

	checkpoints, err := checkpoint.Open(cfg.Workspace.CheckpointDir, logger)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer checkpoints.Close()

	hub := web.NewHub(logger, originChecker(cfg.Server.ClientURL))

	miniModel := cfg.LLM.MiniModel
	if miniModel == "" {
		miniModel = cfg.LLM.DefaultModel
	}
	commitGen := commitMessageGenerator(registry, miniModel)
	prGen := prCopyGenerator(registry, miniModel)

	prWorker := &prDispatcher{
		store:    st,
		tokens:   tokens,
		generate: prGen,
		logger:   logger.With("component", "pr"),
	}

	kernel, err := agent.NewKernel(agent.Options{
		Store:        st,
		Providers:    registry,
		Contexts:     contexts,
		Sandbox:      controller,
		Checkpoints:  checkpoints,
		Emitter:      hub,
		Tokens:       tokens,
		PRWorker:     prWorker,
		Logger:       logger.With("component", "kernel"),
		NewWorkspace: workspaceFactory(cfg, controller, commitGen),
		SystemPrompt: systemPrompt,
		MaxSteps:     cfg.LLM.MaxSteps,
		CleanupDelay: cfg.Cleanup.Delay,
		ReadyTimeout: cfg.Sandbox.ReadyTimeout,
		AutoPR:       true,
	})
	if err != nil {
		return fmt.Errorf("kernel: %w", err)
	}

	cleaner := agent.NewCleanupScheduler(st, controller, kernel,
		agent.WithTickInterval(cfg.Cleanup.TickInterval),
		agent.WithCleanupLogger(logger.With("component", "cleanup")),
	)
	go cleaner.Run(ctx)
	defer cleaner.Stop()

	var origins []string
	if cfg.Server.ClientURL != "" {
		origins = []string{cfg.Server.ClientURL}
	}
	api, err := web.NewServer(&web.Config{
		Store:          st,
		Kernel:         kernel,
		Hub:            hub,
		WebhookSecret:  cfg.GitHub.WebhookSecret,
		DefaultModel:   cfg.LLM.DefaultModel,
		AllowedOrigins: origins,
		Logger:         logger.With("component", "web"),
	})
	if err != nil {
		return fmt.Errorf("web server: %w", err)
	}

	if cfg.Server.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", web.MetricsHandler())
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort)
		go func() {
			if err := web.Serve(ctx, metricsAddr, metricsMux, logger.With("server", "metrics")); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	apiAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.APIPort)
	logger.Info("shadow server starting",
		"addr", apiAddr,
		"sandbox_mode", cfg.Sandbox.Mode,
		"default_model", cfg.LLM.DefaultModel,
	)
	return web.Serve(ctx, apiAddr, api.Mount(), logger.With("server", "api"))
}

// originChecker restricts WebSocket upgrades to the configured client URL.
// An empty URL accepts any origin, which is only sensible in development.
func originChecker(clientURL string) func(r *http.Request) bool {
	if strings.TrimSpace(clientURL) == "" {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || strings.HasPrefix(origin, clientURL)
	}
}

// workspaceFactory wires the per-task execution surface. Local mode runs
// tools directly against the workspace directory; kubernetes mode proxies
// everything through the task pod's sidecar.
func workspaceFactory(cfg *config.Config, controller sandbox.Controller, commitGen gitops.MessageGenerator) agent.WorkspaceFactory {
	kubernetesMode := cfg.Sandbox.Mode == "kubernetes"
	return func(task *models.Task, handle *sandbox.Handle) (*agent.Workspace, error) {
		path := handle.WorkspacePath
		if path == "" {
			path = task.WorkspacePath
		}
		if kubernetesMode {
			resolve := func(ctx context.Context) (string, error) {
				return controller.Address(ctx, task)
			}
			exec := executor.NewRemoteExecutor(resolve, path)
			return &agent.Workspace{
				Path:     path,
				Executor: exec,
				Git:      gitops.NewRemoteWorker(exec),
			}, nil
		}
		return &agent.Workspace{
			Path:     path,
			Executor: executor.NewLocalExecutor(path),
			Git: gitops.NewWorker(path,
				gitops.WithMessageGenerator(commitGen),
			),
		}, nil
	}
}

// commitMessageGenerator asks the mini model for a commit subject from the
// staged diff. Failures fall back inside the git worker.
func commitMessageGenerator(registry *llm.Registry, model string) gitops.MessageGenerator {
	return func(ctx context.Context, diff string) (string, error) {
		provider, err := registry.ForModel(model)
		if err != nil {
			return "", err
		}
		resp, err := provider.Complete(ctx, &llm.Request{
			Model:     model,
			System:    "Write a single imperative git commit subject (at most 72 characters) for this diff. Reply with the subject only.",
			Messages:  []llm.Message{{Role: "user", Content: truncate(diff, 8000)}},
			MaxTokens: 64,
		})
		if err != nil {
			return "", err
		}
		return gitops.SanitizeSubject(resp.Text), nil
	}
}

// prCopyGenerator produces PR title and description from the branch diff and
// recent commit subjects.
func prCopyGenerator(registry *llm.Registry, model string) pr.Generator {
	return func(ctx context.Context, diff string, commits []string) (pr.Generated, error) {
		provider, err := registry.ForModel(model)
		if err != nil {
			return pr.Generated{}, err
		}
		var prompt strings.Builder
		prompt.WriteString("Commits:\n")
		for _, subject := range commits {
			prompt.WriteString("- " + subject + "\n")
		}
		prompt.WriteString("\nDiff:\n")
		prompt.WriteString(truncate(diff, 8000))
		resp, err := provider.Complete(ctx, &llm.Request{
			Model: model,
			System: "Write pull request copy for this change. First line: a short " +
				"imperative title. Then a blank line, then a concise markdown description.",
			Messages:  []llm.Message{{Role: "user", Content: prompt.String()}},
			MaxTokens: 1024,
		})
		if err != nil {
			return pr.Generated{}, err
		}
		title, description, _ := strings.Cut(strings.TrimSpace(resp.Text), "\n")
		return pr.Generated{
			Title:       gitops.SanitizeSubject(title),
			Description: strings.TrimSpace(description),
		}, nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// prDispatcher builds a per-user GitHub client on demand and delegates to a
// PR worker. Tokens differ per task owner, so the worker cannot be shared.
type prDispatcher struct {
	store    store.Store
	tokens   *github.TokenManager
	generate pr.Generator
	logger   *slog.Logger
}

func (d *prDispatcher) CreateOrUpdate(ctx context.Context, task *models.Task, git pr.GitState, messageID string) error {
	httpClient, err := d.tokens.HTTPClient(ctx, task.UserID)
	if err != nil {
		return fmt.Errorf("github client for %s: %w", task.UserID, err)
	}
	worker := pr.NewWorker(d.store, github.NewClient(httpClient), d.generate, pr.WithLogger(d.logger))
	return worker.CreateOrUpdate(ctx, task, git, messageID)
}

// systemPrompt is the bootstrap system message persisted into each task's
// transcript on its first turn.
const systemPrompt = `You are Shadow, an autonomous coding agent working inside an isolated
sandbox that contains a checkout of the user's repository on a dedicated
working branch.

Use the available tools to read, search, and modify the code. Keep your
todo list current as you work. Make focused changes: the diff you leave
behind is committed and opened as a draft pull request automatically, so
never commit or push yourself. When the task is done, summarize what you
changed and why.`
