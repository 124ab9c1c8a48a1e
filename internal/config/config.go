// Package config loads the Shadow server configuration from YAML with
// environment-variable expansion.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for the Shadow server.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	GitHub    GitHubConfig    `yaml:"github"`
	LLM       LLMConfig       `yaml:"llm"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Cleanup   CleanupConfig   `yaml:"cleanup"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	APIPort     int    `yaml:"api_port"`
	SocketPort  int    `yaml:"socket_port"`
	MetricsPort int    `yaml:"metrics_port"`
	ClientURL   string `yaml:"client_url"`

	// MaxTasksPerUser caps concurrently live tasks per user (0 = unlimited).
	MaxTasksPerUser int `yaml:"max_tasks_per_user"`
}

type DatabaseConfig struct {
	// URL is a Postgres DSN. Empty selects the in-memory store.
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type GitHubConfig struct {
	ClientID      string `yaml:"client_id"`
	ClientSecret  string `yaml:"client_secret"`
	WebhookSecret string `yaml:"webhook_secret"`
}

type LLMConfig struct {
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	DefaultModel    string `yaml:"default_model"`
	MiniModel       string `yaml:"mini_model"`
	MaxSteps        int    `yaml:"max_steps"`
}

// SandboxConfig selects and parameterizes the sandbox backend. Mode "local"
// runs tools directly against workspace directories on this host; mode
// "kubernetes" provisions one pod per task.
type SandboxConfig struct {
	Mode string `yaml:"mode"`

	Namespace    string        `yaml:"namespace"`
	Image        string        `yaml:"image"`
	SidecarImage string        `yaml:"sidecar_image"`
	SidecarPort  int           `yaml:"sidecar_port"`
	NodeSelector string        `yaml:"node_selector"`
	Toleration   string        `yaml:"toleration"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`

	// In-cluster API access; empty values fall back to the service account.
	APIHost  string `yaml:"api_host"`
	APIPort  int    `yaml:"api_port"`
	APIToken string `yaml:"api_token"`

	CPULimit    string `yaml:"cpu_limit"`
	MemoryLimit string `yaml:"memory_limit"`
}

type WorkspaceConfig struct {
	// BaseDir is the root under which local-mode task workspaces live.
	BaseDir string `yaml:"base_dir"`

	// CheckpointDir holds content-addressed workspace snapshots.
	CheckpointDir string `yaml:"checkpoint_dir"`
}

type CleanupConfig struct {
	// Delay is how long after a terminal stream the sandbox survives.
	Delay time.Duration `yaml:"delay"`

	// TickInterval is the scheduler sweep period.
	TickInterval time.Duration `yaml:"tick_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file, expanding ${ENV} references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with all defaults applied and no file read.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.APIPort == 0 {
		cfg.Server.APIPort = 4000
	}
	if cfg.Server.SocketPort == 0 {
		cfg.Server.SocketPort = 4001
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.LLM.DefaultModel == "" {
		cfg.LLM.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.LLM.MiniModel == "" {
		cfg.LLM.MiniModel = "claude-3-5-haiku-20241022"
	}
	if cfg.LLM.MaxSteps == 0 {
		cfg.LLM.MaxSteps = 100
	}
	if cfg.Sandbox.Mode == "" {
		cfg.Sandbox.Mode = "local"
	}
	if cfg.Sandbox.Namespace == "" {
		cfg.Sandbox.Namespace = "shadow-sandboxes"
	}
	if cfg.Sandbox.SidecarPort == 0 {
		cfg.Sandbox.SidecarPort = 8371
	}
	if cfg.Sandbox.ReadyTimeout == 0 {
		cfg.Sandbox.ReadyTimeout = 300 * time.Second
	}
	if cfg.Sandbox.CPULimit == "" {
		cfg.Sandbox.CPULimit = "2"
	}
	if cfg.Sandbox.MemoryLimit == "" {
		cfg.Sandbox.MemoryLimit = "4Gi"
	}
	if cfg.Workspace.BaseDir == "" {
		cfg.Workspace.BaseDir = "/workspace"
	}
	if cfg.Workspace.CheckpointDir == "" {
		cfg.Workspace.CheckpointDir = "/var/lib/shadow/checkpoints"
	}
	if cfg.Cleanup.Delay == 0 {
		cfg.Cleanup.Delay = 10 * time.Minute
	}
	if cfg.Cleanup.TickInterval == 0 {
		cfg.Cleanup.TickInterval = 30 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func (c *Config) validate() error {
	switch c.Sandbox.Mode {
	case "local", "kubernetes":
	default:
		return fmt.Errorf("sandbox mode must be local or kubernetes, got %q", c.Sandbox.Mode)
	}
	if c.Sandbox.Mode == "kubernetes" && c.Sandbox.Image == "" {
		return errors.New("sandbox image is required in kubernetes mode")
	}
	return nil
}
