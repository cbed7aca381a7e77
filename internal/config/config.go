// Package config provides configuration loading for the engine.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// envPrefix namespaces the engine's environment variables.
	envPrefix = "GITOPS_"
)

// Config is the engine configuration.
type Config struct {
	Repo     RepoConfig     `koanf:"repo"`
	Host     HostConfig     `koanf:"host"`
	Store    StoreConfig    `koanf:"store"`
	Branches BranchConfig   `koanf:"branches"`
	Commit   CommitConfig   `koanf:"commit"`
	Deploy   DeployConfig   `koanf:"deploy"`
	Report   ReportConfig   `koanf:"report"`
	Engine   EngineConfig   `koanf:"engine"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// RepoConfig identifies the governed repository.
type RepoConfig struct {
	Owner           string `koanf:"owner"`
	Name            string `koanf:"name"`
	ProtectedBranch string `koanf:"protected_branch"`
}

// HostConfig configures the repository host connection.
type HostConfig struct {
	// Kind selects the host implementation: "github" or "local".
	Kind  string `koanf:"kind"`
	Token Secret `koanf:"token"`

	// Path is the local repository path when Kind is "local".
	Path string `koanf:"path"`

	MaxRetries     int      `koanf:"max_retries"`
	InitialBackoff Duration `koanf:"initial_backoff"`
	MaxBackoff     Duration `koanf:"max_backoff"`
}

// StoreConfig configures the coordination store.
type StoreConfig struct {
	Path          string `koanf:"path"`
	RetryAttempts int    `koanf:"retry_attempts"`
}

// BranchConfig governs automation branch lifecycle.
type BranchConfig struct {
	// Retention is how long a branch may go unseen before audit marks
	// it stale.
	Retention Duration `koanf:"retention"`

	// AllowDelete gates the operator-authorized delete transition.
	// Audit never deletes regardless of this flag.
	AllowDelete bool `koanf:"allow_delete"`
}

// CommitConfig governs the commit gate.
type CommitConfig struct {
	// Whitelist is the set of directory prefixes automation may write to.
	Whitelist []string `koanf:"whitelist"`
}

// DeployConfig governs deployment triggering.
type DeployConfig struct {
	// CreateIssue files a host issue summarizing each triggered
	// deployment.
	CreateIssue bool `koanf:"create_issue"`
}

// ReportConfig governs report generation.
type ReportConfig struct {
	Dir    string   `koanf:"dir"`
	Window Duration `koanf:"window"`
}

// EngineConfig governs the worker loop.
type EngineConfig struct {
	PollInterval Duration `koanf:"poll_interval"`

	// HostRPS caps host queries per second across all workers.
	HostRPS   float64 `koanf:"host_rps"`
	HostBurst int     `koanf:"host_burst"`

	// ListenAddr serves /metrics and /healthz.
	ListenAddr string `koanf:"listen_addr"`
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Load reads configuration from an optional YAML file, then overrides with
// GITOPS_* environment variables.
//
// Environment variables use underscore separator and are uppercased with
// the section as the first token:
//
//	GITOPS_REPO_OWNER             -> repo.owner
//	GITOPS_REPO_PROTECTED_BRANCH  -> repo.protected_branch
//	GITOPS_HOST_TOKEN             -> host.token
//	GITOPS_ENGINE_POLL_INTERVAL   -> engine.poll_interval
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Strategy: strip the prefix, split on first underscore only
	// (section.field_name pattern), keep underscores in the field name.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// readConfigFile opens and size-checks a config file.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// applyDefaults fills unset fields with production defaults.
func applyDefaults(cfg *Config) {
	if cfg.Repo.ProtectedBranch == "" {
		cfg.Repo.ProtectedBranch = "main"
	}
	if cfg.Host.Kind == "" {
		cfg.Host.Kind = "github"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "memory/state.json"
	}
	if cfg.Store.RetryAttempts == 0 {
		cfg.Store.RetryAttempts = 5
	}
	if cfg.Branches.Retention == 0 {
		cfg.Branches.Retention = Duration(7 * 24 * time.Hour)
	}
	if len(cfg.Commit.Whitelist) == 0 {
		cfg.Commit.Whitelist = []string{"configs/", "infra/", "data/"}
	}
	if cfg.Report.Dir == "" {
		cfg.Report.Dir = "data/reports"
	}
	if cfg.Report.Window == 0 {
		cfg.Report.Window = Duration(7 * 24 * time.Hour)
	}
	if cfg.Engine.PollInterval == 0 {
		cfg.Engine.PollInterval = Duration(time.Minute)
	}
	if cfg.Engine.HostRPS == 0 {
		cfg.Engine.HostRPS = 1
	}
	if cfg.Engine.HostBurst == 0 {
		cfg.Engine.HostBurst = 5
	}
	if cfg.Engine.ListenAddr == "" {
		cfg.Engine.ListenAddr = ":9090"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Host.Kind {
	case "github":
		if c.Repo.Owner == "" || c.Repo.Name == "" {
			return fmt.Errorf("repo.owner and repo.name are required for the github host")
		}
	case "local":
		if c.Host.Path == "" {
			return fmt.Errorf("host.path is required for the local host")
		}
	default:
		return fmt.Errorf("host.kind must be 'github' or 'local', got %q", c.Host.Kind)
	}

	if c.Branches.Retention.Duration() <= 0 {
		return fmt.Errorf("branches.retention must be > 0")
	}
	if c.Engine.PollInterval.Duration() <= 0 {
		return fmt.Errorf("engine.poll_interval must be > 0")
	}
	if c.Engine.HostRPS <= 0 {
		return fmt.Errorf("engine.host_rps must be > 0")
	}
	if c.Store.RetryAttempts <= 0 {
		return fmt.Errorf("store.retry_attempts must be > 0")
	}

	return nil
}
