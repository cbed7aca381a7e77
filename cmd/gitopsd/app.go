package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/benghita/gitops-engine/internal/branch"
	"github.com/benghita/gitops-engine/internal/commit"
	"github.com/benghita/gitops-engine/internal/config"
	"github.com/benghita/gitops-engine/internal/deploy"
	"github.com/benghita/gitops-engine/internal/detect"
	"github.com/benghita/gitops-engine/internal/engine"
	"github.com/benghita/gitops-engine/internal/host"
	"github.com/benghita/gitops-engine/internal/host/githost"
	"github.com/benghita/gitops-engine/internal/host/localhost"
	"github.com/benghita/gitops-engine/internal/logging"
	"github.com/benghita/gitops-engine/internal/metrics"
	"github.com/benghita/gitops-engine/internal/report"
	"github.com/benghita/gitops-engine/internal/store"
)

// app holds the wired components shared by all commands.
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	store   store.Store
	hst     host.Host
	repo    host.Repo
	engine  *engine.Engine
	branch  *branch.Manager
	deploy  *deploy.Controller
	commit  *commit.Gate
	metrics *metrics.Metrics
}

// newApp loads config and wires the component graph.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}
	logCfg := logging.NewDefaultConfig()
	logCfg.Level = level
	logCfg.Format = cfg.Logging.Format
	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	m := metrics.New()

	fs, err := store.NewFileStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	s := store.Instrument(fs, m)

	repo := host.Repo{Owner: cfg.Repo.Owner, Name: cfg.Repo.Name}

	var hst host.Host
	switch cfg.Host.Kind {
	case "github":
		retry := &host.RetryConfig{
			MaxRetries:     cfg.Host.MaxRetries,
			InitialBackoff: cfg.Host.InitialBackoff.Duration(),
			MaxBackoff:     cfg.Host.MaxBackoff.Duration(),
		}
		hst, err = githost.New(ctx, repo, cfg.Host.Token, githost.WithRetryConfig(retry))
		if err != nil {
			return nil, fmt.Errorf("connecting to github: %w", err)
		}
	case "local":
		hst, err = localhost.Open(cfg.Host.Path)
		if err != nil {
			return nil, err
		}
		if repo.Owner == "" {
			repo = host.Repo{Owner: "local", Name: cfg.Host.Path}
		}
	default:
		return nil, fmt.Errorf("unknown host kind %q", cfg.Host.Kind)
	}

	storeRetry := store.RetryConfig{Attempts: cfg.Store.RetryAttempts}

	branches := branch.NewManager(s, logger, branch.Config{
		Retention:   cfg.Branches.Retention.Duration(),
		AllowDelete: cfg.Branches.AllowDelete,
		Retry:       storeRetry,
	})

	deploys := deploy.NewController(s, &deploy.MockTrigger{}, repo, hst, logger, deploy.Config{
		ProtectedBranch: cfg.Repo.ProtectedBranch,
		CreateIssue:     cfg.Deploy.CreateIssue,
		Retry:           storeRetry,
	})

	gate := commit.NewGate(hst, logger, commit.Config{
		Whitelist:       cfg.Commit.Whitelist,
		ProtectedBranch: cfg.Repo.ProtectedBranch,
	})

	sink, err := report.NewFileSink(cfg.Report.Dir)
	if err != nil {
		return nil, err
	}

	eng := engine.New(hst, repo, detect.New(s, logger), branches, deploys, sink, logger, m, engine.Config{
		ProtectedBranch: cfg.Repo.ProtectedBranch,
		PollInterval:    cfg.Engine.PollInterval.Duration(),
		HistoryWindow:   cfg.Report.Window.Duration(),
		ReportInterval:  24 * time.Hour,
		ReportWindow:    cfg.Report.Window.Duration(),
		HostRPS:         cfg.Engine.HostRPS,
		HostBurst:       cfg.Engine.HostBurst,
	})

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   s,
		hst:     hst,
		repo:    repo,
		engine:  eng,
		branch:  branches,
		deploy:  deploys,
		commit:  gate,
		metrics: m,
	}, nil
}

func (a *app) close() {
	_ = a.logger.Sync()
}
