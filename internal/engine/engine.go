// Package engine runs the poll loop: capture a repository snapshot,
// diff it against the stored watermarks, and fan the resulting events
// out to the branch and deployment workers. Workers never call each
// other; the only shared state is the store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/benghita/gitops-engine/internal/branch"
	"github.com/benghita/gitops-engine/internal/deploy"
	"github.com/benghita/gitops-engine/internal/detect"
	"github.com/benghita/gitops-engine/internal/host"
	"github.com/benghita/gitops-engine/internal/logging"
	"github.com/benghita/gitops-engine/internal/metrics"
	"github.com/benghita/gitops-engine/internal/policy"
	"github.com/benghita/gitops-engine/internal/report"
)

// Config carries the loop settings.
type Config struct {
	ProtectedBranch string
	// PollInterval is the pause between snapshot cycles.
	PollInterval time.Duration
	// HistoryWindow bounds how far back commit listings reach.
	HistoryWindow time.Duration
	// ReportInterval is how often a report artifact is written,
	// 0 disables periodic reports.
	ReportInterval time.Duration
	// ReportWindow is the metrics lookback passed to the aggregator.
	ReportWindow time.Duration
	// HostRPS and HostBurst bound snapshot captures against the host.
	HostRPS   float64
	HostBurst int
}

func (c *Config) applyDefaults() {
	if c.ProtectedBranch == "" {
		c.ProtectedBranch = "main"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 7 * 24 * time.Hour
	}
	if c.ReportWindow <= 0 {
		c.ReportWindow = c.HistoryWindow
	}
	if c.HostRPS <= 0 {
		c.HostRPS = 1
	}
	if c.HostBurst <= 0 {
		c.HostBurst = 5
	}
}

// Engine owns one repository's coordination loop.
type Engine struct {
	hst      host.Host
	repo     host.Repo
	detector *detect.Detector
	branches *branch.Manager
	deploys  *deploy.Controller
	sink     report.Sink
	logger   *logging.Logger
	metrics  *metrics.Metrics
	limiter  *rate.Limiter
	cfg      Config
}

func New(h host.Host, repo host.Repo, d *detect.Detector, b *branch.Manager, dep *deploy.Controller, sink report.Sink, logger *logging.Logger, m *metrics.Metrics, cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		hst:      h,
		repo:     repo,
		detector: d,
		branches: b,
		deploys:  dep,
		sink:     sink,
		logger:   logger.Named("engine"),
		metrics:  m,
		limiter:  rate.NewLimiter(rate.Limit(cfg.HostRPS), cfg.HostBurst),
		cfg:      cfg,
	}
}

// Run polls until the context is canceled. Cycle errors are logged and
// counted, never fatal: a transient host outage must not stop the loop.
func (e *Engine) Run(ctx context.Context) error {
	ctx = logging.WithRepository(ctx, e.repo.String())
	e.logger.Info(ctx, "engine started",
		zap.String("protected_branch", e.cfg.ProtectedBranch),
		zap.Duration("poll_interval", e.cfg.PollInterval))

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	var reportC <-chan time.Time
	if e.cfg.ReportInterval > 0 && e.sink != nil {
		reportTicker := time.NewTicker(e.cfg.ReportInterval)
		defer reportTicker.Stop()
		reportC = reportTicker.C
	}

	// First cycle runs immediately so a fresh process establishes its
	// watermarks without waiting a full interval.
	e.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info(ctx, "engine stopped")
			return nil
		case <-ticker.C:
			e.runCycle(ctx)
		case <-reportC:
			if err := e.writeReport(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error(ctx, "report generation failed", zap.Error(err))
			}
		}
	}
}

func (e *Engine) runCycle(ctx context.Context) {
	ctx = logging.WithRunID(ctx, uuid.NewString())
	start := time.Now()

	err := e.cycle(ctx)
	e.metrics.ObservePoll(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		e.metrics.RecordPollError()
		e.logger.Error(ctx, "poll cycle failed", zap.Error(err))
	}
}

// Cycle performs one snapshot-diff-dispatch pass. Exported for callers
// that drive the loop themselves (one-shot CLI runs, tests).
func (e *Engine) Cycle(ctx context.Context) error {
	ctx = logging.WithRepository(ctx, e.repo.String())
	return e.cycle(ctx)
}

func (e *Engine) cycle(ctx context.Context) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}

	since := time.Now().UTC().Add(-e.cfg.HistoryWindow)
	snap, err := host.CaptureSnapshot(ctx, e.hst, e.repo, e.cfg.ProtectedBranch, since)
	if err != nil {
		return fmt.Errorf("capturing snapshot: %w", err)
	}

	events, err := e.detector.Diff(logging.WithWorker(ctx, "detector"), snap)
	if err != nil {
		return fmt.Errorf("diffing snapshot: %w", err)
	}

	for _, ev := range events {
		e.dispatch(ctx, ev)
	}

	return e.audit(ctx, snap)
}

func (e *Engine) dispatch(ctx context.Context, ev detect.Event) {
	e.metrics.RecordEvent(string(ev.Type))

	switch ev.Type {
	case detect.EventCommitDetected:
		if o := policy.ValidateCommitMessage(ev.Message); !o.Valid() {
			e.metrics.RecordViolation(o.Rule)
			e.logger.Warn(ctx, "non-compliant commit message",
				zap.String("sha", ev.SHA),
				zap.String("rule", o.Rule),
				zap.String("explanation", o.Explanation))
		}

	case detect.EventPullRequestOpened:
		e.logger.Info(ctx, "pull request opened",
			zap.Int("number", ev.PRNumber),
			zap.String("branch", ev.Branch))

	case detect.EventPullRequestMerged:
		// Only merges into the protected branch deploy.
		if ev.Branch != e.cfg.ProtectedBranch {
			return
		}
		ctx = logging.WithWorker(ctx, "deploy")
		rec, err := e.deploys.HandleMerge(ctx, ev.SHA)
		switch {
		case errors.Is(err, deploy.ErrAlreadyTriggered):
			e.metrics.RecordDeploymentSkip()
			e.logger.Debug(ctx, "deployment already recorded",
				zap.String("sha", ev.SHA))
		case err != nil:
			e.logger.Error(ctx, "deployment handling failed",
				zap.String("sha", ev.SHA), zap.Error(err))
		default:
			e.metrics.RecordDeployment(string(rec.Status))
		}
	}
}

func (e *Engine) audit(ctx context.Context, snap *host.Snapshot) error {
	ctx = logging.WithWorker(ctx, "branch")
	openPRBranches := make(map[string]bool, len(snap.OpenPRs))
	for _, pr := range snap.OpenPRs {
		openPRBranches[pr.Branch] = true
	}

	stale, err := e.branches.AuditBranches(ctx, snap.BranchNames(), openPRBranches)
	if err != nil {
		return fmt.Errorf("auditing branches: %w", err)
	}
	e.metrics.SetStaleBranches(len(stale))
	return nil
}

// writeReport aggregates current state into a report artifact.
func (e *Engine) writeReport(ctx context.Context) error {
	ctx = logging.WithWorker(ctx, "report")
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}

	since := time.Now().UTC().Add(-e.cfg.ReportWindow)
	snap, err := host.CaptureSnapshot(ctx, e.hst, e.repo, e.cfg.ProtectedBranch, since)
	if err != nil {
		return fmt.Errorf("capturing snapshot: %w", err)
	}

	branches, err := e.branches.List(ctx)
	if err != nil {
		return err
	}
	deployments, err := e.deploys.List(ctx)
	if err != nil {
		return err
	}

	m := report.GenerateMetrics(snap, branches, deployments, e.cfg.ReportWindow)
	// Dumping every violation is only worth the reflection cost when
	// someone is actually reading debug output.
	if e.logger.Enabled(zapcore.DebugLevel) {
		e.logger.Debug(ctx, "report computed", zap.Any("violations", m.Violations))
	}
	path, err := e.sink.Write(ctx, "governance", m)
	if err != nil {
		return fmt.Errorf("writing report: %w", err)
	}

	e.logger.Info(ctx, "report written",
		zap.String("path", path),
		zap.Int("violations", m.ViolationCount),
		zap.Int("stale_branches", len(m.StaleBranches)))
	return nil
}

// Report generates and writes one report immediately.
func (e *Engine) Report(ctx context.Context) error {
	ctx = logging.WithRepository(ctx, e.repo.String())
	return e.writeReport(ctx)
}
