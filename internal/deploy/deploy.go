// Package deploy triggers pipeline runs for commits merged into the
// protected branch, at most once per commit.
//
// The idempotency key is the commit sha: the first controller to create
// the deployment:<sha> record wins and performs the trigger; everyone
// else observes ErrAlreadyTriggered. Status advances monotonically
// (triggered -> succeeded|failed) and is never reverted.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/benghita/gitops-engine/internal/host"
	"github.com/benghita/gitops-engine/internal/logging"
	"github.com/benghita/gitops-engine/internal/store"
)

// Status is the lifecycle state of a deployment record.
type Status string

const (
	StatusTriggered Status = "triggered"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further status advance is permitted.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// ErrAlreadyTriggered is returned when a deployment record for the
// commit already exists. Callers treat it as a skip, not a failure.
var ErrAlreadyTriggered = errors.New("deployment already triggered for commit")

// Record is the persisted deployment state for one merged commit.
type Record struct {
	CommitSHA   string    `json:"commit_sha"`
	PipelineID  string    `json:"pipeline_id,omitempty"`
	Status      Status    `json:"status"`
	TriggeredAt time.Time `json:"triggered_at"`
	Reason      string    `json:"reason,omitempty"`
}

// Config carries deployment controller settings.
type Config struct {
	// ProtectedBranch is the branch whose merges produce deployments.
	ProtectedBranch string
	// CreateIssue files a host issue summarizing each deployment.
	CreateIssue bool
	Retry       store.RetryConfig
}

// Controller drives the per-commit deployment state machine.
type Controller struct {
	store   store.Store
	trigger Trigger
	repo    host.Repo
	hst     host.Host
	logger  *logging.Logger
	cfg     Config

	now func() time.Time
}

// NewController builds a Controller. The host is only used for issue
// logging and may be nil when cfg.CreateIssue is false.
func NewController(s store.Store, trigger Trigger, repo host.Repo, h host.Host, logger *logging.Logger, cfg Config) *Controller {
	if cfg.ProtectedBranch == "" {
		cfg.ProtectedBranch = "main"
	}
	return &Controller{
		store:   s,
		trigger: trigger,
		repo:    repo,
		hst:     h,
		logger:  logger,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// HandleMerge processes one commit merged into the protected branch.
// The first caller for a given sha creates the record, invokes the
// pipeline trigger and writes the terminal status; later callers get
// the existing record and ErrAlreadyTriggered.
func (c *Controller) HandleMerge(ctx context.Context, sha string) (*Record, error) {
	rec := Record{
		CommitSHA:   sha,
		Status:      StatusTriggered,
		TriggeredAt: c.now(),
	}

	key := store.DeploymentKey(sha)
	if _, err := c.store.Put(ctx, key, rec, store.VersionAbsent); err != nil {
		if errors.Is(err, store.ErrConflict) {
			existing, gerr := c.Get(ctx, sha)
			if gerr != nil {
				return nil, gerr
			}
			return existing, ErrAlreadyTriggered
		}
		return nil, fmt.Errorf("creating deployment record: %w", err)
	}

	c.logger.Info(ctx, "deployment triggered",
		zap.String("sha", sha),
		zap.String("branch", c.cfg.ProtectedBranch))

	pipelineID, terr := c.trigger.Trigger(ctx, c.repo, c.cfg.ProtectedBranch, sha)
	if terr != nil {
		// Invocation failures are terminal. No automatic retry, no
		// rollback; recovery is a human decision.
		c.logger.Warn(ctx, "pipeline trigger failed",
			zap.String("sha", sha), zap.Error(terr))
		return c.advance(ctx, sha, StatusFailed, "", terr.Error())
	}

	final, err := c.advance(ctx, sha, StatusSucceeded, pipelineID, "")
	if err != nil {
		return nil, err
	}
	if c.cfg.CreateIssue {
		c.fileIssue(ctx, final)
	}
	return final, nil
}

// Get returns the deployment record for a commit sha.
func (c *Controller) Get(ctx context.Context, sha string) (*Record, error) {
	raw, err := c.store.Get(ctx, store.DeploymentKey(sha))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := raw.Decode(&rec); err != nil {
		return nil, fmt.Errorf("decoding deployment %s: %w", sha, err)
	}
	return &rec, nil
}

// List returns all deployment records, sorted by commit sha.
func (c *Controller) List(ctx context.Context) ([]Record, error) {
	recs, err := c.store.List(ctx, store.KeyPrefixDeploy)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(recs))
	for _, r := range recs {
		var rec Record
		if err := r.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", r.Key, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// advance moves a deployment to a terminal status. A record already in
// a terminal state is left untouched.
func (c *Controller) advance(ctx context.Context, sha string, status Status, pipelineID, reason string) (*Record, error) {
	var out Record
	_, err := store.Update(ctx, c.store, store.DeploymentKey(sha), c.cfg.Retry, func(current *store.Record) (any, error) {
		if current == nil {
			return nil, fmt.Errorf("deployment %s: %w", sha, store.ErrNotFound)
		}
		var rec Record
		if err := current.Decode(&rec); err != nil {
			return nil, err
		}
		if !rec.Status.Terminal() {
			rec.Status = status
			if pipelineID != "" {
				rec.PipelineID = pipelineID
			}
			rec.Reason = reason
		}
		out = rec
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("advancing deployment %s: %w", sha, err)
	}
	return &out, nil
}

func (c *Controller) fileIssue(ctx context.Context, rec *Record) {
	if c.hst == nil {
		return
	}
	title := fmt.Sprintf("Deployment %s for %s", rec.Status, rec.CommitSHA)
	body := fmt.Sprintf("Commit `%s` on `%s` was deployed.\n\nPipeline: `%s`\nStatus: %s\nTriggered at: %s\n",
		rec.CommitSHA, c.cfg.ProtectedBranch, rec.PipelineID, rec.Status, rec.TriggeredAt.Format(time.RFC3339))

	if _, err := c.hst.CreateIssue(ctx, title, body); err != nil {
		// Issue logging is best-effort.
		c.logger.Warn(ctx, "failed to file deployment issue",
			zap.String("sha", rec.CommitSHA), zap.Error(err))
	}
}
