// Package commit gates write access to the repository host. Every
// requested change passes commit-message and path-whitelist validation
// before any file is written.
package commit

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/benghita/gitops-engine/internal/host"
	"github.com/benghita/gitops-engine/internal/logging"
	"github.com/benghita/gitops-engine/internal/policy"
)

// FileChange is one requested file write.
type FileChange struct {
	Path    string
	Content []byte
	// Delete requests removal of the path. Always refused.
	Delete bool
}

// Request describes a batch of file writes to land on one branch.
type Request struct {
	TargetBranch      string
	Files             []FileChange
	Message           string
	CreatePullRequest bool
	// PullRequestBase is the base branch when CreatePullRequest is
	// set. Defaults to the configured protected branch.
	PullRequestBase string
}

// Result reports what a gated request actually did.
type Result struct {
	AppliedPaths []string
	// PullRequest is the opened PR number, 0 when none was requested.
	PullRequest int
}

// Config carries the gate's policy inputs.
type Config struct {
	// Whitelist is the set of path prefixes writes are allowed under.
	Whitelist []string
	// ProtectedBranch is the default PR base.
	ProtectedBranch string
}

// Gate validates and applies commit requests against a host.
type Gate struct {
	hst    host.Host
	logger *logging.Logger
	cfg    Config
}

func NewGate(h host.Host, logger *logging.Logger, cfg Config) *Gate {
	if cfg.ProtectedBranch == "" {
		cfg.ProtectedBranch = "main"
	}
	return &Gate{hst: h, logger: logger, cfg: cfg}
}

// Validate checks a request without touching the host. The first
// violated rule is returned; a valid outcome means Apply would proceed.
func (g *Gate) Validate(req Request) policy.Outcome {
	if o := policy.ValidateCommitMessage(req.Message); !o.Valid() {
		return o
	}
	for _, f := range req.Files {
		if f.Delete {
			return policy.AllowDelete(f.Path)
		}
		if o := policy.ValidatePathWhitelist(f.Path, g.cfg.Whitelist); !o.Valid() {
			return o
		}
	}
	return policy.Outcome{}
}

// Apply validates the request and writes each file to the target
// branch in order, optionally opening a pull request afterwards.
// Validation failures surface as a *policy.ViolationError before any
// file is written. A host failure mid-batch returns the paths applied
// so far alongside the error.
func (g *Gate) Apply(ctx context.Context, req Request) (*Result, error) {
	if len(req.Files) == 0 {
		return nil, fmt.Errorf("commit request has no files")
	}
	if o := g.Validate(req); !o.Valid() {
		return nil, policy.Violated(o)
	}

	res := &Result{}
	for _, f := range req.Files {
		if _, err := g.hst.CreateOrUpdateFile(ctx, f.Path, f.Content, req.Message, req.TargetBranch); err != nil {
			return res, fmt.Errorf("writing %s on %s: %w", f.Path, req.TargetBranch, err)
		}
		res.AppliedPaths = append(res.AppliedPaths, f.Path)
	}

	g.logger.Info(ctx, "commit applied",
		zap.String("branch", req.TargetBranch),
		zap.Int("files", len(res.AppliedPaths)))

	if req.CreatePullRequest {
		base := req.PullRequestBase
		if base == "" {
			base = g.cfg.ProtectedBranch
		}
		pr, err := g.hst.CreatePullRequest(ctx, req.TargetBranch, base, req.Message)
		if err != nil {
			return res, fmt.Errorf("opening pull request from %s: %w", req.TargetBranch, err)
		}
		res.PullRequest = pr.Number
		g.logger.Info(ctx, "pull request opened",
			zap.Int("number", pr.Number),
			zap.String("base", base))
	}
	return res, nil
}
