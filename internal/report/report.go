// Package report computes deterministic governance metrics from the
// state store contents and a repository snapshot. Metrics are derived
// on demand and never persisted as coordination state; rendering to
// Markdown or a dashboard is left to downstream consumers.
package report

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/benghita/gitops-engine/internal/branch"
	"github.com/benghita/gitops-engine/internal/deploy"
	"github.com/benghita/gitops-engine/internal/host"
	"github.com/benghita/gitops-engine/internal/policy"
)

// Violation is one non-compliant commit message found in the window.
type Violation struct {
	SHA         string `json:"sha"`
	Message     string `json:"message"`
	Rule        string `json:"rule"`
	Explanation string `json:"explanation"`
}

// DeploymentStats aggregates deployment record outcomes.
type DeploymentStats struct {
	Triggered int `json:"triggered"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	// SuccessRate is succeeded over terminal outcomes, 0 when none.
	SuccessRate float64 `json:"success_rate"`
}

// Metrics is the aggregated report payload. Immutable once built.
type Metrics struct {
	ID          string    `json:"id"`
	Repo        string    `json:"repo"`
	GeneratedAt time.Time `json:"generated_at"`
	WindowHours float64   `json:"window_hours"`

	CommitsChecked   int         `json:"commits_checked"`
	ViolationCount   int         `json:"violation_count"`
	Violations       []Violation `json:"violations,omitempty"`
	StaleBranches    []string    `json:"stale_branches,omitempty"`
	ActiveBranches   int         `json:"active_branches"`
	OpenPullRequests int         `json:"open_pull_requests"`

	Deployments DeploymentStats `json:"deployments"`
}

// GenerateMetrics derives metrics from a snapshot plus the branch and
// deployment records. Commit messages are re-validated on every run;
// validation is pure, so repeated runs over unchanged inputs produce
// identical counts.
func GenerateMetrics(snap *host.Snapshot, branches []branch.Record, deployments []deploy.Record, window time.Duration) *Metrics {
	m := &Metrics{
		ID:          artifactID(snap.Repo.String(), snap.CapturedAt, window),
		Repo:        snap.Repo.String(),
		GeneratedAt: snap.CapturedAt,
		WindowHours: window.Hours(),
	}

	cutoff := snap.CapturedAt.Add(-window)
	for _, c := range snap.Commits {
		if window > 0 && c.Timestamp.Before(cutoff) {
			continue
		}
		m.CommitsChecked++
		if o := policy.ValidateCommitMessage(c.Message); !o.Valid() {
			m.Violations = append(m.Violations, Violation{
				SHA:         c.SHA,
				Message:     c.Message,
				Rule:        o.Rule,
				Explanation: o.Explanation,
			})
		}
	}
	m.ViolationCount = len(m.Violations)

	for _, b := range branches {
		switch b.Status {
		case branch.StatusStale:
			m.StaleBranches = append(m.StaleBranches, b.Name)
		case branch.StatusActive:
			m.ActiveBranches++
		}
	}

	for _, d := range deployments {
		m.Deployments.Triggered++
		switch d.Status {
		case deploy.StatusSucceeded:
			m.Deployments.Succeeded++
		case deploy.StatusFailed:
			m.Deployments.Failed++
		}
	}
	if terminal := m.Deployments.Succeeded + m.Deployments.Failed; terminal > 0 {
		m.Deployments.SuccessRate = float64(m.Deployments.Succeeded) / float64(terminal)
	}

	m.OpenPullRequests = len(snap.OpenPRs)
	return m
}

// artifactNamespace scopes name-based artifact ids to this engine.
var artifactNamespace = uuid.MustParse("b6c9d2ae-4f31-4e07-9a58-d30f15c7e821")

// artifactID derives a stable id from the report inputs, so rebuilding
// a report over the same snapshot yields an identical payload, id
// included.
func artifactID(repo string, capturedAt time.Time, window time.Duration) string {
	seed := fmt.Sprintf("%s|%s|%s", repo, capturedAt.UTC().Format(time.RFC3339Nano), window)
	return uuid.NewSHA1(artifactNamespace, []byte(seed)).String()
}
