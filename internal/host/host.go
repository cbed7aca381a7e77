// Package host defines the repository host abstraction the engine runs
// against, plus the transient/permanent error taxonomy and retry helper
// shared by implementations.
package host

import (
	"context"
	"time"
)

// Repo identifies a repository on a host.
type Repo struct {
	Owner string
	Name  string
}

// String returns owner/name.
func (r Repo) String() string {
	return r.Owner + "/" + r.Name
}

// Branch is a branch name with its head commit.
type Branch struct {
	Name    string
	HeadSHA string
}

// Commit is a single commit on a watched branch.
type Commit struct {
	SHA       string
	Message   string
	Author    string
	Timestamp time.Time
}

// PRState filters pull request listings.
type PRState string

const (
	PRStateOpen   PRState = "open"
	PRStateClosed PRState = "closed"
	PRStateAll    PRState = "all"
)

// PullRequest is a pull request summary.
type PullRequest struct {
	Number   int
	Title    string
	Branch   string
	Base     string
	HeadSHA  string
	Merged   bool
	MergedAt time.Time
}

// Snapshot is a point-in-time view of a repository. It is immutable once
// captured: Commits are in ancestry order oldest to newest on the watched
// branch, OpenPRs and MergedPRs in ascending number order.
type Snapshot struct {
	Repo       Repo
	CapturedAt time.Time
	Branches   []Branch
	Commits    []Commit
	OpenPRs    []PullRequest
	MergedPRs  []PullRequest
}

// BranchNames returns the snapshot's branch names.
func (s *Snapshot) BranchNames() []string {
	names := make([]string, 0, len(s.Branches))
	for _, b := range s.Branches {
		names = append(names, b.Name)
	}
	return names
}

// HeadOf returns the head sha of the named branch, or "" if absent.
func (s *Snapshot) HeadOf(branch string) string {
	for _, b := range s.Branches {
		if b.Name == branch {
			return b.HeadSHA
		}
	}
	return ""
}

// TipSHA returns the sha of the newest commit in the snapshot, or "".
func (s *Snapshot) TipSHA() string {
	if len(s.Commits) == 0 {
		return ""
	}
	return s.Commits[len(s.Commits)-1].SHA
}

// Host is the repository host capability consumed by the engine.
//
// Implementations classify failures with Transient or Permanent so callers
// (and Retry) can tell a rate limit from an auth failure. Methods that list
// commits return them oldest to newest.
type Host interface {
	ListBranches(ctx context.Context) ([]Branch, error)
	GetHeadCommit(ctx context.Context, branch string) (Commit, error)
	ListCommits(ctx context.Context, branch string, since time.Time) ([]Commit, error)
	ListPullRequests(ctx context.Context, state PRState) ([]PullRequest, error)
	CreateBranch(ctx context.Context, name, fromRef string) error
	CreateOrUpdateFile(ctx context.Context, path string, content []byte, message, branch string) (Commit, error)
	CreatePullRequest(ctx context.Context, branch, base, title string) (PullRequest, error)
	CreateIssue(ctx context.Context, title, body string) (int, error)
}

// CaptureSnapshot builds a Snapshot from host queries: branches, commit
// history of the watched branch, and open plus merged pull requests.
func CaptureSnapshot(ctx context.Context, h Host, repo Repo, branch string, since time.Time) (*Snapshot, error) {
	branches, err := h.ListBranches(ctx)
	if err != nil {
		return nil, err
	}

	commits, err := h.ListCommits(ctx, branch, since)
	if err != nil {
		return nil, err
	}

	open, err := h.ListPullRequests(ctx, PRStateOpen)
	if err != nil {
		return nil, err
	}

	closed, err := h.ListPullRequests(ctx, PRStateClosed)
	if err != nil {
		return nil, err
	}
	merged := make([]PullRequest, 0, len(closed))
	for _, pr := range closed {
		if pr.Merged {
			merged = append(merged, pr)
		}
	}

	return &Snapshot{
		Repo:       repo,
		CapturedAt: time.Now().UTC(),
		Branches:   branches,
		Commits:    commits,
		OpenPRs:    open,
		MergedPRs:  merged,
	}, nil
}
