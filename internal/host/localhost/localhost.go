// Package localhost implements the host abstraction over a local git
// repository via go-git. It is used for offline operation and tests;
// pull request and issue operations do not exist locally and fail with
// a permanent error.
package localhost

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/benghita/gitops-engine/internal/host"
)

// ErrUnsupported marks operations that have no local equivalent.
var ErrUnsupported = errors.New("not supported on a local repository")

// CommitterName and CommitterEmail identify automation commits.
const (
	CommitterName  = "gitops-engine"
	CommitterEmail = "gitops-engine@localhost"
)

// LocalHost serves host queries from an on-disk (or in-memory)
// repository.
type LocalHost struct {
	repo *git.Repository
}

// Open opens the repository at path.
func Open(path string) (*LocalHost, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, host.Permanent(fmt.Errorf("opening repository %s: %w", path, err))
	}
	return &LocalHost{repo: repo}, nil
}

// NewFromRepo wraps an already-open repository.
func NewFromRepo(repo *git.Repository) *LocalHost {
	return &LocalHost{repo: repo}
}

func (l *LocalHost) ListBranches(ctx context.Context) ([]host.Branch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	iter, err := l.repo.Branches()
	if err != nil {
		return nil, host.Permanent(fmt.Errorf("listing branches: %w", err))
	}
	defer iter.Close()

	var out []host.Branch
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		out = append(out, host.Branch{
			Name:    ref.Name().Short(),
			HeadSHA: ref.Hash().String(),
		})
		return nil
	})
	if err != nil {
		return nil, host.Permanent(err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (l *LocalHost) GetHeadCommit(ctx context.Context, branch string) (host.Commit, error) {
	if err := ctx.Err(); err != nil {
		return host.Commit{}, err
	}

	ref, err := l.repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return host.Commit{}, host.Permanent(fmt.Errorf("resolving branch %s: %w", branch, err))
	}
	c, err := l.repo.CommitObject(ref.Hash())
	if err != nil {
		return host.Commit{}, host.Permanent(err)
	}
	return convertCommit(c), nil
}

// ListCommits returns the branch history oldest to newest, limited to
// commits at or after since when since is non-zero.
func (l *LocalHost) ListCommits(ctx context.Context, branch string, since time.Time) ([]host.Commit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ref, err := l.repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return nil, host.Permanent(fmt.Errorf("resolving branch %s: %w", branch, err))
	}

	opts := &git.LogOptions{From: ref.Hash()}
	if !since.IsZero() {
		opts.Since = &since
	}
	iter, err := l.repo.Log(opts)
	if err != nil {
		return nil, host.Permanent(fmt.Errorf("reading log of %s: %w", branch, err))
	}
	defer iter.Close()

	var out []host.Commit
	err = iter.ForEach(func(c *object.Commit) error {
		out = append(out, convertCommit(c))
		return nil
	})
	if err != nil && !errors.Is(err, storer.ErrStop) {
		return nil, host.Permanent(err)
	}

	// go-git logs newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ListPullRequests always returns an empty listing: a local repository
// has no pull requests, which is a valid (quiet) state, not an error.
func (l *LocalHost) ListPullRequests(ctx context.Context, _ host.PRState) ([]host.PullRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, nil
}

func (l *LocalHost) CreateBranch(ctx context.Context, name, fromRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	hash, err := l.repo.ResolveRevision(plumbing.Revision(fromRef))
	if err != nil {
		return host.Permanent(fmt.Errorf("resolving %s: %w", fromRef, err))
	}

	refName := plumbing.NewBranchReferenceName(name)
	if _, err := l.repo.Reference(refName, true); err == nil {
		return host.Permanent(fmt.Errorf("branch %s already exists", name))
	}

	if err := l.repo.Storer.SetReference(plumbing.NewHashReference(refName, *hash)); err != nil {
		return host.Permanent(fmt.Errorf("creating branch %s: %w", name, err))
	}
	return nil
}

func (l *LocalHost) CreateOrUpdateFile(ctx context.Context, path string, content []byte, message, branch string) (host.Commit, error) {
	if err := ctx.Err(); err != nil {
		return host.Commit{}, err
	}

	wt, err := l.repo.Worktree()
	if err != nil {
		return host.Commit{}, host.Permanent(fmt.Errorf("opening worktree: %w", err))
	}

	if err := wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
	}); err != nil {
		return host.Commit{}, host.Permanent(fmt.Errorf("checking out %s: %w", branch, err))
	}

	f, err := wt.Filesystem.Create(path)
	if err != nil {
		return host.Commit{}, host.Permanent(fmt.Errorf("writing %s: %w", path, err))
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return host.Commit{}, host.Permanent(err)
	}
	if err := f.Close(); err != nil {
		return host.Commit{}, host.Permanent(err)
	}

	if _, err := wt.Add(path); err != nil {
		return host.Commit{}, host.Permanent(fmt.Errorf("staging %s: %w", path, err))
	}

	sha, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  CommitterName,
			Email: CommitterEmail,
			When:  time.Now().UTC(),
		},
	})
	if err != nil {
		return host.Commit{}, host.Permanent(fmt.Errorf("committing %s: %w", path, err))
	}

	c, err := l.repo.CommitObject(sha)
	if err != nil {
		return host.Commit{}, host.Permanent(err)
	}
	return convertCommit(c), nil
}

func (l *LocalHost) CreatePullRequest(context.Context, string, string, string) (host.PullRequest, error) {
	return host.PullRequest{}, host.Permanent(fmt.Errorf("create pull request: %w", ErrUnsupported))
}

func (l *LocalHost) CreateIssue(context.Context, string, string) (int, error) {
	return 0, host.Permanent(fmt.Errorf("create issue: %w", ErrUnsupported))
}

func convertCommit(c *object.Commit) host.Commit {
	return host.Commit{
		SHA:       c.Hash.String(),
		Message:   c.Message,
		Author:    c.Author.Name,
		Timestamp: c.Author.When.UTC(),
	}
}
