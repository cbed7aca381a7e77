// Package githost implements host.Host against the GitHub API.
package githost

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/benghita/gitops-engine/internal/config"
	"github.com/benghita/gitops-engine/internal/host"
)

// listPageSize bounds every list call; the engine diffs watermarks, so it
// never needs deep pagination in one poll.
const listPageSize = 100

// GitHost is a host.Host backed by go-github.
type GitHost struct {
	client *github.Client
	repo   host.Repo
	retry  *host.RetryConfig
}

// Option configures a GitHost.
type Option func(*GitHost)

// WithRetryConfig overrides the default retry budget.
func WithRetryConfig(cfg *host.RetryConfig) Option {
	return func(g *GitHost) { g.retry = cfg }
}

// WithClient substitutes the GitHub client, e.g. one pointed at a test
// server via github.NewClient(...).WithEnterpriseURLs.
func WithClient(client *github.Client) Option {
	return func(g *GitHost) { g.client = client }
}

// New creates a GitHost with token authentication.
func New(ctx context.Context, repo host.Repo, token config.Secret, opts ...Option) (*GitHost, error) {
	if repo.Owner == "" || repo.Name == "" {
		return nil, fmt.Errorf("repository owner and name are required")
	}
	if !token.IsSet() {
		return nil, fmt.Errorf("host token not set")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value()})
	tc := oauth2.NewClient(ctx, ts)

	g := &GitHost{
		client: github.NewClient(tc),
		repo:   repo,
		retry:  host.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// ListBranches implements host.Host.
func (g *GitHost) ListBranches(ctx context.Context) ([]host.Branch, error) {
	var out []host.Branch
	err := host.Retry(ctx, g.retry, func() error {
		out = out[:0]
		opts := &github.BranchListOptions{ListOptions: github.ListOptions{PerPage: listPageSize}}
		for {
			branches, resp, err := g.client.Repositories.ListBranches(ctx, g.repo.Owner, g.repo.Name, opts)
			if err != nil {
				return classify(resp, err)
			}
			for _, b := range branches {
				out = append(out, host.Branch{
					Name:    b.GetName(),
					HeadSHA: b.GetCommit().GetSHA(),
				})
			}
			if resp.NextPage == 0 {
				return nil
			}
			opts.Page = resp.NextPage
		}
	})
	return out, err
}

// GetHeadCommit implements host.Host.
func (g *GitHost) GetHeadCommit(ctx context.Context, branch string) (host.Commit, error) {
	var out host.Commit
	err := host.Retry(ctx, g.retry, func() error {
		b, resp, err := g.client.Repositories.GetBranch(ctx, g.repo.Owner, g.repo.Name, branch, 0)
		if err != nil {
			return classify(resp, err)
		}
		out = host.Commit{
			SHA:       b.GetCommit().GetSHA(),
			Message:   b.GetCommit().GetCommit().GetMessage(),
			Author:    b.GetCommit().GetCommit().GetAuthor().GetName(),
			Timestamp: b.GetCommit().GetCommit().GetAuthor().GetDate().Time,
		}
		return nil
	})
	return out, err
}

// ListCommits implements host.Host. Results are reversed into ancestry
// order (oldest first); the API returns newest first.
func (g *GitHost) ListCommits(ctx context.Context, branch string, since time.Time) ([]host.Commit, error) {
	var newest []host.Commit
	err := host.Retry(ctx, g.retry, func() error {
		newest = newest[:0]
		opts := &github.CommitsListOptions{
			SHA:         branch,
			Since:       since,
			ListOptions: github.ListOptions{PerPage: listPageSize},
		}
		for {
			commits, resp, err := g.client.Repositories.ListCommits(ctx, g.repo.Owner, g.repo.Name, opts)
			if err != nil {
				return classify(resp, err)
			}
			for _, c := range commits {
				newest = append(newest, host.Commit{
					SHA:       c.GetSHA(),
					Message:   c.GetCommit().GetMessage(),
					Author:    c.GetCommit().GetAuthor().GetName(),
					Timestamp: c.GetCommit().GetAuthor().GetDate().Time,
				})
			}
			if resp.NextPage == 0 {
				return nil
			}
			opts.Page = resp.NextPage
		}
	})
	if err != nil {
		return nil, err
	}

	out := make([]host.Commit, 0, len(newest))
	for i := len(newest) - 1; i >= 0; i-- {
		out = append(out, newest[i])
	}
	return out, nil
}

// ListPullRequests implements host.Host. Results come back in ascending
// number order.
func (g *GitHost) ListPullRequests(ctx context.Context, state host.PRState) ([]host.PullRequest, error) {
	var out []host.PullRequest
	err := host.Retry(ctx, g.retry, func() error {
		out = out[:0]
		opts := &github.PullRequestListOptions{
			State:       string(state),
			Sort:        "created",
			Direction:   "asc",
			ListOptions: github.ListOptions{PerPage: listPageSize},
		}
		for {
			prs, resp, err := g.client.PullRequests.List(ctx, g.repo.Owner, g.repo.Name, opts)
			if err != nil {
				return classify(resp, err)
			}
			for _, pr := range prs {
				out = append(out, convertPR(pr))
			}
			if resp.NextPage == 0 {
				return nil
			}
			opts.Page = resp.NextPage
		}
	})
	return out, err
}

// CreateBranch implements host.Host.
func (g *GitHost) CreateBranch(ctx context.Context, name, fromRef string) error {
	return host.Retry(ctx, g.retry, func() error {
		base, resp, err := g.client.Git.GetRef(ctx, g.repo.Owner, g.repo.Name, "refs/heads/"+fromRef)
		if err != nil {
			return classify(resp, err)
		}

		ref := &github.Reference{
			Ref:    github.String("refs/heads/" + name),
			Object: &github.GitObject{SHA: base.GetObject().SHA},
		}
		_, resp, err = g.client.Git.CreateRef(ctx, g.repo.Owner, g.repo.Name, ref)
		if err != nil {
			// 422 here means the ref already exists; the caller treats
			// existing branches as success, so report it as permanent.
			return classify(resp, err)
		}
		return nil
	})
}

// CreateOrUpdateFile implements host.Host.
func (g *GitHost) CreateOrUpdateFile(ctx context.Context, path string, content []byte, message, branch string) (host.Commit, error) {
	var out host.Commit
	err := host.Retry(ctx, g.retry, func() error {
		opts := &github.RepositoryContentFileOptions{
			Message: github.String(message),
			Content: content,
			Branch:  github.String(branch),
		}

		// Updating an existing file requires its blob sha.
		existing, _, resp, err := g.client.Repositories.GetContents(ctx, g.repo.Owner, g.repo.Name, path,
			&github.RepositoryContentGetOptions{Ref: branch})
		switch {
		case err == nil && existing != nil:
			opts.SHA = existing.SHA
		case resp != nil && resp.StatusCode == http.StatusNotFound:
			// new file
		case err != nil:
			return classify(resp, err)
		}

		result, resp, err := g.client.Repositories.CreateFile(ctx, g.repo.Owner, g.repo.Name, path, opts)
		if err != nil {
			return classify(resp, err)
		}
		out = host.Commit{
			SHA:       result.GetSHA(),
			Message:   message,
			Timestamp: time.Now().UTC(),
		}
		return nil
	})
	return out, err
}

// CreatePullRequest implements host.Host.
func (g *GitHost) CreatePullRequest(ctx context.Context, branch, base, title string) (host.PullRequest, error) {
	var out host.PullRequest
	err := host.Retry(ctx, g.retry, func() error {
		pr, resp, err := g.client.PullRequests.Create(ctx, g.repo.Owner, g.repo.Name, &github.NewPullRequest{
			Title: github.String(title),
			Head:  github.String(branch),
			Base:  github.String(base),
		})
		if err != nil {
			return classify(resp, err)
		}
		out = convertPR(pr)
		return nil
	})
	return out, err
}

// CreateIssue implements host.Host.
func (g *GitHost) CreateIssue(ctx context.Context, title, body string) (int, error) {
	var number int
	err := host.Retry(ctx, g.retry, func() error {
		issue, resp, err := g.client.Issues.Create(ctx, g.repo.Owner, g.repo.Name, &github.IssueRequest{
			Title: github.String(title),
			Body:  github.String(body),
		})
		if err != nil {
			return classify(resp, err)
		}
		number = issue.GetNumber()
		return nil
	})
	return number, err
}

func convertPR(pr *github.PullRequest) host.PullRequest {
	out := host.PullRequest{
		Number:  pr.GetNumber(),
		Title:   pr.GetTitle(),
		Branch:  pr.GetHead().GetRef(),
		Base:    pr.GetBase().GetRef(),
		HeadSHA: pr.GetHead().GetSHA(),
	}
	if pr.MergedAt != nil {
		out.Merged = true
		out.MergedAt = pr.MergedAt.Time
	}
	return out
}

// classify maps a GitHub API failure onto the engine's transient/permanent
// taxonomy. Rate limits and 5xx responses are transient; auth failures,
// not-found and validation errors are permanent. Errors without a response
// (network failures) are transient.
func classify(resp *github.Response, err error) error {
	if err == nil {
		return nil
	}
	if resp == nil || resp.Response == nil {
		return host.Transient(err)
	}

	code := resp.StatusCode
	switch {
	case code == http.StatusTooManyRequests:
		return host.Transient(err)
	case code == http.StatusForbidden && resp.Rate.Limit > 0:
		// Secondary rate limit surfaces as 403 with rate headers.
		return host.Transient(err)
	case code >= 500:
		return host.Transient(err)
	case code == http.StatusUnauthorized,
		code == http.StatusForbidden,
		code == http.StatusNotFound,
		code == http.StatusUnprocessableEntity,
		code == http.StatusBadRequest:
		return host.Permanent(err)
	default:
		return host.Transient(err)
	}
}
