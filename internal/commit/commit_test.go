package commit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benghita/gitops-engine/internal/host"
	"github.com/benghita/gitops-engine/internal/logging"
	"github.com/benghita/gitops-engine/internal/policy"
)

// fakeHost records writes and PR opens.
type fakeHost struct {
	writes   []string
	prs      []string
	writeErr error
	prErr    error
}

func (f *fakeHost) ListBranches(context.Context) ([]host.Branch, error) { return nil, nil }
func (f *fakeHost) GetHeadCommit(context.Context, string) (host.Commit, error) {
	return host.Commit{}, nil
}
func (f *fakeHost) ListCommits(context.Context, string, time.Time) ([]host.Commit, error) {
	return nil, nil
}
func (f *fakeHost) ListPullRequests(context.Context, host.PRState) ([]host.PullRequest, error) {
	return nil, nil
}
func (f *fakeHost) CreateBranch(context.Context, string, string) error { return nil }

func (f *fakeHost) CreateOrUpdateFile(_ context.Context, path string, _ []byte, _, _ string) (host.Commit, error) {
	if f.writeErr != nil {
		return host.Commit{}, f.writeErr
	}
	f.writes = append(f.writes, path)
	return host.Commit{SHA: "sha-" + path}, nil
}

func (f *fakeHost) CreatePullRequest(_ context.Context, branch, base, _ string) (host.PullRequest, error) {
	if f.prErr != nil {
		return host.PullRequest{}, f.prErr
	}
	f.prs = append(f.prs, branch+"->"+base)
	return host.PullRequest{Number: 42, Branch: branch, Base: base}, nil
}

func (f *fakeHost) CreateIssue(context.Context, string, string) (int, error) { return 0, nil }

var gateCfg = Config{Whitelist: []string{"configs/", "infra/", "data/"}}

func TestApply(t *testing.T) {
	h := &fakeHost{}
	g := NewGate(h, logging.NewNop(), gateCfg)

	res, err := g.Apply(context.Background(), Request{
		TargetBranch: "auto/config-sync",
		Message:      "chore(config): sync",
		Files: []FileChange{
			{Path: "configs/app.yaml", Content: []byte("replicas: 3\n")},
			{Path: "configs/db.yaml", Content: []byte("pool: 10\n")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"configs/app.yaml", "configs/db.yaml"}, res.AppliedPaths)
	assert.Equal(t, res.AppliedPaths, h.writes, "writes land in request order")
	assert.Zero(t, res.PullRequest)
	assert.Empty(t, h.prs)
}

func TestApply_OpensPullRequest(t *testing.T) {
	h := &fakeHost{}
	g := NewGate(h, logging.NewNop(), gateCfg)

	res, err := g.Apply(context.Background(), Request{
		TargetBranch:      "auto/config-sync",
		Message:           "chore(config): sync",
		Files:             []FileChange{{Path: "configs/app.yaml", Content: []byte("x")}},
		CreatePullRequest: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 42, res.PullRequest)
	assert.Equal(t, []string{"auto/config-sync->main"}, h.prs)
}

func TestApply_RejectsBeforeWriting(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		rule string
	}{
		{
			name: "bad message",
			req: Request{
				Message: "update stuff",
				Files:   []FileChange{{Path: "configs/app.yaml"}},
			},
			rule: policy.RuleMissingColon,
		},
		{
			name: "path outside whitelist",
			req: Request{
				Message: "chore(config): sync",
				Files:   []FileChange{{Path: "secrets/key.pem"}},
			},
			rule: policy.RuleOutsidePath,
		},
		{
			name: "path traversal",
			req: Request{
				Message: "chore(config): sync",
				Files:   []FileChange{{Path: "configs/../secrets/key.pem"}},
			},
			rule: policy.RuleOutsidePath,
		},
		{
			name: "delete",
			req: Request{
				Message: "chore(config): cleanup",
				Files:   []FileChange{{Path: "configs/old.yaml", Delete: true}},
			},
			rule: policy.RuleDeleteNotAllowed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &fakeHost{}
			g := NewGate(h, logging.NewNop(), gateCfg)

			tt.req.TargetBranch = "auto/x"
			_, err := g.Apply(context.Background(), tt.req)

			var verr *policy.ViolationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.rule, verr.Outcome.Rule)
			assert.Empty(t, h.writes, "no file may be written on rejection")
		})
	}
}

func TestApply_HostFailureMidBatch(t *testing.T) {
	h := &fakeHost{}
	g := NewGate(h, logging.NewNop(), gateCfg)

	// First file lands, then the host starts failing.
	_, err := g.Apply(context.Background(), Request{
		TargetBranch: "auto/x",
		Message:      "chore(config): sync",
		Files:        []FileChange{{Path: "configs/a.yaml"}},
	})
	require.NoError(t, err)

	h.writeErr = errors.New("503")
	res, err := g.Apply(context.Background(), Request{
		TargetBranch: "auto/x",
		Message:      "chore(config): sync",
		Files:        []FileChange{{Path: "configs/b.yaml"}},
	})
	require.Error(t, err)
	assert.Empty(t, res.AppliedPaths)
}

func TestApply_EmptyRequest(t *testing.T) {
	g := NewGate(&fakeHost{}, logging.NewNop(), gateCfg)
	_, err := g.Apply(context.Background(), Request{Message: "chore: x"})
	assert.Error(t, err)
}
