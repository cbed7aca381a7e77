package localhost

import (
	"context"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benghita/gitops-engine/internal/host"
)

type testRepo struct {
	repo *git.Repository
	wt   *git.Worktree
	when time.Time
}

// setupTestRepo builds an in-memory repository with one initial commit
// on master.
func setupTestRepo(t *testing.T) *testRepo {
	t.Helper()

	repo, err := git.Init(memory.NewStorage(), memfs.New())
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	tr := &testRepo{repo: repo, wt: wt, when: time.Now().UTC().Add(-time.Hour)}
	tr.commit(t, "README.md", "hello\n", "chore: initial commit")
	return tr
}

// commit writes a file and commits it, advancing the author clock so
// commit timestamps stay strictly ordered.
func (tr *testRepo) commit(t *testing.T, path, content, message string) string {
	t.Helper()

	f, err := tr.wt.Filesystem.Create(path)
	require.NoError(t, err)
	_, err = f.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = tr.wt.Add(path)
	require.NoError(t, err)

	tr.when = tr.when.Add(time.Minute)
	sha, err := tr.wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: "tester", Email: "tester@example.com", When: tr.when},
	})
	require.NoError(t, err)
	return sha.String()
}

func TestListBranches(t *testing.T) {
	tr := setupTestRepo(t)
	l := NewFromRepo(tr.repo)

	require.NoError(t, l.CreateBranch(context.Background(), "auto/config-sync", "master"))

	branches, err := l.ListBranches(context.Background())
	require.NoError(t, err)
	require.Len(t, branches, 2)
	assert.Equal(t, "auto/config-sync", branches[0].Name)
	assert.Equal(t, "master", branches[1].Name)
	assert.Equal(t, branches[1].HeadSHA, branches[0].HeadSHA)
}

func TestGetHeadCommit(t *testing.T) {
	tr := setupTestRepo(t)
	sha := tr.commit(t, "configs/app.yaml", "replicas: 3\n", "chore(config): sync")
	l := NewFromRepo(tr.repo)

	head, err := l.GetHeadCommit(context.Background(), "master")
	require.NoError(t, err)
	assert.Equal(t, sha, head.SHA)
	assert.Contains(t, head.Message, "chore(config): sync")

	_, err = l.GetHeadCommit(context.Background(), "missing")
	require.Error(t, err)
	assert.False(t, host.IsTransient(err))
}

func TestListCommits_AncestryOrder(t *testing.T) {
	tr := setupTestRepo(t)
	second := tr.commit(t, "a.txt", "a", "feat: add a")
	third := tr.commit(t, "b.txt", "b", "feat: add b")
	l := NewFromRepo(tr.repo)

	commits, err := l.ListCommits(context.Background(), "master", time.Time{})
	require.NoError(t, err)
	require.Len(t, commits, 3)
	assert.Equal(t, second, commits[1].SHA)
	assert.Equal(t, third, commits[2].SHA)
	assert.True(t, commits[0].Timestamp.Before(commits[1].Timestamp))
}

func TestListCommits_Since(t *testing.T) {
	tr := setupTestRepo(t)
	cutoff := tr.when.Add(30 * time.Second)
	latest := tr.commit(t, "a.txt", "a", "feat: add a")
	l := NewFromRepo(tr.repo)

	commits, err := l.ListCommits(context.Background(), "master", cutoff)
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, latest, commits[0].SHA)
}

func TestCreateBranch_Duplicate(t *testing.T) {
	tr := setupTestRepo(t)
	l := NewFromRepo(tr.repo)
	ctx := context.Background()

	require.NoError(t, l.CreateBranch(ctx, "auto/x", "master"))
	err := l.CreateBranch(ctx, "auto/x", "master")
	require.Error(t, err)
	assert.False(t, host.IsTransient(err))
}

func TestCreateOrUpdateFile(t *testing.T) {
	tr := setupTestRepo(t)
	l := NewFromRepo(tr.repo)
	ctx := context.Background()

	require.NoError(t, l.CreateBranch(ctx, "auto/config-sync", "master"))

	c, err := l.CreateOrUpdateFile(ctx, "configs/app.yaml", []byte("replicas: 3\n"), "chore(config): sync", "auto/config-sync")
	require.NoError(t, err)
	assert.NotEmpty(t, c.SHA)
	assert.Equal(t, CommitterName, c.Author)

	head, err := l.GetHeadCommit(ctx, "auto/config-sync")
	require.NoError(t, err)
	assert.Equal(t, c.SHA, head.SHA)

	// master is untouched.
	mainHead, err := l.GetHeadCommit(ctx, "master")
	require.NoError(t, err)
	assert.NotEqual(t, c.SHA, mainHead.SHA)
}

func TestPullRequestsUnsupported(t *testing.T) {
	tr := setupTestRepo(t)
	l := NewFromRepo(tr.repo)
	ctx := context.Background()

	prs, err := l.ListPullRequests(ctx, host.PRStateOpen)
	require.NoError(t, err)
	assert.Empty(t, prs)

	_, err = l.CreatePullRequest(ctx, "auto/x", "master", "title")
	require.ErrorIs(t, err, ErrUnsupported)
	assert.False(t, host.IsTransient(err))

	_, err = l.CreateIssue(ctx, "title", "body")
	require.ErrorIs(t, err, ErrUnsupported)
}
