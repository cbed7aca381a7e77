package detect

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benghita/gitops-engine/internal/host"
	"github.com/benghita/gitops-engine/internal/logging"
	"github.com/benghita/gitops-engine/internal/store"
)

func newDetector(t *testing.T) (*Detector, store.Store) {
	t.Helper()

	s, err := store.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	return New(s, logging.NewNop()), s
}

func snapshotWithCommits(shas ...string) *host.Snapshot {
	commits := make([]host.Commit, 0, len(shas))
	for i, sha := range shas {
		commits = append(commits, host.Commit{
			SHA:       sha,
			Message:   "feat: change " + sha,
			Timestamp: time.Date(2026, 1, 1, i, 0, 0, 0, time.UTC),
		})
	}
	return &host.Snapshot{
		Repo:       host.Repo{Owner: "acme", Name: "widgets"},
		CapturedAt: time.Now().UTC(),
		Commits:    commits,
	}
}

func TestDiff_ColdStartEmitsNothing(t *testing.T) {
	d, s := newDetector(t)
	ctx := context.Background()

	events, err := d.Diff(ctx, snapshotWithCommits("a1", "a2", "a3"))
	require.NoError(t, err)
	assert.Empty(t, events, "cold start must not flood the backlog")

	rec, err := s.Get(ctx, store.KeyWatermarkCommit)
	require.NoError(t, err)

	var wm commitWatermark
	require.NoError(t, rec.Decode(&wm))
	assert.Equal(t, "a3", wm.SHA, "watermark must be at the snapshot tip")
}

func TestDiff_EmitsNewCommitsInAncestryOrder(t *testing.T) {
	d, _ := newDetector(t)
	ctx := context.Background()

	_, err := d.Diff(ctx, snapshotWithCommits("a1"))
	require.NoError(t, err)

	events, err := d.Diff(ctx, snapshotWithCommits("a1", "a2", "a3"))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventCommitDetected, events[0].Type)
	assert.Equal(t, "a2", events[0].SHA)
	assert.Equal(t, "a3", events[1].SHA)
}

func TestDiff_NoChangeEmitsNothing(t *testing.T) {
	d, _ := newDetector(t)
	ctx := context.Background()

	snap := snapshotWithCommits("a1", "a2")
	_, err := d.Diff(ctx, snap)
	require.NoError(t, err)

	events, err := d.Diff(ctx, snap)
	require.NoError(t, err)
	assert.Empty(t, events)

	// And again: diffing is idempotent while the repo is quiet.
	events, err = d.Diff(ctx, snap)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestDiff_ConcurrentDetectorsEmitAtMostOnce(t *testing.T) {
	s, err := store.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	d1 := New(s, logging.NewNop())
	d2 := New(s, logging.NewNop())
	ctx := context.Background()

	_, err = d1.Diff(ctx, snapshotWithCommits("a1"))
	require.NoError(t, err)

	snap := snapshotWithCommits("a1", "a2")

	// Both detectors diff the same snapshot; the loser of the watermark
	// race must discard its batch and re-diff into emptiness.
	events1, err := d1.Diff(ctx, snap)
	require.NoError(t, err)
	events2, err := d2.Diff(ctx, snap)
	require.NoError(t, err)

	total := len(events1) + len(events2)
	assert.Equal(t, 1, total, "commit a2 must be emitted exactly once")
}

func TestDiff_PullRequestsOpenedAndMerged(t *testing.T) {
	d, _ := newDetector(t)
	ctx := context.Background()

	mergedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	base := &host.Snapshot{
		CapturedAt: time.Now().UTC(),
		OpenPRs:    []host.PullRequest{{Number: 3, Branch: "auto/one"}},
	}

	// Cold start swallows the existing PR.
	events, err := d.Diff(ctx, base)
	require.NoError(t, err)
	assert.Empty(t, events)

	next := &host.Snapshot{
		CapturedAt: time.Now().UTC(),
		OpenPRs: []host.PullRequest{
			{Number: 3, Branch: "auto/one"},
			{Number: 5, Branch: "auto/two", HeadSHA: "bb1"},
		},
		MergedPRs: []host.PullRequest{
			{Number: 4, Base: "main", HeadSHA: "def456", Merged: true, MergedAt: mergedAt},
		},
	}

	events, err = d.Diff(ctx, next)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, EventPullRequestOpened, events[0].Type)
	assert.Equal(t, 5, events[0].PRNumber)
	assert.Equal(t, EventPullRequestMerged, events[1].Type)
	assert.Equal(t, "def456", events[1].SHA)
	assert.Equal(t, "main", events[1].Branch)

	// Re-diffing the same snapshot emits nothing new.
	events, err = d.Diff(ctx, next)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCommitsAfter(t *testing.T) {
	commits := []host.Commit{{SHA: "a"}, {SHA: "b"}, {SHA: "c"}}

	assert.Len(t, commitsAfter(commits, "a"), 2)
	assert.Empty(t, commitsAfter(commits, "c"))
	// Unknown watermark means the whole window is new.
	assert.Len(t, commitsAfter(commits, "zz"), 3)
	assert.Len(t, commitsAfter(commits, ""), 3)
}
