package branch

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benghita/gitops-engine/internal/logging"
	"github.com/benghita/gitops-engine/internal/policy"
	"github.com/benghita/gitops-engine/internal/store"
)

func newManager(t *testing.T, cfg Config) *Manager {
	t.Helper()

	s, err := store.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	return NewManager(s, logging.NewNop(), cfg)
}

func TestRequestAutomationBranch(t *testing.T) {
	m := newManager(t, Config{})
	ctx := context.Background()

	rec, err := m.RequestAutomationBranch(ctx, "config-sync", "main", "abc123")
	require.NoError(t, err)
	assert.Equal(t, "auto/config-sync", rec.Name)
	assert.Equal(t, "main", rec.Base)
	assert.Equal(t, StatusActive, rec.Status)
}

func TestRequestAutomationBranch_InvalidSlug(t *testing.T) {
	m := newManager(t, Config{})

	_, err := m.RequestAutomationBranch(context.Background(), "-bad", "main", "abc")
	require.Error(t, err)

	var verr *policy.ViolationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, policy.RuleInvalidSlug, verr.Outcome.Rule)
}

func TestRequestAutomationBranch_Idempotent(t *testing.T) {
	m := newManager(t, Config{})
	ctx := context.Background()

	first, err := m.RequestAutomationBranch(ctx, "config-sync", "main", "abc123")
	require.NoError(t, err)

	// Same slug again, even with a different base sha: the original
	// record wins.
	second, err := m.RequestAutomationBranch(ctx, "config-sync", "main", "zzz999")
	require.NoError(t, err)
	assert.Equal(t, first.BaseSHA, second.BaseSHA)
	assert.Equal(t, first.CreatedAt.Unix(), second.CreatedAt.Unix())
}

func TestRequestAutomationBranch_ConcurrentSameSlug(t *testing.T) {
	m := newManager(t, Config{})
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	records := make([]*Record, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			records[i], errs[i] = m.RequestAutomationBranch(ctx, "shared", "main", "abc")
		}(i)
	}
	wg.Wait()

	// All callers observe the same record.
	for i, rec := range records {
		require.NoError(t, errs[i])
		require.NotNil(t, rec)
		assert.Equal(t, records[0].CreatedAt, rec.CreatedAt)
		assert.Equal(t, "auto/shared", rec.Name)
	}

	all, err := m.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1, "exactly one record may exist")
}

func TestAuditBranches_MarksUnseenStale(t *testing.T) {
	m := newManager(t, Config{Retention: 7 * 24 * time.Hour})
	ctx := context.Background()

	_, err := m.RequestAutomationBranch(ctx, "gone", "main", "abc")
	require.NoError(t, err)
	_, err = m.RequestAutomationBranch(ctx, "alive", "main", "abc")
	require.NoError(t, err)

	stale, err := m.AuditBranches(ctx, []string{"main", "auto/alive"}, nil)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "auto/gone", stale[0].Name)
	assert.Equal(t, StatusStale, stale[0].Status)
}

func TestAuditBranches_RetentionWindow(t *testing.T) {
	m := newManager(t, Config{Retention: 7 * 24 * time.Hour})
	ctx := context.Background()

	_, err := m.RequestAutomationBranch(ctx, "old", "main", "abc")
	require.NoError(t, err)

	// Branch created 8 days ago, still on the host, no open PR.
	m.now = func() time.Time { return time.Now().UTC().Add(8 * 24 * time.Hour) }

	stale, err := m.AuditBranches(ctx, []string{"auto/old"}, nil)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "auto/old", stale[0].Name)
}

func TestAuditBranches_OpenPRKeepsBranchActive(t *testing.T) {
	m := newManager(t, Config{Retention: 7 * 24 * time.Hour})
	ctx := context.Background()

	_, err := m.RequestAutomationBranch(ctx, "reviewed", "main", "abc")
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().UTC().Add(8 * 24 * time.Hour) }

	stale, err := m.AuditBranches(ctx, []string{"auto/reviewed"}, map[string]bool{"auto/reviewed": true})
	require.NoError(t, err)
	assert.Empty(t, stale, "an open PR holds off staleness")
}

func TestAuditBranches_Idempotent(t *testing.T) {
	m := newManager(t, Config{Retention: 7 * 24 * time.Hour})
	ctx := context.Background()

	_, err := m.RequestAutomationBranch(ctx, "gone", "main", "abc")
	require.NoError(t, err)

	first, err := m.AuditBranches(ctx, []string{"main"}, nil)
	require.NoError(t, err)

	second, err := m.AuditBranches(ctx, []string{"main"}, nil)
	require.NoError(t, err)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].Name, second[0].Name)
	assert.Equal(t, first[0].Status, second[0].Status)
}

func TestCheckSync(t *testing.T) {
	m := newManager(t, Config{})

	rec := &Record{Name: "auto/x", BaseSHA: "abc123"}
	assert.Equal(t, SyncInSync, m.CheckSync(rec, "abc123"))
	assert.Equal(t, SyncNeedsRebase, m.CheckSync(rec, "def456"))
}

func TestMarkDeleted(t *testing.T) {
	t.Run("requires opt-in", func(t *testing.T) {
		m := newManager(t, Config{})
		_, err := m.MarkDeleted(context.Background(), "auto/x")
		assert.ErrorIs(t, err, ErrDeleteNotAllowed)
	})

	t.Run("with opt-in", func(t *testing.T) {
		m := newManager(t, Config{AllowDelete: true})
		ctx := context.Background()

		_, err := m.RequestAutomationBranch(ctx, "doomed", "main", "abc")
		require.NoError(t, err)

		rec, err := m.MarkDeleted(ctx, "auto/doomed")
		require.NoError(t, err)
		assert.Equal(t, StatusDeleted, rec.Status)
	})

	t.Run("missing branch", func(t *testing.T) {
		m := newManager(t, Config{AllowDelete: true})
		_, err := m.MarkDeleted(context.Background(), "auto/nope")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}
