// Package branch manages the lifecycle of automation branches.
//
// The manager owns branch records in the coordination store; it never
// mutates the repository itself. Creating the actual branch object on the
// host happens outside, after validation here succeeds.
package branch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/benghita/gitops-engine/internal/logging"
	"github.com/benghita/gitops-engine/internal/policy"
	"github.com/benghita/gitops-engine/internal/store"
)

// Status is the lifecycle state of an automation branch record.
type Status string

const (
	StatusActive  Status = "active"
	StatusStale   Status = "stale"
	StatusDeleted Status = "deleted"
)

// SyncStatus is the result of a branch-vs-base comparison.
type SyncStatus string

const (
	SyncInSync      SyncStatus = "in_sync"
	SyncNeedsRebase SyncStatus = "needs_rebase"
)

// ErrDeleteNotAllowed is returned when the operator has not opted in to
// branch deletion.
var ErrDeleteNotAllowed = errors.New("branch deletion requires operator opt-in")

// Record is the persisted state of one automation branch.
type Record struct {
	Name       string    `json:"name"`
	Base       string    `json:"base"`
	BaseSHA    string    `json:"base_sha"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
	Status     Status    `json:"status"`
}

// Config holds branch lifecycle settings.
type Config struct {
	// Retention is how long a branch may go unseen before audit marks
	// it stale. Default: 7 days.
	Retention time.Duration

	// AllowDelete gates MarkDeleted.
	AllowDelete bool

	// Retry bounds store conflict retries.
	Retry store.RetryConfig
}

// Manager owns automation branch records.
type Manager struct {
	store  store.Store
	logger *logging.Logger
	cfg    Config
	now    func() time.Time
}

// NewManager creates a Manager.
func NewManager(s store.Store, logger *logging.Logger, cfg Config) *Manager {
	if cfg.Retention == 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	return &Manager{
		store:  s,
		logger: logger.Named("branch"),
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RequestAutomationBranch validates the name auto/<slug> and records the
// branch with a create-if-absent write. When a record already exists for
// that name, the existing record is returned unchanged: concurrent callers
// with the same slug all observe the same record.
//
// baseSHA is the head of the base branch at request time; CheckSync
// compares against it later.
func (m *Manager) RequestAutomationBranch(ctx context.Context, slug, base, baseSHA string) (*Record, error) {
	name := policy.AutomationPrefix + slug
	if outcome := policy.ValidateBranchName(name); !outcome.Valid() {
		return nil, policy.Violated(outcome)
	}

	now := m.now()
	rec := Record{
		Name:       name,
		Base:       base,
		BaseSHA:    baseSHA,
		CreatedAt:  now,
		LastSeenAt: now,
		Status:     StatusActive,
	}

	key := store.BranchKey(name)
	_, err := m.store.Put(ctx, key, rec, store.VersionAbsent)
	if err == nil {
		m.logger.Info(ctx, "automation branch recorded",
			zap.String("branch", name),
			zap.String("base", base))
		return &rec, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("recording branch %s: %w", name, err)
	}

	// Lost the create race or the record predates us; either way the
	// existing record is the answer.
	existing, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("reading existing branch %s: %w", name, err)
	}
	var out Record
	if err := existing.Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding branch %s: %w", name, err)
	}
	return &out, nil
}

// AuditBranches reconciles branch records against the live branch list.
//
// Active records absent from currentBranches, or unseen for longer than
// the retention window with no open pull request, are marked stale and
// returned for operator review. Branches still present get their
// last-seen time refreshed. Audit never deletes anything.
func (m *Manager) AuditBranches(ctx context.Context, currentBranches []string, openPRBranches map[string]bool) ([]Record, error) {
	recs, err := m.store.List(ctx, store.KeyPrefixBranch)
	if err != nil {
		return nil, fmt.Errorf("listing branch records: %w", err)
	}

	present := make(map[string]bool, len(currentBranches))
	for _, name := range currentBranches {
		present[name] = true
	}

	now := m.now()
	var stale []Record

	for _, rec := range recs {
		var br Record
		if err := rec.Decode(&br); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", rec.Key, err)
		}
		if br.Status != StatusActive {
			if br.Status == StatusStale {
				stale = append(stale, br)
			}
			continue
		}

		switch {
		case !present[br.Name],
			now.Sub(br.LastSeenAt) > m.cfg.Retention && !openPRBranches[br.Name]:
			br.Status = StatusStale
			if err := m.write(ctx, br); err != nil {
				return nil, err
			}
			m.logger.Warn(ctx, "branch marked stale",
				zap.String("branch", br.Name),
				zap.Time("last_seen", br.LastSeenAt))
			stale = append(stale, br)

		case present[br.Name]:
			br.LastSeenAt = now
			if err := m.write(ctx, br); err != nil {
				return nil, err
			}
		}
	}

	return stale, nil
}

// CheckSync compares the branch's recorded base commit against the current
// head of the protected branch. Purely informational.
func (m *Manager) CheckSync(rec *Record, mainHeadSHA string) SyncStatus {
	if rec.BaseSHA == mainHeadSHA {
		return SyncInSync
	}
	return SyncNeedsRebase
}

// MarkDeleted records the operator-authorized deletion of a branch. It
// fails unless deletion was explicitly enabled in config.
func (m *Manager) MarkDeleted(ctx context.Context, name string) (*Record, error) {
	if !m.cfg.AllowDelete {
		return nil, ErrDeleteNotAllowed
	}

	var out Record
	_, err := store.Update(ctx, m.store, store.BranchKey(name), m.cfg.Retry, func(current *store.Record) (any, error) {
		if current == nil {
			return nil, fmt.Errorf("branch %s: %w", name, store.ErrNotFound)
		}
		var br Record
		if err := current.Decode(&br); err != nil {
			return nil, err
		}
		br.Status = StatusDeleted
		out = br
		return br, nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info(ctx, "branch marked deleted", zap.String("branch", name))
	return &out, nil
}

// List returns all branch records, sorted by name.
func (m *Manager) List(ctx context.Context) ([]Record, error) {
	recs, err := m.store.List(ctx, store.KeyPrefixBranch)
	if err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(recs))
	for _, rec := range recs {
		var br Record
		if err := rec.Decode(&br); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", rec.Key, err)
		}
		out = append(out, br)
	}
	return out, nil
}

// write persists a branch record through the conflict-retry helper.
func (m *Manager) write(ctx context.Context, br Record) error {
	_, err := store.Update(ctx, m.store, store.BranchKey(br.Name), m.cfg.Retry, func(current *store.Record) (any, error) {
		return br, nil
	})
	if err != nil {
		return fmt.Errorf("writing branch %s: %w", br.Name, err)
	}
	return nil
}
