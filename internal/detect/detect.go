// Package detect computes new repository events by diffing a fresh
// snapshot against watermarks kept in the coordination store.
//
// Exactly-once emission across concurrent detectors hangs on the watermark
// write: a batch of events is only surfaced after this instance wins the
// optimistic-concurrency advance. Losing the write means another detector
// already claimed (some of) the batch, so the local batch is discarded and
// the diff recomputed against the fresh watermark.
package detect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/benghita/gitops-engine/internal/host"
	"github.com/benghita/gitops-engine/internal/logging"
	"github.com/benghita/gitops-engine/internal/store"
)

// EventType identifies what was observed.
type EventType string

const (
	EventCommitDetected    EventType = "commit_detected"
	EventPullRequestOpened EventType = "pull_request_opened"
	EventPullRequestMerged EventType = "pull_request_merged"
)

// Event is a newly observed repository change. Commit events come in
// ancestry order oldest to newest; PR events in ascending number order.
type Event struct {
	Type      EventType
	SHA       string
	PRNumber  int
	Branch    string
	Message   string
	Author    string
	Timestamp time.Time
}

// commitWatermark is the persisted last-checked commit position.
type commitWatermark struct {
	SHA       string    `json:"sha"`
	UpdatedAt time.Time `json:"updated_at"`
}

// prWatermark is the persisted last-checked pull request position.
type prWatermark struct {
	LastPR       int       `json:"last_pr"`
	LastMergedAt time.Time `json:"last_merged_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// maxDiffAttempts bounds how often a losing detector re-diffs before
// giving up for this cycle.
const maxDiffAttempts = 5

// Detector diffs snapshots against store watermarks.
type Detector struct {
	store  store.Store
	logger *logging.Logger
}

// New creates a Detector.
func New(s store.Store, logger *logging.Logger) *Detector {
	return &Detector{store: s, logger: logger.Named("detect")}
}

// Diff computes the events that are new relative to the stored watermarks
// and atomically advances them. On a watermark conflict the locally
// computed batch is discarded and the diff recomputed, so no event is
// emitted twice across concurrent detector instances.
//
// First run against a repository establishes the watermark at the current
// tip and emits nothing (no backlog flood on cold start).
func (d *Detector) Diff(ctx context.Context, snap *host.Snapshot) ([]Event, error) {
	commitEvents, err := d.diffCommits(ctx, snap)
	if err != nil {
		return nil, fmt.Errorf("diffing commits: %w", err)
	}

	prEvents, err := d.diffPullRequests(ctx, snap)
	if err != nil {
		return nil, fmt.Errorf("diffing pull requests: %w", err)
	}

	return append(commitEvents, prEvents...), nil
}

func (d *Detector) diffCommits(ctx context.Context, snap *host.Snapshot) ([]Event, error) {
	for attempt := 0; attempt < maxDiffAttempts; attempt++ {
		rec, err := d.store.Get(ctx, store.KeyWatermarkCommit)
		if errors.Is(err, store.ErrNotFound) {
			// Cold start: claim the tip, emit no backlog.
			next := commitWatermark{SHA: snap.TipSHA(), UpdatedAt: time.Now().UTC()}
			if _, err := d.store.Put(ctx, store.KeyWatermarkCommit, next, store.VersionAbsent); err != nil {
				if errors.Is(err, store.ErrConflict) {
					continue // another detector initialized first
				}
				return nil, err
			}
			d.logger.Info(ctx, "commit watermark established",
				zap.String("sha", next.SHA))
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		var wm commitWatermark
		if err := rec.Decode(&wm); err != nil {
			return nil, fmt.Errorf("decoding commit watermark: %w", err)
		}

		newCommits := commitsAfter(snap.Commits, wm.SHA)
		if len(newCommits) == 0 {
			return nil, nil
		}

		next := commitWatermark{
			SHA:       newCommits[len(newCommits)-1].SHA,
			UpdatedAt: time.Now().UTC(),
		}
		if _, err := d.store.Put(ctx, store.KeyWatermarkCommit, next, rec.Version); err != nil {
			if errors.Is(err, store.ErrConflict) {
				d.logger.Debug(ctx, "commit watermark conflict, discarding batch and re-diffing",
					zap.Int("discarded", len(newCommits)))
				continue
			}
			return nil, err
		}

		events := make([]Event, 0, len(newCommits))
		for _, c := range newCommits {
			events = append(events, Event{
				Type:      EventCommitDetected,
				SHA:       c.SHA,
				Message:   c.Message,
				Author:    c.Author,
				Timestamp: c.Timestamp,
			})
		}
		return events, nil
	}
	return nil, fmt.Errorf("%w: commit watermark contention", store.ErrRetryExhausted)
}

func (d *Detector) diffPullRequests(ctx context.Context, snap *host.Snapshot) ([]Event, error) {
	for attempt := 0; attempt < maxDiffAttempts; attempt++ {
		rec, err := d.store.Get(ctx, store.KeyWatermarkPR)
		if errors.Is(err, store.ErrNotFound) {
			next := prWatermark{
				LastPR:       maxPRNumber(snap),
				LastMergedAt: maxMergedAt(snap),
				UpdatedAt:    time.Now().UTC(),
			}
			if _, err := d.store.Put(ctx, store.KeyWatermarkPR, next, store.VersionAbsent); err != nil {
				if errors.Is(err, store.ErrConflict) {
					continue
				}
				return nil, err
			}
			d.logger.Info(ctx, "pull request watermark established",
				zap.Int("last_pr", next.LastPR))
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		var wm prWatermark
		if err := rec.Decode(&wm); err != nil {
			return nil, fmt.Errorf("decoding pr watermark: %w", err)
		}

		var events []Event
		for _, pr := range snap.OpenPRs {
			if pr.Number > wm.LastPR {
				events = append(events, Event{
					Type:      EventPullRequestOpened,
					PRNumber:  pr.Number,
					Branch:    pr.Branch,
					SHA:       pr.HeadSHA,
					Message:   pr.Title,
					Timestamp: snap.CapturedAt,
				})
			}
		}
		for _, pr := range snap.MergedPRs {
			if pr.MergedAt.After(wm.LastMergedAt) {
				events = append(events, Event{
					Type:      EventPullRequestMerged,
					PRNumber:  pr.Number,
					Branch:    pr.Base,
					SHA:       pr.HeadSHA,
					Message:   pr.Title,
					Timestamp: pr.MergedAt,
				})
			}
		}
		if len(events) == 0 {
			return nil, nil
		}

		next := prWatermark{
			LastPR:       max(wm.LastPR, maxPRNumber(snap)),
			LastMergedAt: laterTime(wm.LastMergedAt, maxMergedAt(snap)),
			UpdatedAt:    time.Now().UTC(),
		}
		if _, err := d.store.Put(ctx, store.KeyWatermarkPR, next, rec.Version); err != nil {
			if errors.Is(err, store.ErrConflict) {
				d.logger.Debug(ctx, "pr watermark conflict, discarding batch and re-diffing",
					zap.Int("discarded", len(events)))
				continue
			}
			return nil, err
		}
		return events, nil
	}
	return nil, fmt.Errorf("%w: pr watermark contention", store.ErrRetryExhausted)
}

// commitsAfter returns the commits strictly after sha in ancestry order.
// When sha does not appear in the sequence (watermark older than the
// snapshot window, or history rewritten) the whole sequence is new.
func commitsAfter(commits []host.Commit, sha string) []host.Commit {
	if sha == "" {
		return commits
	}
	for i, c := range commits {
		if c.SHA == sha {
			return commits[i+1:]
		}
	}
	return commits
}

func maxPRNumber(snap *host.Snapshot) int {
	n := 0
	for _, pr := range snap.OpenPRs {
		if pr.Number > n {
			n = pr.Number
		}
	}
	for _, pr := range snap.MergedPRs {
		if pr.Number > n {
			n = pr.Number
		}
	}
	return n
}

func maxMergedAt(snap *host.Snapshot) time.Time {
	var t time.Time
	for _, pr := range snap.MergedPRs {
		if pr.MergedAt.After(t) {
			t = pr.MergedAt
		}
	}
	return t
}

func laterTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
