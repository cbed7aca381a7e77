// Package store provides the versioned key/value store that coordinates
// the engine's workers.
//
// Every record carries a monotonic version. Writes succeed only when the
// writer's expected version matches the stored one (optimistic concurrency),
// and VersionAbsent expresses create-if-absent. The store is the only shared
// mutable state between workers; there are no multi-key transactions.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

// Errors for store operations.
var (
	ErrNotFound       = errors.New("record not found")
	ErrConflict       = errors.New("version conflict")
	ErrRetryExhausted = errors.New("retry budget exhausted")
	ErrUnavailable    = errors.New("store unavailable")
)

// VersionAbsent is the expected version for create-if-absent writes.
// Put with VersionAbsent succeeds only if the key does not yet exist.
const VersionAbsent int64 = -1

// Record is a versioned key/value entry.
type Record struct {
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value"`
	Version int64           `json:"version"`
}

// Decode unmarshals the record value into v.
func (r Record) Decode(v any) error {
	return json.Unmarshal(r.Value, v)
}

// Store is the coordination contract shared by all workers.
//
// All operations are atomic with respect to a single key. Get returns
// ErrNotFound for missing keys. Put returns ErrConflict when expectedVersion
// does not match the stored version (or when the key exists and
// expectedVersion is VersionAbsent); on conflict the caller must re-read
// and retry against the fresh value.
type Store interface {
	Get(ctx context.Context, key string) (Record, error)
	Put(ctx context.Context, key string, value any, expectedVersion int64) (Record, error)

	// List returns all records whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]Record, error)
}

// Well-known key namespaces.
const (
	KeyWatermarkCommit = "watermark:commit"
	KeyWatermarkPR     = "watermark:pr"
	KeyPrefixBranch    = "branch:"
	KeyPrefixDeploy    = "deployment:"
)

// BranchKey returns the store key for a branch record.
func BranchKey(name string) string {
	return KeyPrefixBranch + name
}

// DeploymentKey returns the store key for a deployment record.
func DeploymentKey(sha string) string {
	return KeyPrefixDeploy + sha
}
