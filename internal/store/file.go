package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"syscall"
)

// fileData is the persisted store structure.
type fileData struct {
	Version int               `json:"version"`
	Records map[string]Record `json:"records"`
}

// FileStore is a Store backed by a single JSON file.
//
// Access is coordinated through a flock-held sidecar file (<path>.lock):
// every operation takes the lock and re-reads the store, so independent
// processes sharing the path observe each other's writes and the version
// check in Put stays atomic across them. flock serializes goroutines the
// same way, since each call locks its own file description. Writes are
// persisted with a tmp-file rename, so a crashed writer leaves either
// the old or the new file, never a torn one.
type FileStore struct {
	filePath string
	lockPath string
}

// NewFileStore opens (or creates) a file store at path.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("store path cannot be empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("%w: creating store directory: %v", ErrUnavailable, err)
	}

	s := &FileStore{
		filePath: path,
		lockPath: path + ".lock",
	}

	// Reject a corrupt file up front rather than on the first operation.
	lf, err := s.acquire(syscall.LOCK_SH)
	if err != nil {
		return nil, err
	}
	defer release(lf)
	if _, err := s.load(); err != nil {
		return nil, fmt.Errorf("loading store: %w", err)
	}

	return s, nil
}

// Get returns the record for key, or ErrNotFound.
func (s *FileStore) Get(ctx context.Context, key string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	lf, err := s.acquire(syscall.LOCK_SH)
	if err != nil {
		return Record{}, err
	}
	defer release(lf)

	data, err := s.load()
	if err != nil {
		return Record{}, err
	}

	rec, ok := data.Records[key]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return rec, nil
}

// Put writes value under key if expectedVersion matches the stored version.
// expectedVersion == VersionAbsent succeeds only when the key does not exist.
// The new record's version is always stored version + 1, starting at 1.
func (s *FileStore) Put(ctx context.Context, key string, value any, expectedVersion int64) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if key == "" {
		return Record{}, fmt.Errorf("key cannot be empty")
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return Record{}, fmt.Errorf("marshaling value for %s: %w", key, err)
	}

	lf, err := s.acquire(syscall.LOCK_EX)
	if err != nil {
		return Record{}, err
	}
	defer release(lf)

	// Re-read under the exclusive lock: another handle, possibly in a
	// different process, may have written since this one last looked.
	data, err := s.load()
	if err != nil {
		return Record{}, err
	}

	current, exists := data.Records[key]
	switch {
	case expectedVersion == VersionAbsent && exists:
		return Record{}, fmt.Errorf("%w: %s already exists at version %d", ErrConflict, key, current.Version)
	case expectedVersion != VersionAbsent && !exists:
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	case expectedVersion != VersionAbsent && current.Version != expectedVersion:
		return Record{}, fmt.Errorf("%w: %s is at version %d, expected %d",
			ErrConflict, key, current.Version, expectedVersion)
	}

	rec := Record{
		Key:     key,
		Value:   raw,
		Version: current.Version + 1,
	}
	data.Records[key] = rec

	if err := s.save(data); err != nil {
		return Record{}, err
	}

	return rec, nil
}

// List returns records under prefix sorted by key.
func (s *FileStore) List(ctx context.Context, prefix string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lf, err := s.acquire(syscall.LOCK_SH)
	if err != nil {
		return nil, err
	}
	defer release(lf)

	data, err := s.load()
	if err != nil {
		return nil, err
	}

	var out []Record
	for key, rec := range data.Records {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// acquire opens the sidecar lock file and flocks it in the given mode.
// The caller must release the returned handle.
func (s *FileStore) acquire(how int) (*os.File, error) {
	f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("%w: opening lock file: %v", ErrUnavailable, err)
	}
	if err := syscall.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: locking store: %v", ErrUnavailable, err)
	}
	return f, nil
}

func release(f *os.File) {
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	_ = f.Close()
}

// load reads the store from disk. A missing file is an empty store.
func (s *FileStore) load() (*fileData, error) {
	raw, err := os.ReadFile(s.filePath)
	if os.IsNotExist(err) {
		return &fileData{Version: 1, Records: make(map[string]Record)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading store: %v", ErrUnavailable, err)
	}

	var fd fileData
	if err := json.Unmarshal(raw, &fd); err != nil {
		return nil, fmt.Errorf("%w: corrupt store file: %v", ErrUnavailable, err)
	}
	if fd.Records == nil {
		fd.Records = make(map[string]Record)
	}
	return &fd, nil
}

// save writes the store to disk atomically.
func (s *FileStore) save(data *fileData) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling store: %w", err)
	}

	tmpPath := s.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0600); err != nil {
		return fmt.Errorf("%w: writing store: %v", ErrUnavailable, err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: renaming store: %v", ErrUnavailable, err)
	}

	return nil
}
