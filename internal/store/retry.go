package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig bounds conflict retries on store writes.
type RetryConfig struct {
	// Attempts is the total number of tries. Default: 5.
	Attempts int

	// InitialBackoff is the first wait between tries. Default: 50ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between tries. Default: 1s.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns the default conflict retry budget.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:       5,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     time.Second,
	}
}

func (c *RetryConfig) applyDefaults() {
	defaults := DefaultRetryConfig()
	if c.Attempts == 0 {
		c.Attempts = defaults.Attempts
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaults.InitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
}

// UpdateFunc computes the next value for a key given the current record.
// current is nil when the key does not yet exist. Returning an error aborts
// the update without writing.
type UpdateFunc func(current *Record) (next any, err error)

// Update performs a read-modify-write with bounded conflict retries and
// jittered exponential backoff. On ErrConflict it re-reads the key and calls
// fn again against the fresh record; after the budget is spent it returns
// ErrRetryExhausted wrapping the last conflict.
func Update(ctx context.Context, s Store, key string, cfg RetryConfig, fn UpdateFunc) (Record, error) {
	cfg.applyDefaults()

	backoff := cfg.InitialBackoff
	var lastErr error

	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		var current *Record
		expected := VersionAbsent

		rec, err := s.Get(ctx, key)
		switch {
		case err == nil:
			current = &rec
			expected = rec.Version
		case errors.Is(err, ErrNotFound):
			// create-if-absent path
		default:
			return Record{}, err
		}

		next, err := fn(current)
		if err != nil {
			return Record{}, err
		}

		written, err := s.Put(ctx, key, next, expected)
		if err == nil {
			return written, nil
		}
		if !errors.Is(err, ErrConflict) {
			return Record{}, err
		}
		lastErr = err

		// Jittered backoff before re-reading; last attempt skips the wait.
		if attempt == cfg.Attempts-1 {
			break
		}
		wait := backoff/2 + time.Duration(rand.Int63n(int64(backoff/2)+1))
		select {
		case <-ctx.Done():
			return Record{}, ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return Record{}, fmt.Errorf("%w after %d attempts on %s: %v", ErrRetryExhausted, cfg.Attempts, key, lastErr)
}
