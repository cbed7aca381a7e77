package store

import (
	"context"
	"errors"
)

// ConflictCounter receives one call per optimistic-concurrency conflict.
// *metrics.Metrics satisfies it.
type ConflictCounter interface {
	RecordConflict()
}

// Instrument wraps s so every ErrConflict returned by Put is counted on
// c. Reads pass through untouched.
func Instrument(s Store, c ConflictCounter) Store {
	return &instrumentedStore{Store: s, counter: c}
}

type instrumentedStore struct {
	Store
	counter ConflictCounter
}

func (s *instrumentedStore) Put(ctx context.Context, key string, value any, expectedVersion int64) (Record, error) {
	rec, err := s.Store.Put(ctx, key, value, expectedVersion)
	if errors.Is(err, ErrConflict) {
		s.counter.RecordConflict()
	}
	return rec, err
}
