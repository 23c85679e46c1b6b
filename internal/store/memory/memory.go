// Package memory implements a volatile endpoint store. The record is lost
// when the process exits.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/koltyakov/tunnelrelay/internal/domain"
)

// Store holds the current endpoint record in memory.
type Store struct {
	mu  sync.RWMutex
	rec *domain.EndpointRecord
	now func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{now: time.Now}
}

// Get returns the current record; ok is false when nothing was written yet.
func (s *Store) Get(ctx context.Context) (domain.EndpointRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.EndpointRecord{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rec == nil {
		return domain.EndpointRecord{}, false, nil
	}
	return *s.rec, true, nil
}

// Put replaces the record with url and the current time.
func (s *Store) Put(ctx context.Context, url string) (domain.EndpointRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.EndpointRecord{}, err
	}
	rec := &domain.EndpointRecord{URL: url, UpdatedAt: s.now().UTC()}
	s.mu.Lock()
	s.rec = rec
	s.mu.Unlock()
	return *rec, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
