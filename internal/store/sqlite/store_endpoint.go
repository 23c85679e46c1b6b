package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/koltyakov/tunnelrelay/internal/domain"
)

// Get returns the current endpoint record; ok is false when no endpoint has
// been written yet.
func (s *Store) Get(ctx context.Context) (domain.EndpointRecord, bool, error) {
	var (
		rec       domain.EndpointRecord
		updatedAt string
	)
	err := s.getStmt.QueryRowContext(ctx).Scan(&rec.URL, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.EndpointRecord{}, false, nil
	}
	if err != nil {
		return domain.EndpointRecord{}, false, storageError("get endpoint", err)
	}
	rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return domain.EndpointRecord{}, false, storageError("get endpoint", fmt.Errorf("parse updated_at %q: %w", updatedAt, err))
	}
	return rec, true, nil
}

// Put replaces the endpoint record with url and the current time in a
// single upsert statement.
func (s *Store) Put(ctx context.Context, url string) (domain.EndpointRecord, error) {
	rec := domain.EndpointRecord{URL: url, UpdatedAt: time.Now().UTC()}
	if _, err := s.putStmt.ExecContext(ctx, rec.URL, rec.UpdatedAt.Format(time.RFC3339Nano)); err != nil {
		return domain.EndpointRecord{}, storageError("put endpoint", err)
	}
	return rec, nil
}
