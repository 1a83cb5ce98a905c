package repo

import (
	"context"
	"fmt"
	"time"

	"docapi/internal/infra"
	"docapi/internal/sqlinline"
	"docapi/internal/store"
)

// PGStore implements store.Store on a single Postgres table. Conditional
// writes compare the row version inside one UPDATE statement.
type PGStore struct {
	sql infra.SQLExecutor
}

// NewPGStore creates a Postgres-backed record store.
func NewPGStore(sql infra.SQLExecutor) *PGStore {
	return &PGStore{sql: sql}
}

// EnsureSchema creates the record and counter tables when missing.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	_, err := s.sql.Exec(ctx, sqlinline.QEnsureRecordSchema)
	return err
}

// Get fetches a record by key.
func (s *PGStore) Get(ctx context.Context, collection, key string) (*store.Record, error) {
	rec := &store.Record{Collection: collection, Key: key}
	row := s.sql.QueryRow(ctx, sqlinline.QSelectRecord, collection, key)
	if err := row.Scan(&rec.Value, &rec.Indexes, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if infra.IsNoRows(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

// Insert writes a new record; a taken key yields store.ErrAlreadyExists.
func (s *PGStore) Insert(ctx context.Context, rec *store.Record) error {
	row := s.sql.QueryRow(ctx, sqlinline.QInsertRecord, rec.Collection, rec.Key, rec.Value, nonNilIndexes(rec.Indexes))
	var created, updated time.Time
	if err := row.Scan(&created, &updated); err != nil {
		if infra.IsNoRows(err) {
			return store.ErrAlreadyExists
		}
		return err
	}
	rec.Version = 1
	rec.CreatedAt = created
	rec.UpdatedAt = updated
	return nil
}

// CompareAndSwap replaces the record iff its version still matches.
func (s *PGStore) CompareAndSwap(ctx context.Context, rec *store.Record, expectedVersion int64) (bool, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QCompareAndSwapRecord,
		rec.Collection, rec.Key, rec.Value, nonNilIndexes(rec.Indexes), expectedVersion)
	var version int64
	var created, updated time.Time
	err := row.Scan(&version, &created, &updated)
	if err == nil {
		rec.Version = version
		rec.CreatedAt = created
		rec.UpdatedAt = updated
		return true, nil
	}
	if !infra.IsNoRows(err) {
		return false, err
	}

	var exists bool
	if err := s.sql.QueryRow(ctx, sqlinline.QRecordExists, rec.Collection, rec.Key).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, store.ErrNotFound
	}
	return false, nil
}

// Delete removes a record.
func (s *PGStore) Delete(ctx context.Context, collection, key string) error {
	tag, err := s.sql.Exec(ctx, sqlinline.QDeleteRecord, collection, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Query lists records carrying the index in key order.
func (s *PGStore) Query(ctx context.Context, collection, index string) ([]*store.Record, error) {
	rows, err := s.sql.Query(ctx, sqlinline.QSelectRecordsByIndex, collection, index)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Record
	for rows.Next() {
		rec := &store.Record{Collection: collection}
		if err := rows.Scan(&rec.Key, &rec.Value, &rec.Indexes, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Increment bumps a self-expiring counter.
func (s *PGStore) Increment(ctx context.Context, collection, key string, delta int64, ttl time.Duration) (int64, error) {
	var value int64
	row := s.sql.QueryRow(ctx, sqlinline.QIncrementCounter, collection, key, delta, ttl.Milliseconds())
	if err := row.Scan(&value); err != nil {
		return 0, fmt.Errorf("increment %s/%s: %w", collection, key, err)
	}
	return value, nil
}

// PurgeExpiredCounters deletes counters whose window has passed.
func (s *PGStore) PurgeExpiredCounters(ctx context.Context) (int64, error) {
	tag, err := s.sql.Exec(ctx, sqlinline.QPurgeExpiredCounters)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func nonNilIndexes(idx []string) []string {
	if idx == nil {
		return []string{}
	}
	return idx
}

var _ store.Store = (*PGStore)(nil)
