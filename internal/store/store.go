// Package store defines the keyed conditional-update storage every
// stateful component is built on.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no record exists under the key.
	ErrNotFound = errors.New("store: record not found")
	// ErrAlreadyExists is returned by Insert when the key is taken.
	ErrAlreadyExists = errors.New("store: record already exists")
	// ErrConflict is returned when an optimistic update keeps losing races.
	ErrConflict = errors.New("store: conflicting update")
)

// Record is one versioned entry of a collection. Indexes are secondary
// lookup keys (for example "owner:<id>") maintained alongside the value.
type Record struct {
	Collection string
	Key        string
	Value      []byte
	Indexes    []string
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Store is the conditional-write primitive. Implementations guarantee that
// CompareAndSwap on a single key is linearizable.
type Store interface {
	Get(ctx context.Context, collection, key string) (*Record, error)
	// Insert writes a new record with Version 1.
	Insert(ctx context.Context, rec *Record) error
	// CompareAndSwap replaces value and indexes iff the stored version equals
	// expectedVersion. On success rec.Version is advanced.
	CompareAndSwap(ctx context.Context, rec *Record, expectedVersion int64) (bool, error)
	Delete(ctx context.Context, collection, key string) error
	// Query returns the records carrying the index, ordered by key.
	Query(ctx context.Context, collection, index string) ([]*Record, error)
	// Increment atomically adds delta to a counter that expires ttl after
	// creation. A zero ttl never expires.
	Increment(ctx context.Context, collection, key string, delta int64, ttl time.Duration) (int64, error)
}

// DefaultMaxAttempts bounds the optimistic retry loop in Mutate.
const DefaultMaxAttempts = 16

// Load reads and decodes the value stored under key.
func Load[T any](ctx context.Context, s Store, collection, key string) (T, *Record, error) {
	var v T
	rec, err := s.Get(ctx, collection, key)
	if err != nil {
		return v, nil, err
	}
	if err := json.Unmarshal(rec.Value, &v); err != nil {
		return v, nil, fmt.Errorf("decode %s/%s: %w", collection, key, err)
	}
	return v, rec, nil
}

// Create encodes v and inserts it as a new record.
func Create[T any](ctx context.Context, s Store, collection, key string, v T, indexes ...string) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}
	return s.Insert(ctx, &Record{Collection: collection, Key: key, Value: raw, Indexes: indexes})
}

// Encode replaces the record's value and indexes with v, keeping its version.
func Encode[T any](rec *Record, v T, indexes ...string) (*Record, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s/%s: %w", rec.Collection, rec.Key, err)
	}
	rec.Value = raw
	rec.Indexes = indexes
	return rec, nil
}

// Mutation inspects the current value and returns the replacement together
// with its indexes. Returning an error aborts the update without writing.
type Mutation[T any] func(current T) (next T, indexes []string, err error)

// Mutate runs the read, check, compare-and-swap loop for one key. It retries
// when a concurrent writer wins and gives up with ErrConflict after
// DefaultMaxAttempts.
func Mutate[T any](ctx context.Context, s Store, collection, key string, fn Mutation[T]) (T, error) {
	var zero T
	for attempt := 0; attempt < DefaultMaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		current, rec, err := Load[T](ctx, s, collection, key)
		if err != nil {
			return zero, err
		}
		next, indexes, err := fn(current)
		if err != nil {
			return zero, err
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return zero, fmt.Errorf("encode %s/%s: %w", collection, key, err)
		}
		expected := rec.Version
		rec.Value = raw
		rec.Indexes = indexes
		ok, err := s.CompareAndSwap(ctx, rec, expected)
		if err != nil {
			return zero, err
		}
		if ok {
			return next, nil
		}
	}
	return zero, fmt.Errorf("%s/%s: %w", collection, key, ErrConflict)
}

// QueryAll decodes every record carrying the index.
func QueryAll[T any](ctx context.Context, s Store, collection, index string) ([]T, error) {
	recs, err := s.Query(ctx, collection, index)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		var v T
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, rec.Key, err)
		}
		out = append(out, v)
	}
	return out, nil
}
