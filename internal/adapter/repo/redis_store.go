package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"docapi/internal/store"
)

// RedisStore implements store.Store on Redis hashes. Conditional writes use
// WATCH/MULTI so a concurrent writer aborts the transaction.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a Redis-backed record store. Keys are namespaced with prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "docapi"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) recordKey(collection, key string) string {
	return fmt.Sprintf("%s:kv:%s:%s", s.prefix, collection, key)
}

func (s *RedisStore) indexKey(collection, index string) string {
	return fmt.Sprintf("%s:kvidx:%s:%s", s.prefix, collection, index)
}

func (s *RedisStore) counterKey(collection, key string) string {
	return fmt.Sprintf("%s:kvctr:%s:%s", s.prefix, collection, key)
}

// Get fetches a record by key.
func (s *RedisStore) Get(ctx context.Context, collection, key string) (*store.Record, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(collection, key)).Result()
	if err != nil {
		return nil, err
	}
	return decodeHash(collection, key, fields)
}

// Insert writes a new record; a taken key yields store.ErrAlreadyExists.
func (s *RedisStore) Insert(ctx context.Context, rec *store.Record) error {
	rk := s.recordKey(rec.Collection, rec.Key)
	now := s.now().UTC()
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, rk).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return store.ErrAlreadyExists
		}
		idx, err := json.Marshal(nonNilIndexes(rec.Indexes))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, rk,
				"value", rec.Value,
				"indexes", idx,
				"version", 1,
				"created_at", now.UnixNano(),
				"updated_at", now.UnixNano(),
			)
			for _, index := range rec.Indexes {
				p.SAdd(ctx, s.indexKey(rec.Collection, index), rec.Key)
			}
			return nil
		})
		return err
	}, rk)
	if errors.Is(err, redis.TxFailedErr) {
		return store.ErrAlreadyExists
	}
	if err != nil {
		return err
	}
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return nil
}

// CompareAndSwap replaces the record iff its version still matches.
func (s *RedisStore) CompareAndSwap(ctx context.Context, rec *store.Record, expectedVersion int64) (bool, error) {
	rk := s.recordKey(rec.Collection, rec.Key)
	now := s.now().UTC()
	var current *store.Record
	swapped := false
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, rk).Result()
		if err != nil {
			return err
		}
		current, err = decodeHash(rec.Collection, rec.Key, fields)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return nil
		}
		idx, err := json.Marshal(nonNilIndexes(rec.Indexes))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, rk,
				"value", rec.Value,
				"indexes", idx,
				"version", expectedVersion+1,
				"updated_at", now.UnixNano(),
			)
			for _, index := range current.Indexes {
				if !contains(rec.Indexes, index) {
					p.SRem(ctx, s.indexKey(rec.Collection, index), rec.Key)
				}
			}
			for _, index := range rec.Indexes {
				p.SAdd(ctx, s.indexKey(rec.Collection, index), rec.Key)
			}
			return nil
		})
		if err == nil {
			swapped = true
		}
		return err
	}, rk)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if swapped {
		rec.Version = expectedVersion + 1
		rec.CreatedAt = current.CreatedAt
		rec.UpdatedAt = now
	}
	return swapped, nil
}

// Delete removes a record and its index memberships.
func (s *RedisStore) Delete(ctx context.Context, collection, key string) error {
	rk := s.recordKey(collection, key)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, rk).Result()
		if err != nil {
			return err
		}
		current, err := decodeHash(collection, key, fields)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, rk)
			for _, index := range current.Indexes {
				p.SRem(ctx, s.indexKey(collection, index), key)
			}
			return nil
		})
		return err
	}, rk)
}

// Query lists records carrying the index in key order.
func (s *RedisStore) Query(ctx context.Context, collection, index string) ([]*store.Record, error) {
	keys, err := s.client.SMembers(ctx, s.indexKey(collection, index)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)

	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = p.HGetAll(ctx, s.recordKey(collection, key))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]*store.Record, 0, len(keys))
	for i, key := range keys {
		rec, err := decodeHash(collection, key, cmds[i].Val())
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if contains(rec.Indexes, index) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Increment bumps a counter; the expiry is set by the call that creates it.
func (s *RedisStore) Increment(ctx context.Context, collection, key string, delta int64, ttl time.Duration) (int64, error) {
	ck := s.counterKey(collection, key)
	n, err := s.client.IncrBy(ctx, ck, delta).Result()
	if err != nil {
		return 0, err
	}
	if n == delta && ttl > 0 {
		if err := s.client.PExpire(ctx, ck, ttl).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func decodeHash(collection, key string, fields map[string]string) (*store.Record, error) {
	if len(fields) == 0 {
		return nil, store.ErrNotFound
	}
	rec := &store.Record{Collection: collection, Key: key, Value: []byte(fields["value"])}
	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode version of %s/%s: %w", collection, key, err)
	}
	rec.Version = version
	if raw := fields["indexes"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Indexes); err != nil {
			return nil, fmt.Errorf("decode indexes of %s/%s: %w", collection, key, err)
		}
	}
	rec.CreatedAt = unixNano(fields["created_at"])
	rec.UpdatedAt = unixNano(fields["updated_at"])
	return rec, nil
}

func unixNano(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

var _ store.Store = (*RedisStore)(nil)
