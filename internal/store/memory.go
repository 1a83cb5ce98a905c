package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and single-node development.
type Memory struct {
	mu       sync.RWMutex
	records  map[string]map[string]*Record
	counters map[string]*counter
	now      func() time.Time
}

type counter struct {
	value     int64
	expiresAt time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records:  make(map[string]map[string]*Record),
		counters: make(map[string]*counter),
		now:      time.Now,
	}
}

// WithClock overrides the clock used for timestamps and counter expiry.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Get(_ context.Context, collection, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[collection][key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *Memory) Insert(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.records[rec.Collection]
	if !ok {
		coll = make(map[string]*Record)
		m.records[rec.Collection] = coll
	}
	if _, exists := coll[rec.Key]; exists {
		return ErrAlreadyExists
	}
	now := m.now().UTC()
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now
	coll[rec.Key] = cloneRecord(rec)
	return nil
}

func (m *Memory) CompareAndSwap(_ context.Context, rec *Record, expectedVersion int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.records[rec.Collection][rec.Key]
	if !ok {
		return false, ErrNotFound
	}
	if current.Version != expectedVersion {
		return false, nil
	}
	rec.Version = expectedVersion + 1
	rec.CreatedAt = current.CreatedAt
	rec.UpdatedAt = m.now().UTC()
	m.records[rec.Collection][rec.Key] = cloneRecord(rec)
	return true, nil
}

func (m *Memory) Delete(_ context.Context, collection, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[collection][key]; !ok {
		return ErrNotFound
	}
	delete(m.records[collection], key)
	return nil
}

func (m *Memory) Query(_ context.Context, collection, index string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Record
	for _, rec := range m.records[collection] {
		for _, idx := range rec.Indexes {
			if idx == index {
				out = append(out, cloneRecord(rec))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) Increment(_ context.Context, collection, key string, delta int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	id := collection + "/" + key
	c, ok := m.counters[id]
	if !ok || (!c.expiresAt.IsZero() && !now.Before(c.expiresAt)) {
		c = &counter{}
		if ttl > 0 {
			c.expiresAt = now.Add(ttl)
		}
		m.counters[id] = c
	}
	c.value += delta
	return c.value, nil
}

func cloneRecord(rec *Record) *Record {
	cp := *rec
	cp.Value = append([]byte(nil), rec.Value...)
	cp.Indexes = append([]string(nil), rec.Indexes...)
	return &cp
}

var _ Store = (*Memory)(nil)
