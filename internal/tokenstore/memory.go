package tokenstore

import (
	"context"
	"sync"
	"time"

	"github.com/ferux/pairbroker/internal/model"
)

const sweepPeriod = time.Minute

type record struct {
	value     string
	expiresAt time.Time
}

// Memory keeps records in process memory. It's used when redis is not
// configured and in tests. Records don't survive restart.
type Memory struct {
	mu        sync.Mutex
	records   map[string]record
	now       func() time.Time
	lastSweep time.Time
}

// MemoryOption configures Memory.
type MemoryOption func(*Memory)

// WithClock replaces time source used to expire records.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		records: make(map[string]record),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.lastSweep = m.now()

	return m
}

func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return unavailable("set", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sweep(now)
	m.records[key] = record{value: value, expiresAt: now.Add(ttl)}

	return nil
}

func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", unavailable("get", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.lookup(key)
	if !ok {
		return "", model.ErrNotFound
	}

	return r.value, nil
}

func (m *Memory) Pop(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", unavailable("pop", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.lookup(key)
	if !ok {
		return "", model.ErrNotFound
	}

	delete(m.records, key)

	return r.value, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return unavailable("delete", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, key)

	return nil
}

func (m *Memory) Close() error { return nil }

// lookup must be called under m.mu.
func (m *Memory) lookup(key string) (record, bool) {
	r, ok := m.records[key]
	if !ok {
		return record{}, false
	}

	if !m.now().Before(r.expiresAt) {
		delete(m.records, key)
		return record{}, false
	}

	return r, true
}

// sweep must be called under m.mu.
func (m *Memory) sweep(now time.Time) {
	if now.Sub(m.lastSweep) < sweepPeriod {
		return
	}

	m.lastSweep = now
	for k, r := range m.records {
		if !now.Before(r.expiresAt) {
			delete(m.records, k)
		}
	}
}
