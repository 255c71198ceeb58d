package store

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is a process-local Store. Expired keys are dropped lazily on access.
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[string]memoryEntry
	keyPrefix string
	now       func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(keyPrefix string) *MemoryStore {
	return &MemoryStore{
		entries:   make(map[string]memoryEntry),
		keyPrefix: keyPrefix,
		now:       time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.lookup(key)
	if !ok {
		return "", notFound(key)
	}
	return entry.value, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[m.keyPrefix+key] = m.entry(value, ttl)
	return nil
}

func (m *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.entries[m.keyPrefix+key] = m.entry(value, ttl)
	return true, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, m.keyPrefix+key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// lookup must be called with mu held
func (m *MemoryStore) lookup(key string) (memoryEntry, bool) {
	entry, ok := m.entries[m.keyPrefix+key]
	if !ok {
		return memoryEntry{}, false
	}
	if entry.expired(m.now()) {
		delete(m.entries, m.keyPrefix+key)
		return memoryEntry{}, false
	}
	return entry, true
}

func (m *MemoryStore) entry(value string, ttl time.Duration) memoryEntry {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	return entry
}
