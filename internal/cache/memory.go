package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

type memoryEntry struct {
	raw       []byte
	expiresAt time.Time // zero = no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore is an in-process Store for tests and single-node deployments
// without redis. Entries go through the same msgpack codec as the redis
// store so type behavior matches across backends.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// SetClock overrides the store's clock. Tests only.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Get(_ context.Context, key string, dest interface{}) (bool, error) {
	s.mu.Lock()
	entry, ok := s.entries[key]
	if ok && entry.expired(s.now()) {
		delete(s.entries, key)
		ok = false
	}
	s.mu.Unlock()

	if !ok {
		return false, nil
	}
	if err := msgpack.Unmarshal(entry.raw, dest); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	var expiresAt time.Time
	s.mu.Lock()
	if ttl > 0 {
		expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = memoryEntry{raw: raw, expiresAt: expiresAt}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }
