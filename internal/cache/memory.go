package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store suitable for single-instance deployments
// where cache state doesn't need to be shared across processes. Expired
// entries are cleaned up lazily on read.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string][]byte
	expiry map[string]time.Time
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string][]byte),
		expiry: make(map[string]time.Time),
		now:    time.Now,
	}
}

// SetClock overrides the store's clock. Intended for TTL tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Set stores val under key, replacing any existing entry.
func (s *MemoryStore) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]byte, len(val))
	copy(cp, val)
	s.values[key] = cp
	s.expiry[key] = s.now().Add(ttl)
	return nil
}

// Get returns the value for key, or ErrNotFound if absent or expired.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, exists := s.expiry[key]
	if !exists {
		return nil, ErrNotFound
	}
	if s.now().After(expiry) {
		// Expired - clean it up
		delete(s.values, key)
		delete(s.expiry, key)
		return nil, ErrNotFound
	}

	val := s.values[key]
	cp := make([]byte, len(val))
	copy(cp, val)
	return cp, nil
}
