package store

import (
	"context"
	"sync"
	"time"
)

type memoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	leases  map[string]time.Time
	hits    map[string]map[string]int64
}

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

// NewMemory returns an in-process store with the same semantics as the redis
// backend. Coalescing through it only spans one process, which is fine for
// tests and single-node deployments.
func NewMemory() Store {
	return &memoryStore{
		entries: make(map[string]memoryEntry),
		leases:  make(map[string]time.Time),
		hits:    make(map[string]map[string]int64),
	}
}

func (s *memoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	if time.Now().After(stored.expiresAt) {
		delete(s.entries, key)
		return Entry{}, false, nil
	}
	return stored.entry, true, nil
}

func (s *memoryStore) Set(_ context.Context, key string, entry Entry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.FetchedAt.IsZero() {
		entry.FetchedAt = time.Now().UTC()
	}
	if ttl <= 0 {
		return nil
	}
	s.entries[key] = memoryEntry{entry: entry, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *memoryStore) AcquireLease(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if expiry, ok := s.leases[key]; ok && time.Now().Before(expiry) {
		return false, nil
	}
	s.leases[key] = time.Now().Add(ttl)
	return true, nil
}

func (s *memoryStore) ReleaseLease(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, key)
	return nil
}

func (s *memoryStore) IncrRuleHit(_ context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.hits[key]
	if !ok {
		bucket = make(map[string]int64)
		s.hits[key] = bucket
	}
	bucket[member]++
	return nil
}

// RuleHits exposes the diagnostics counters for tests.
func (s *memoryStore) RuleHits(key string) map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.hits[key]))
	for member, count := range s.hits[key] {
		out[member] = count
	}
	return out
}

func (s *memoryStore) Close(context.Context) error {
	return nil
}
