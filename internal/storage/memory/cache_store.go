// Package memory stores the cache keyspace in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/statcache/internal/statcache"
)

// CacheStore implements statcache.Store without persistence.
type CacheStore struct {
	mu      sync.RWMutex
	entries statcache.KeySpace
}

var _ statcache.Store = (*CacheStore)(nil)

// NewCacheStore creates an empty in-memory cache store.
func NewCacheStore() *CacheStore {
	return &CacheStore{entries: statcache.KeySpace{}}
}

// Get returns a copy of the entry for key.
func (s *CacheStore) Get(key string) (statcache.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok {
		return statcache.Entry{}, false
	}
	return entry.Clone(), true
}

// Inspect returns a copy of the entry for key.
func (s *CacheStore) Inspect(key string) (statcache.Entry, bool) {
	return s.Get(key)
}

// Put replaces the entry for entry.Key.
func (s *CacheStore) Put(ctx context.Context, entry statcache.Entry) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("put canceled: %w", err)
	}
	if entry.Key == "" {
		return fmt.Errorf("entry key is required")
	}
	s.mu.Lock()
	s.entries[entry.Key] = entry.Clone()
	s.mu.Unlock()
	return nil
}

// PutAll merges entries, skipping any older than the stored entry for the same key.
func (s *CacheStore) PutAll(ctx context.Context, entries statcache.KeySpace) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("put canceled: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range entries {
		if current, ok := s.entries[key]; ok && entry.FetchedAt.Before(current.FetchedAt) {
			continue
		}
		entry = entry.Clone()
		entry.Key = key
		s.entries[key] = entry
	}
	return nil
}

// LoadAll returns a copy of the current keyspace.
func (s *CacheStore) LoadAll(_ context.Context) (statcache.KeySpace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries.Clone(), nil
}

// ListKeys returns all keys in sorted order.
func (s *CacheStore) ListKeys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}
