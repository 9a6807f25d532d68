// Package local implements the durable file-backed cache store.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/statcache/internal/metrics"
	"github.com/JakeFAU/statcache/internal/statcache"
)

// DefaultFileName is the document name used when none is configured.
const DefaultFileName = "statiz_cache.json"

// Config captures the parameters for the file-backed cache store.
type Config struct {
	// Dir is the directory holding the cache document.
	Dir string `mapstructure:"dir" yaml:"dir"`
	// FileName is the cache document name inside Dir.
	FileName string `mapstructure:"file_name" yaml:"file_name"`
	// DefaultTTLMinutes applies to loaded entries that carry no TTL.
	DefaultTTLMinutes int `mapstructure:"ttl_minutes" yaml:"ttl_minutes"`
}

// CacheStore keeps the keyspace in memory and mirrors it to a single JSON
// document. Reads are served from memory under a read lock that is never
// held across disk I/O. Writers are serialised by commitMu and publish the
// new keyspace only after the document has been renamed into place.
type CacheStore struct {
	path       string
	defaultTTL int
	logger     *zap.Logger

	commitMu sync.Mutex

	mu      sync.RWMutex
	entries statcache.KeySpace

	// rename is swapped in tests to simulate a crash before the commit point.
	rename func(oldpath, newpath string) error
}

var _ statcache.Store = (*CacheStore)(nil)

// New creates a file-backed cache store. The directory is created when missing
// and must be writable.
func New(cfg Config, logger *zap.Logger) (*CacheStore, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if cfg.FileName == "" {
		cfg.FileName = DefaultFileName
	}
	if cfg.DefaultTTLMinutes <= 0 {
		cfg.DefaultTTLMinutes = statcache.DefaultTTLMinutes
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	info, err := os.Stat(cfg.Dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat cache directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.Dir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("cache directory path is not a directory")
	}

	testFile := filepath.Join(cfg.Dir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("cache directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &CacheStore{
		path:       filepath.Join(cfg.Dir, cfg.FileName),
		defaultTTL: cfg.DefaultTTLMinutes,
		logger:     logger.Named("cache_store"),
		entries:    statcache.KeySpace{},
		rename:     os.Rename,
	}, nil
}

// Path returns the location of the cache document.
func (s *CacheStore) Path() string {
	return s.path
}

// Get returns a copy of the entry for key.
func (s *CacheStore) Get(key string) (statcache.Entry, bool) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return statcache.Entry{}, false
	}
	return entry.Clone(), true
}

// Inspect is a read-only alias of Get for introspection callers.
func (s *CacheStore) Inspect(key string) (statcache.Entry, bool) {
	return s.Get(key)
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

// Put replaces the entry for entry.Key and persists the whole document.
func (s *CacheStore) Put(ctx context.Context, entry statcache.Entry) error {
	if entry.Key == "" {
		return fmt.Errorf("entry key is required")
	}
	return s.commit(ctx, func(next statcache.KeySpace) int {
		next[entry.Key] = entry.Clone()
		return 1
	})
}

// PutAll merges entries into the keyspace in a single commit. An incoming
// entry older than the stored one for the same key is skipped.
func (s *CacheStore) PutAll(ctx context.Context, entries statcache.KeySpace) error {
	return s.commit(ctx, func(next statcache.KeySpace) int {
		return merge(next, entries)
	})
}

func merge(dst, src statcache.KeySpace) int {
	applied := 0
	for key, entry := range src {
		if current, ok := dst[key]; ok && entry.FetchedAt.Before(current.FetchedAt) {
			continue
		}
		entry = entry.Clone()
		entry.Key = key
		dst[key] = entry
		applied++
	}
	return applied
}

func (s *CacheStore) commit(ctx context.Context, apply func(statcache.KeySpace) int) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit canceled: %w", err)
	}

	s.mu.RLock()
	next := s.entries.Clone()
	s.mu.RUnlock()

	if apply(next) == 0 {
		return nil
	}

	data, err := statcache.EncodeDocument(next)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := s.writeAtomic(data); err != nil {
		metrics.ObserveStoreCommit("error", time.Since(start))
		return err
	}
	metrics.ObserveStoreCommit("ok", time.Since(start))

	s.mu.Lock()
	s.entries = next
	s.mu.Unlock()
	return nil
}

// writeAtomic writes data to a temp file next to the document, syncs it,
// and renames it over the document.
func (s *CacheStore) writeAtomic(data []byte) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp cache file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp cache file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp cache file: %w", err)
	}
	if err := s.rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to rename temp cache file: %w", err)
	}
	committed = true
	return nil
}

// LoadAll reads the document into memory. A missing document yields an empty
// keyspace. A corrupt document is moved aside and replaced by an empty
// keyspace; the corruption is logged and counted, never returned.
func (s *CacheStore) LoadAll(ctx context.Context) (statcache.KeySpace, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("load canceled: %w", err)
	}

	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.replace(statcache.KeySpace{})
		return statcache.KeySpace{}, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read cache document: %w", err)
	}

	entries, err := statcache.DecodeDocument(data, statcache.DocumentDefaults{
		TTLMinutes: s.defaultTTL,
		Source:     statcache.SourceLive,
		Now:        time.Now().UTC(),
	})
	if err != nil {
		s.quarantine(statcache.CorruptionError(err, s.path))
		s.replace(statcache.KeySpace{})
		return statcache.KeySpace{}, nil
	}

	s.replace(entries)
	s.logger.Info("cache document loaded", zap.String("path", s.path), zap.Int("keys", len(entries)))
	return entries.Clone(), nil
}

func (s *CacheStore) replace(entries statcache.KeySpace) {
	s.mu.Lock()
	s.entries = entries.Clone()
	s.mu.Unlock()
}

func (s *CacheStore) quarantine(cause error) {
	metrics.ObserveStorageCorruption()
	aside := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
	if err := os.Rename(s.path, aside); err != nil {
		s.logger.Error("cache document corrupt; could not move it aside",
			zap.String("path", s.path), zap.Error(cause), zap.NamedError("rename_error", err))
		return
	}
	s.logger.Error("cache document corrupt; starting empty",
		zap.String("path", s.path), zap.String("moved_to", aside), zap.Error(cause))
}
