// Package refresh coordinates cache lookups with single-flight live refreshes
// and remote snapshot fallback.
package refresh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/statcache/internal/metrics"
	"github.com/JakeFAU/statcache/internal/remote"
	"github.com/JakeFAU/statcache/internal/statcache"
)

const sideEffectTimeout = 5 * time.Second

// Config is fixed at construction.
type Config struct {
	Mode       statcache.Mode
	TTLMinutes int
	// SnapshotURLs are tried in order when a snapshot is needed.
	SnapshotURLs    []string
	SnapshotTimeout time.Duration
	// NotifyTopic receives a RefreshEvent after each successful live refresh.
	NotifyTopic string
}

// Coordinator serves keys from the store and refreshes expired ones.
type Coordinator struct {
	cfg       Config
	store     statcache.Store
	fetcher   statcache.Fetcher
	snapshots statcache.SnapshotSource
	clock     statcache.Clock
	retry     *ExponentialRetryPolicy
	sleep     func(context.Context, time.Duration) error
	recorder  statcache.RefreshRecorder
	publisher statcache.Publisher
	hasher    statcache.Hasher
	ids       statcache.IDGenerator
	logger    *zap.Logger

	tickets       singleflight.Group
	snapshotCalls singleflight.Group

	mu         sync.Mutex
	refreshing map[string]struct{}
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithSnapshots sets the source used for cache-only misses and Seed.
func WithSnapshots(src statcache.SnapshotSource) Option {
	return func(c *Coordinator) { c.snapshots = src }
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p *ExponentialRetryPolicy) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.retry = p
		}
	}
}

// WithRecorder writes an audit record for every live refresh.
func WithRecorder(r statcache.RefreshRecorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// WithPublisher announces successful live refreshes.
func WithPublisher(p statcache.Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

// WithHasher sets the payload digest used in audit records and events.
func WithHasher(h statcache.Hasher) Option {
	return func(c *Coordinator) { c.hasher = h }
}

// WithIDGenerator sets the audit record id source.
func WithIDGenerator(g statcache.IDGenerator) Option {
	return func(c *Coordinator) { c.ids = g }
}

// New builds a Coordinator. fetcher may be nil only in cache-only mode.
func New(cfg Config, store statcache.Store, fetcher statcache.Fetcher, clock statcache.Clock, logger *zap.Logger, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	switch cfg.Mode {
	case statcache.ModeLive:
		if fetcher == nil {
			return nil, errors.New("fetcher is required in live mode")
		}
	case statcache.ModeCacheOnly:
	default:
		return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}
	if cfg.TTLMinutes <= 0 {
		cfg.TTLMinutes = statcache.DefaultTTLMinutes
	}
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = remote.DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		cfg:        cfg,
		store:      store,
		fetcher:    fetcher,
		clock:      clock,
		retry:      NewExponentialRetryPolicy(RetryConfig{Retries: 2}),
		sleep:      sleepContext,
		logger:     logger.Named("refresh"),
		refreshing: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Mode reports the acquisition mode.
func (c *Coordinator) Mode() statcache.Mode {
	return c.cfg.Mode
}

// GetOrRefresh returns the entry for key, refreshing it when it is missing
// or expired. Errors satisfy errors.Is with statcache.ErrNotFound or
// statcache.ErrFetchFatal. If ctx ends while a shared refresh is running the
// caller returns early and the refresh carries on.
func (c *Coordinator) GetOrRefresh(ctx context.Context, key string) (statcache.Entry, error) {
	ctx, span := otel.Tracer("statcache/refresh").Start(ctx, "refresh.GetOrRefresh")
	span.SetAttributes(attribute.String("statcache.key", key), attribute.String("statcache.mode", string(c.cfg.Mode)))
	defer span.End()

	entry, ok := c.store.Get(key)
	if ok && entry.IsFresh(c.clock.Now()) {
		metrics.ObserveLookup("fresh")
		span.SetAttributes(attribute.String("statcache.source", string(entry.Source)))
		return entry, nil
	}
	if ok {
		metrics.ObserveLookup("expired")
	} else {
		metrics.ObserveLookup("miss")
	}

	var (
		out statcache.Entry
		err error
	)
	if c.cfg.Mode == statcache.ModeCacheOnly {
		out, err = c.fromSnapshot(ctx, key, entry, ok)
	} else {
		out, err = c.await(ctx, key)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lookup failed")
		return statcache.Entry{}, err
	}
	span.SetAttributes(attribute.String("statcache.source", string(out.Source)))
	return out, nil
}

// Refreshing reports whether a live refresh for key is in progress.
func (c *Coordinator) Refreshing(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.refreshing[key]
	return ok
}

// RefreshingKeys lists the keys with a live refresh in progress.
func (c *Coordinator) RefreshingKeys() []string {
	c.mu.Lock()
	keys := make([]string, 0, len(c.refreshing))
	for key := range c.refreshing {
		keys = append(keys, key)
	}
	c.mu.Unlock()
	sort.Strings(keys)
	return keys
}

func (c *Coordinator) fromSnapshot(ctx context.Context, key string, local statcache.Entry, hasLocal bool) (statcache.Entry, error) {
	if hasLocal {
		return local.WithSource(statcache.SourceStale), nil
	}
	var lastErr error
	for _, url := range c.cfg.SnapshotURLs {
		snapshot, err := c.snapshot(ctx, url)
		if err != nil {
			if ctx.Err() != nil {
				return statcache.Entry{}, fmt.Errorf("await snapshot for %s: %w", key, ctx.Err())
			}
			c.logger.Warn("snapshot unavailable", zap.String("url", url), zap.Error(err))
			lastErr = err
			continue
		}
		hit, found := snapshot[key]
		if !found {
			continue
		}
		if err := c.store.PutAll(ctx, snapshot); err != nil {
			c.logger.Warn("persist snapshot failed", zap.String("url", url), zap.Error(err))
		}
		hit.Key = key
		return hit.WithSource(statcache.SourceRemote), nil
	}
	return statcache.Entry{}, statcache.NotFoundError(key, lastErr)
}

// snapshot collapses concurrent fetches of the same snapshot URL.
func (c *Coordinator) snapshot(ctx context.Context, url string) (statcache.KeySpace, error) {
	if c.snapshots == nil {
		return nil, statcache.RemoteError(nil, "no snapshot source configured")
	}
	detached := context.WithoutCancel(ctx)
	ch := c.snapshotCalls.DoChan(url, func() (any, error) {
		return c.snapshots.FetchSnapshot(detached, url, c.cfg.SnapshotTimeout)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		snapshot, _ := res.Val.(statcache.KeySpace)
		return snapshot, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) await(ctx context.Context, key string) (statcache.Entry, error) {
	detached := context.WithoutCancel(ctx)
	ch := c.tickets.DoChan(key, func() (any, error) {
		return c.refresh(detached, key)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return statcache.Entry{}, res.Err
		}
		entry, _ := res.Val.(statcache.Entry)
		return entry.Clone(), nil
	case <-ctx.Done():
		return statcache.Entry{}, fmt.Errorf("await refresh of %s: %w", key, ctx.Err())
	}
}

// refresh runs once per ticket. ctx is already detached from the caller.
func (c *Coordinator) refresh(ctx context.Context, key string) (statcache.Entry, error) {
	c.mu.Lock()
	c.refreshing[key] = struct{}{}
	c.mu.Unlock()
	metrics.IncRefreshesInFlight()
	defer func() {
		metrics.DecRefreshesInFlight()
		c.mu.Lock()
		delete(c.refreshing, key)
		c.mu.Unlock()
	}()

	// A ticket holder that finished between the caller's lookup and this
	// ticket may already have stored a fresh entry.
	previous, hadPrevious := c.store.Get(key)
	if hadPrevious && previous.IsFresh(c.clock.Now()) {
		return previous, nil
	}

	record := statcache.RefreshRecord{Key: key, StartedAt: c.clock.Now()}

	result, attempts := c.fetchWithRetry(ctx, key)
	record.Attempts = attempts

	if result.OK() {
		entry := statcache.Entry{
			Key:        key,
			Payload:    result.Payload,
			FetchedAt:  c.clock.Now(),
			TTLMinutes: c.cfg.TTLMinutes,
			Source:     statcache.SourceLive,
		}
		if err := c.store.Put(ctx, entry); err != nil {
			c.logger.Error("persist refreshed entry failed", zap.String("key", key), zap.Error(err))
		}
		record.Outcome = statcache.OutcomeFetched
		record.Source = statcache.SourceLive
		record.Digest, record.Changed = c.digest(entry.Payload, previous.Payload, hadPrevious)
		c.logger.Info("refreshed",
			zap.String("key", key),
			zap.Int("attempts", attempts),
			zap.Bool("changed", record.Changed),
		)
		c.finish(ctx, record)
		c.notify(ctx, statcache.RefreshEvent{
			Key:       key,
			Source:    statcache.SourceLive,
			Digest:    record.Digest,
			Changed:   record.Changed,
			FetchedAt: entry.FetchedAt,
		})
		return entry.Clone(), nil
	}

	record.ErrText = result.Err.Error()
	if current, ok := c.store.Get(key); ok {
		if current.IsFresh(c.clock.Now()) {
			// Another writer stored fresh data while this refresh was failing.
			record.Outcome = statcache.OutcomeFetched
			record.Source = current.Source
			c.finish(ctx, record)
			return current, nil
		}
		c.logger.Warn("refresh failed, serving stale entry",
			zap.String("key", key),
			zap.Int("attempts", attempts),
			zap.Duration("age", current.Age(c.clock.Now())),
			zap.Error(result.Err),
		)
		record.Outcome = statcache.OutcomeStale
		record.Source = statcache.SourceStale
		c.finish(ctx, record)
		return current.WithSource(statcache.SourceStale), nil
	}

	err := failureError(key, result)
	if errors.Is(err, statcache.ErrFetchFatal) {
		record.Outcome = statcache.OutcomeFailed
	} else {
		record.Outcome = statcache.OutcomeNotFound
	}
	c.logger.Warn("refresh failed",
		zap.String("key", key),
		zap.Int("attempts", attempts),
		zap.Bool("retryable", result.Retryable),
		zap.Error(result.Err),
	)
	c.finish(ctx, record)
	return statcache.Entry{}, err
}

func (c *Coordinator) fetchWithRetry(ctx context.Context, key string) (statcache.FetchResult, int) {
	for attempt := 1; ; attempt++ {
		result := c.fetchOnce(ctx, key)
		if !c.retry.ShouldRetry(result, attempt) {
			return result, attempt
		}
		delay := c.retry.Backoff(attempt)
		c.logger.Debug("retrying fetch",
			zap.String("key", key),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(result.Err),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return statcache.RetryableFailure(err, "backoff interrupted"), attempt
		}
	}
}

func (c *Coordinator) fetchOnce(ctx context.Context, key string) (result statcache.FetchResult) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("fetcher panicked", zap.String("key", key), zap.Any("panic", r))
			result = statcache.RetryableFailure(fmt.Errorf("fetcher panic: %v", r), "fetch "+key)
		}
	}()
	result = c.fetcher.Fetch(ctx, key)
	if result.OK() && len(result.Payload) == 0 {
		return statcache.RetryableFailure(errors.New("empty payload"), "fetch "+key)
	}
	return result
}

func failureError(key string, result statcache.FetchResult) error {
	if !result.Retryable {
		err := result.Err
		if !errors.Is(err, statcache.ErrFetchFatal) {
			err = statcache.FatalFailure(err, "fetch "+key).Err
		}
		return fmt.Errorf("refresh %s: %w", key, err)
	}
	err := result.Err
	if !errors.Is(err, statcache.ErrFetchTimeout) {
		err = statcache.RetryableFailure(err, "fetch "+key).Err
	}
	return statcache.NotFoundError(key, err)
}

func (c *Coordinator) digest(payload, previous []byte, hadPrevious bool) (string, bool) {
	if c.hasher == nil {
		return "", !hadPrevious || !bytes.Equal(payload, previous)
	}
	sum, err := c.hasher.Hash(payload)
	if err != nil {
		c.logger.Warn("hash payload failed", zap.Error(err))
		return "", !hadPrevious || !bytes.Equal(payload, previous)
	}
	if !hadPrevious {
		return sum, true
	}
	prevSum, err := c.hasher.Hash(previous)
	if err != nil {
		return sum, !bytes.Equal(payload, previous)
	}
	return sum, sum != prevSum
}

// finish records metrics and the audit row. Audit failures are logged only.
func (c *Coordinator) finish(ctx context.Context, record statcache.RefreshRecord) {
	record.FinishedAt = c.clock.Now()
	metrics.ObserveRefresh(record.Outcome)
	if c.recorder == nil {
		return
	}
	if c.ids != nil {
		id, err := c.ids.NewID()
		if err != nil {
			c.logger.Warn("generate refresh id failed", zap.Error(err))
		}
		record.ID = id
	}
	ctx, cancel := context.WithTimeout(ctx, sideEffectTimeout)
	defer cancel()
	if err := c.recorder.RecordRefresh(ctx, record); err != nil {
		c.logger.Warn("record refresh failed", zap.String("key", record.Key), zap.Error(err))
	}
}

func (c *Coordinator) notify(ctx context.Context, event statcache.RefreshEvent) {
	if c.publisher == nil || c.cfg.NotifyTopic == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, sideEffectTimeout)
	defer cancel()
	msgID, err := c.publisher.Publish(ctx, c.cfg.NotifyTopic, event)
	if err != nil {
		c.logger.Warn("publish refresh event failed", zap.String("key", event.Key), zap.Error(err))
		return
	}
	c.logger.Debug("published refresh event", zap.String("key", event.Key), zap.String("message_id", msgID))
}

// WarmResult is the outcome of warming one key.
type WarmResult struct {
	Key    string
	Source statcache.Source
	Err    error
}

// Warm resolves every key through GetOrRefresh with at most parallelism
// concurrent lookups. Failures are reported per key and never stop the run.
func (c *Coordinator) Warm(ctx context.Context, keys []string, parallelism int) []WarmResult {
	if parallelism <= 0 {
		parallelism = 1
	}
	results := make([]WarmResult, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, key := range keys {
		g.Go(func() error {
			entry, err := c.GetOrRefresh(gctx, key)
			results[i] = WarmResult{Key: key, Source: entry.Source, Err: err}
			if err != nil {
				c.logger.Warn("warm key failed", zap.String("key", key), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Seed loads every configured snapshot into the store without overwriting
// newer local entries. It returns the number of snapshot entries offered.
// Unreachable snapshots are logged and skipped.
func (c *Coordinator) Seed(ctx context.Context) (int, error) {
	seeded := 0
	for _, url := range c.cfg.SnapshotURLs {
		snapshot, err := c.snapshot(ctx, url)
		if err != nil {
			if ctx.Err() != nil {
				return seeded, ctx.Err()
			}
			c.logger.Warn("seed snapshot unavailable", zap.String("url", url), zap.Error(err))
			continue
		}
		if len(snapshot) == 0 {
			continue
		}
		if err := c.store.PutAll(ctx, snapshot); err != nil {
			return seeded, fmt.Errorf("seed from %s: %w", url, err)
		}
		seeded += len(snapshot)
		c.logger.Info("seeded from snapshot", zap.String("url", url), zap.Int("entries", len(snapshot)))
	}
	return seeded, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
