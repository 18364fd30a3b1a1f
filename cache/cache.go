// Package cache keeps exploration reports keyed by data source.
//
// Entries are valid while now - CachedAt < maxAge. Store failures never
// reach callers: a failed read is a miss, a failed write is logged.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/richinex/querypilot/observability"
	"github.com/richinex/querypilot/storage"
)

// DefaultMaxAge is how long an exploration report stays valid.
const DefaultMaxAge = 6 * 24 * time.Hour

const stripes = 32

// ReportCache is a read-through cache of exploration reports.
// Safe for concurrent use.
type ReportCache struct {
	store  storage.ReportStore
	logger zerolog.Logger
	now    func() time.Time
	locks  [stripes]sync.Mutex
}

// Option configures a ReportCache.
type Option func(*ReportCache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *ReportCache) { c.now = now }
}

// WithLogger sets the logger used for store failures.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *ReportCache) { c.logger = logger }
}

// New creates a cache over store.
func New(store storage.ReportStore, opts ...Option) *ReportCache {
	c := &ReportCache{
		store:  store,
		logger: log.Logger.With().Str("component", "cache").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached report for key if it is younger than maxAge.
func (c *ReportCache) Get(ctx context.Context, key string, maxAge time.Duration) (string, bool) {
	report, err := c.store.GetReport(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn().Err(err).Str("cache_key", key).Msg("report cache read failed")
			observability.RecordCacheLookup("error")
			return "", false
		}
		observability.RecordCacheLookup("miss")
		return "", false
	}

	if report.CachedAt.IsZero() || c.now().Sub(report.CachedAt) >= maxAge {
		c.logger.Debug().Str("cache_key", key).Time("cached_at", report.CachedAt).Msg("report cache entry stale")
		observability.RecordCacheLookup("stale")
		return "", false
	}

	observability.RecordCacheLookup("hit")
	return report.Content, true
}

// Put stores content under key stamped with the current time.
func (c *ReportCache) Put(ctx context.Context, key, content string) {
	mu := c.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	err := c.store.UpsertReport(ctx, storage.Report{
		Key:      key,
		Content:  content,
		CachedAt: c.now().UTC(),
	})
	if err != nil {
		c.logger.Error().Err(err).Str("cache_key", key).Msg("report cache write failed")
		observability.RecordCacheWriteError()
		return
	}
	c.logger.Debug().Str("cache_key", key).Int("bytes", len(content)).Msg("report cached")
}

func (c *ReportCache) lockFor(key string) *sync.Mutex {
	return &c.locks[xxhash.Sum64String(key)%stripes]
}
