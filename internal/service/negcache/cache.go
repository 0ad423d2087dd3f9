// Package negcache short-circuits fingerprints that recently resolved bad.
//
// A hit never resolves a task immediately: the task waits in checking for a
// randomized reveal delay so that a cached outcome looks like a real check
// from the owner's side.
package negcache

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/phrazzld/checkq/internal/config"
	"github.com/phrazzld/checkq/internal/domain"
	"github.com/phrazzld/checkq/internal/platform/logger"
	"github.com/phrazzld/checkq/internal/store"
)

// Reveal delay bounds enforced regardless of configuration.
const (
	MinRevealDelay = 30 * time.Second
	MaxRevealDelay = 600 * time.Second
)

// Cache is the negative-result cache service.
type Cache struct {
	store     store.NegativeCacheStore
	ttl       time.Duration
	revealMin time.Duration
	revealMax time.Duration
	int64N    func(n int64) int64
	logger    *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithRand replaces the random source used for reveal delays.
func WithRand(r *rand.Rand) Option {
	return func(c *Cache) {
		c.int64N = r.Int64N
	}
}

// New creates a Cache backed by st.
func New(st store.NegativeCacheStore, cfg config.CacheConfig, log *slog.Logger, opts ...Option) *Cache {
	if st == nil {
		panic("negative cache store cannot be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	c := &Cache{
		store:     st,
		ttl:       cfg.TTL(),
		revealMin: clampDelay(time.Duration(cfg.RevealMinSeconds) * time.Second),
		revealMax: clampDelay(time.Duration(cfg.RevealMaxSeconds) * time.Second),
		int64N:    rand.Int64N,
		logger:    log.With(slog.String("component", "negative_cache")),
	}
	if c.revealMax < c.revealMin {
		c.revealMax = c.revealMin
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func clampDelay(d time.Duration) time.Duration {
	if d < MinRevealDelay {
		return MinRevealDelay
	}
	if d > MaxRevealDelay {
		return MaxRevealDelay
	}
	return d
}

// Lookup returns the live cache entries among fingerprints, keyed by
// fingerprint.
func (c *Cache) Lookup(
	ctx context.Context,
	mode domain.CheckMode,
	fingerprints []string,
	now time.Time,
) (map[string]*domain.NegativeCacheEntry, error) {
	if len(fingerprints) == 0 {
		return map[string]*domain.NegativeCacheEntry{}, nil
	}
	hits, err := c.store.LookupMany(ctx, mode, fingerprints, now)
	if err != nil {
		return nil, fmt.Errorf("negative cache lookup: %w", err)
	}

	logger.FromContextOrDefault(ctx, c.logger).Debug("negative cache lookup",
		slog.String("check_mode", string(mode)),
		slog.Int("fingerprints", len(fingerprints)),
		slog.Int("hits", len(hits)))
	return hits, nil
}

// Remember records a genuine bad outcome for fingerprint.
func (c *Cache) Remember(ctx context.Context, mode domain.CheckMode, fingerprint string, now time.Time) error {
	entry := &domain.NegativeCacheEntry{
		Fingerprint: fingerprint,
		CheckMode:   mode,
		Outcome:     domain.TaskStatusResolvedBad,
		ExpiresAt:   now.Add(c.ttl),
		CreatedAt:   now,
	}
	if err := c.store.Put(ctx, entry); err != nil {
		return fmt.Errorf("negative cache put: %w", err)
	}
	return nil
}

// RevealDelay draws a delay uniformly from the configured reveal window.
func (c *Cache) RevealDelay() time.Duration {
	span := int64(c.revealMax - c.revealMin)
	if span <= 0 {
		return c.revealMin
	}
	return c.revealMin + time.Duration(c.int64N(span+1))
}

// Purge drops expired entries.
func (c *Cache) Purge(ctx context.Context, now time.Time) (int64, error) {
	n, err := c.store.Purge(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("negative cache purge: %w", err)
	}
	if n > 0 {
		logger.FromContextOrDefault(ctx, c.logger).Info("purged negative cache entries",
			slog.Int64("count", n))
	}
	return n, nil
}
