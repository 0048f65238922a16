// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

// Package cache implements the two-tier result cache that sits in front of
// collection fetches.
//
// The fast tier is an in-process map bounded by entry count. When full it
// drops the oldest 20% of entries by creation time before inserting. The
// durable tier persists each value and a sibling metadata record in a
// kvstore.Store; values above the compression threshold are stored zstd
// compressed. Expired durable entries are removed lazily on read and by an
// explicit SweepDurable pass.
//
// Values are opaque byte slices (typically JSON). GetJSON wraps the byte API
// for typed callers.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"

	"github.com/tomtom215/shelfsync/internal/config"
	"github.com/tomtom215/shelfsync/internal/kvstore"
	"github.com/tomtom215/shelfsync/internal/logging"
	"github.com/tomtom215/shelfsync/internal/metrics"
)

// Tier selects which cache layers an operation touches.
type Tier uint8

const (
	TierFast Tier = 1 << iota
	TierDurable

	// TierBoth is used when Options.Tiers is zero.
	TierBoth = TierFast | TierDurable
)

func (t Tier) has(x Tier) bool { return t&x != 0 }

// Options control a single Get.
type Options struct {
	// TTL overrides the configured default when positive.
	TTL time.Duration
	// ForceRefresh skips both lookups and recomputes.
	ForceRefresh bool
	// Tiers restricts lookups and stores. Zero means both tiers.
	Tiers Tier
}

// ComputeFunc produces the value for a missing key.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// Stats is a snapshot of one cache instance's counters.
type Stats struct {
	Hits        int64     `json:"hits"`
	Misses      int64     `json:"misses"`
	Saves       int64     `json:"saves"`
	Evictions   int64     `json:"evictions"`
	FastHits    int64     `json:"fast_hits"`
	DurableHits int64     `json:"durable_hits"`
	FastEntries int       `json:"fast_entries"`
	HitRate     float64   `json:"hit_rate"`
	LastSweep   time.Time `json:"last_sweep,omitempty"`
}

type counters struct {
	mu sync.Mutex
	Stats
}

// Tiered is the two-tier cache. Counters live on the instance.
type Tiered struct {
	fast    *fast
	durable *durable
	ttl     time.Duration
	now     func() time.Time
	group   singleflight.Group
	stats   counters
}

// Option configures a Tiered cache.
type Option func(*Tiered)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Tiered) { c.now = now }
}

// New creates a cache. A nil kv disables the durable tier.
func New(cfg config.CacheConfig, kv kvstore.Store, opts ...Option) (*Tiered, error) {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	c := &Tiered{
		fast: newFast(cfg.MaxEntries),
		ttl:  ttl,
		now:  time.Now,
	}
	if kv != nil {
		d, err := newDurable(kv, cfg.CompressionThreshold)
		if err != nil {
			return nil, err
		}
		c.durable = d
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close releases the compression codecs. The kvstore is owned by the caller.
func (c *Tiered) Close() {
	if c.durable != nil {
		c.durable.close()
	}
}

func (c *Tiered) tiers(t Tier) Tier {
	if t == 0 {
		t = TierBoth
	}
	if c.durable == nil {
		t &^= TierDurable
	}
	return t
}

// Get returns the cached value for key, checking the fast tier first. On a
// miss it calls compute once (concurrent callers for the same key share the
// call) and stores the result in the requested tiers. A durable hit always
// repopulates the fast tier.
func (c *Tiered) Get(ctx context.Context, key string, compute ComputeFunc, opts Options) ([]byte, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.ttl
	}
	tiers := c.tiers(opts.Tiers)

	if !opts.ForceRefresh {
		if tiers.has(TierFast) {
			if v, ok := c.lookupFast(key); ok {
				return v, nil
			}
		}
		if tiers.has(TierDurable) {
			if v, ok := c.lookupDurable(ctx, key); ok {
				return v, nil
			}
		}
	}

	c.count(func(s *Stats) { s.Misses++ })

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		val, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.store(ctx, key, val, ttl, tiers)
		return val, nil
	})
	if err != nil {
		return nil, err
	}
	return clone(v.([]byte)), nil
}

func (c *Tiered) lookupFast(key string) ([]byte, bool) {
	v, ok, expired := c.fast.get(key, c.now())
	switch {
	case ok:
		metrics.RecordCache("fast", "hit")
		c.count(func(s *Stats) { s.Hits++; s.FastHits++ })
		return v, true
	case expired:
		metrics.RecordCache("fast", "eviction")
		c.count(func(s *Stats) { s.Evictions++ })
	}
	metrics.RecordCache("fast", "miss")
	return nil, false
}

func (c *Tiered) lookupDurable(ctx context.Context, key string) ([]byte, bool) {
	now := c.now()
	v, meta, res, err := c.durable.get(ctx, key, now)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("component", "cache").Str("key", key).Msg("Durable cache read failed")
	}
	switch res {
	case durableHit:
		metrics.RecordCache("durable", "hit")
		c.count(func(s *Stats) { s.Hits++; s.DurableHits++ })
		c.repopulate(key, v, now, meta.ExpiresAt)
		return v, true
	case durableExpired:
		metrics.RecordCache("durable", "eviction")
		c.count(func(s *Stats) { s.Evictions++ })
	}
	metrics.RecordCache("durable", "miss")
	return nil, false
}

// repopulate copies a durable hit into the fast tier with its remaining
// lifetime.
func (c *Tiered) repopulate(key string, v []byte, now, expiresAt time.Time) {
	if evicted := c.fast.set(key, v, now, expiresAt.Sub(now)); evicted > 0 {
		c.recordFastEvictions(evicted)
	}
}

func (c *Tiered) store(ctx context.Context, key string, v []byte, ttl time.Duration, tiers Tier) {
	now := c.now()
	if tiers.has(TierFast) {
		if evicted := c.fast.set(key, v, now, ttl); evicted > 0 {
			c.recordFastEvictions(evicted)
		}
		metrics.RecordCache("fast", "save")
	}
	if tiers.has(TierDurable) {
		if err := c.durable.set(ctx, key, v, now, ttl); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("component", "cache").Str("key", key).Msg("Durable cache write failed")
		} else {
			metrics.RecordCache("durable", "save")
		}
	}
	c.count(func(s *Stats) { s.Saves++ })
}

func (c *Tiered) recordFastEvictions(n int) {
	metrics.CacheOps.WithLabelValues("fast", "eviction").Add(float64(n))
	c.count(func(s *Stats) { s.Evictions += int64(n) })
}

// Set stores value in both tiers. A non-positive ttl uses the default.
func (c *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.now()
	if evicted := c.fast.set(key, value, now, ttl); evicted > 0 {
		c.recordFastEvictions(evicted)
	}
	c.count(func(s *Stats) { s.Saves++ })
	if c.durable == nil {
		return nil
	}
	return c.durable.set(ctx, key, value, now, ttl)
}

// Delete removes key from both tiers.
func (c *Tiered) Delete(ctx context.Context, key string) error {
	c.fast.remove(key)
	if c.durable == nil {
		return nil
	}
	if err := c.durable.remove(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Clear empties the fast tier only.
func (c *Tiered) Clear() {
	c.fast.clear()
}

// ClearAll empties both tiers.
func (c *Tiered) ClearAll(ctx context.Context) error {
	c.fast.clear()
	if c.durable == nil {
		return nil
	}
	n, err := c.durable.clear(ctx)
	if err != nil {
		return fmt.Errorf("clear durable tier: %w", err)
	}
	logging.Ctx(ctx).Info().Str("component", "cache").Int("entries", n).Msg("Cleared durable cache")
	return nil
}

// SweepDurable removes every expired durable entry and returns the count.
// It scans the whole cache namespace.
func (c *Tiered) SweepDurable(ctx context.Context) (int, error) {
	if c.durable == nil {
		return 0, nil
	}
	now := c.now()
	n, err := c.durable.sweep(ctx, now)
	if n > 0 {
		metrics.CacheOps.WithLabelValues("durable", "eviction").Add(float64(n))
	}
	c.count(func(s *Stats) {
		s.Evictions += int64(n)
		s.LastSweep = now
	})
	if err != nil {
		return n, fmt.Errorf("sweep durable tier: %w", err)
	}
	return n, nil
}

// GetStats returns a snapshot of the counters with the hit rate as a
// percentage.
func (c *Tiered) GetStats() Stats {
	c.stats.mu.Lock()
	s := c.stats.Stats
	c.stats.mu.Unlock()

	s.FastEntries = c.fast.len()
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total) * 100.0
	}
	return s
}

func (c *Tiered) count(fn func(*Stats)) {
	c.stats.mu.Lock()
	fn(&c.stats.Stats)
	c.stats.mu.Unlock()
}

// GetJSON is the typed form of Get. The computed value is encoded as JSON
// before it is cached.
func GetJSON[T any](ctx context.Context, c *Tiered, key string, compute func(context.Context) (T, error), opts Options) (T, error) {
	var zero T
	raw, err := c.Get(ctx, key, func(ctx context.Context) ([]byte, error) {
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	}, opts)
	if err != nil {
		return zero, err
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return out, nil
}
