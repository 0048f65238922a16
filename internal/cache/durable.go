// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	"github.com/tomtom215/shelfsync/internal/kvstore"
)

const (
	valuePrefix = "cache:"
	metaPrefix  = "cache_meta:"
)

// Meta is stored next to every durable value.
type Meta struct {
	ExpiresAt  time.Time `json:"expiresAt"`
	CreatedAt  time.Time `json:"createdAt"`
	Compressed bool      `json:"compressed"`
	Size       int       `json:"size"`
}

// durable is the persisted tier: one value key and one metadata key per
// cache key.
type durable struct {
	kv        kvstore.Store
	threshold int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

func newDurable(kv kvstore.Store, threshold int) (*durable, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &durable{kv: kv, threshold: threshold, enc: enc, dec: dec}, nil
}

// getResult distinguishes a plain miss from an expired entry.
type getResult int

const (
	durableMiss getResult = iota
	durableHit
	durableExpired
)

func (d *durable) get(ctx context.Context, key string, now time.Time) ([]byte, Meta, getResult, error) {
	var meta Meta
	if err := kvstore.GetJSON(ctx, d.kv, metaPrefix+key, &meta); err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, Meta{}, durableMiss, nil
		}
		return nil, Meta{}, durableMiss, err
	}

	if !now.Before(meta.ExpiresAt) {
		if err := d.remove(ctx, key); err != nil {
			return nil, meta, durableExpired, err
		}
		return nil, meta, durableExpired, nil
	}

	raw, err := d.kv.Get(ctx, valuePrefix+key)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			// Orphaned metadata; drop it so the next read is a clean miss.
			_ = d.kv.Delete(ctx, metaPrefix+key)
			return nil, Meta{}, durableMiss, nil
		}
		return nil, Meta{}, durableMiss, err
	}

	if meta.Compressed {
		raw, err = d.dec.DecodeAll(raw, nil)
		if err != nil {
			return nil, meta, durableMiss, fmt.Errorf("decompress %s: %w", key, err)
		}
	}
	return raw, meta, durableHit, nil
}

func (d *durable) set(ctx context.Context, key string, value []byte, now time.Time, ttl time.Duration) error {
	meta := Meta{
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Size:      len(value),
	}

	stored := value
	if len(value) > d.threshold {
		stored = d.enc.EncodeAll(value, make([]byte, 0, len(value)/2))
		meta.Compressed = true
	}

	if err := d.kv.Set(ctx, valuePrefix+key, stored); err != nil {
		return fmt.Errorf("write cache value: %w", err)
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal cache meta: %w", err)
	}
	if err := d.kv.Set(ctx, metaPrefix+key, data); err != nil {
		return fmt.Errorf("write cache meta: %w", err)
	}
	return nil
}

func (d *durable) remove(ctx context.Context, key string) error {
	if err := d.kv.Delete(ctx, valuePrefix+key); err != nil {
		return err
	}
	return d.kv.Delete(ctx, metaPrefix+key)
}

func (d *durable) clear(ctx context.Context) (int, error) {
	n, err := kvstore.DeletePrefix(ctx, d.kv, metaPrefix)
	if err != nil {
		return n, err
	}
	if _, err := kvstore.DeletePrefix(ctx, d.kv, valuePrefix); err != nil {
		return n, err
	}
	return n, nil
}

// sweep scans every metadata key and removes expired entries. This walks the
// whole cache namespace.
func (d *durable) sweep(ctx context.Context, now time.Time) (int, error) {
	keys, err := d.kv.Keys(ctx, metaPrefix)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, mk := range keys {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		key := strings.TrimPrefix(mk, metaPrefix)

		var meta Meta
		if err := kvstore.GetJSON(ctx, d.kv, mk, &meta); err != nil {
			if errors.Is(err, kvstore.ErrNotFound) {
				continue
			}
			// Unreadable metadata cannot be trusted; treat as expired.
			meta = Meta{}
		}
		if now.Before(meta.ExpiresAt) {
			continue
		}
		if err := d.remove(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (d *durable) close() {
	d.enc.Close()
	d.dec.Close()
}
