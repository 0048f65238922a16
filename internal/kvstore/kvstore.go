// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

// Package kvstore provides the flat durable key-value namespace shared by the
// durable cache tier, persisted retry state and the audit log.
//
// The namespace has no transactions and no range queries. Keys is a full
// prefix scan and is meant for maintenance paths (cleanup, sweeps, listing),
// never for per-request lookups.
package kvstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a flat string-keyed byte store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error

	// Keys returns every key starting with prefix, in lexical order.
	// This is a full scan; callers should treat it as expensive.
	Keys(ctx context.Context, prefix string) ([]string, error)

	Close() error
}

// GetJSON loads key and decodes it into v.
func GetJSON(ctx context.Context, s Store, key string, v interface{}) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, data)
}

// DeletePrefix removes every key under prefix and returns how many were removed.
func DeletePrefix(ctx context.Context, s Store, prefix string) (int, error) {
	keys, err := s.Keys(ctx, prefix)
	if err != nil {
		return 0, err
	}
	for i, k := range keys {
		if err := s.Delete(ctx, k); err != nil {
			return i, fmt.Errorf("delete %s: %w", k, err)
		}
	}
	return len(keys), nil
}
