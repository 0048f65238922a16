// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

package cache

import (
	"sort"
	"sync"
	"time"
)

// evictFraction is the share of the fast tier dropped when it is full.
const evictFraction = 5 // 1/5 = 20%

// Entry is one fast-tier value with its lifetime.
type Entry struct {
	Value     []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (e Entry) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// fast is the in-process tier. Eviction order is by creation time, not
// access time: reading an entry does not protect it.
type fast struct {
	mu         sync.Mutex
	entries    map[string]Entry
	maxEntries int
}

func newFast(maxEntries int) *fast {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &fast{
		entries:    make(map[string]Entry),
		maxEntries: maxEntries,
	}
}

// get returns the entry and whether it was present. An expired entry is
// removed and reported through expired.
func (f *fast) get(key string, now time.Time) (value []byte, ok, expired bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, found := f.entries[key]
	if !found {
		return nil, false, false
	}
	if entry.expired(now) {
		delete(f.entries, key)
		return nil, false, true
	}
	return clone(entry.Value), true, false
}

// set stores value and returns how many entries were evicted to make room.
func (f *fast) set(key string, value []byte, now time.Time, ttl time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	evicted := 0
	if _, exists := f.entries[key]; !exists && len(f.entries) >= f.maxEntries {
		evicted = f.evictOldestLocked()
	}
	f.entries[key] = Entry{
		Value:     clone(value),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	return evicted
}

// evictOldestLocked drops the oldest fifth of the entries by creation time,
// at least one. Ties are broken by key so the batch is deterministic.
func (f *fast) evictOldestLocked() int {
	n := len(f.entries) / evictFraction
	if n < 1 {
		n = 1
	}

	keys := make([]string, 0, len(f.entries))
	for k := range f.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := f.entries[keys[i]], f.entries[keys[j]]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return keys[i] < keys[j]
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	for _, k := range keys[:n] {
		delete(f.entries, k)
	}
	return n
}

func (f *fast) remove(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.entries[key]
	delete(f.entries, key)
	return ok
}

func (f *fast) clear() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := len(f.entries)
	f.entries = make(map[string]Entry)
	return n
}

func (f *fast) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func (f *fast) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[key]
	return ok
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
