// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

// Package store holds the local copy of the catalog: one row per record
// with its payload, last synced fingerprint, and a dirty flag for local
// edits awaiting export.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/shelfsync/internal/changes"
)

var (
	// ErrNotFound is returned for an unknown (kind, id).
	ErrNotFound = errors.New("store: record not found")
	// ErrDirty is returned when an import would overwrite a local edit that
	// has not been exported yet.
	ErrDirty = errors.New("store: record has unexported local edits")
)

// Row is one stored record.
type Row struct {
	ID          string          `json:"id"`
	Fingerprint string          `json:"fingerprint"`
	Payload     json.RawMessage `json:"payload"`
	Dirty       bool            `json:"dirty"`
	SyncedAt    time.Time       `json:"synced_at"`
}

// LocalStore is the local tabular store.
type LocalStore interface {
	// Fingerprints maps id to the last synced fingerprint for kind.
	Fingerprints(ctx context.Context, kind changes.Kind) (map[string]string, error)
	Get(ctx context.Context, kind changes.Kind, id string) (Row, error)
	// Upsert writes an imported row and clears its dirty flag. It fails with
	// ErrDirty if the stored row is dirty.
	Upsert(ctx context.Context, kind changes.Kind, row Row) error
	Delete(ctx context.Context, kind changes.Kind, id string) error
	Count(ctx context.Context, kind changes.Kind) (int, error)

	// MarkDirty stores a local edit for later export.
	MarkDirty(ctx context.Context, kind changes.Kind, id string, payload json.RawMessage) error
	// Dirty lists rows awaiting export, ordered by id.
	Dirty(ctx context.Context, kind changes.Kind) ([]Row, error)
	// ClearDirty records a successful export with the new fingerprint.
	ClearDirty(ctx context.Context, kind changes.Kind, id, fingerprint string, at time.Time) error

	Close() error
}

// Memory is an in-process LocalStore.
type Memory struct {
	mu   sync.RWMutex
	rows map[changes.Kind]map[string]Row
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{rows: make(map[changes.Kind]map[string]Row)}
}

func (m *Memory) table(kind changes.Kind) map[string]Row {
	t, ok := m.rows[kind]
	if !ok {
		t = make(map[string]Row)
		m.rows[kind] = t
	}
	return t
}

func (m *Memory) Fingerprints(_ context.Context, kind changes.Kind) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.rows[kind]))
	for id, r := range m.rows[kind] {
		out[id] = r.Fingerprint
	}
	return out, nil
}

func (m *Memory) Get(_ context.Context, kind changes.Kind, id string) (Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rows[kind][id]
	if !ok {
		return Row{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) Upsert(_ context.Context, kind changes.Kind, row Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(kind)
	if cur, ok := t[row.ID]; ok && cur.Dirty {
		return ErrDirty
	}
	row.Dirty = false
	row.Payload = append(json.RawMessage(nil), row.Payload...)
	t[row.ID] = row
	return nil
}

func (m *Memory) Delete(_ context.Context, kind changes.Kind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(kind)
	if cur, ok := t[id]; ok && cur.Dirty {
		return ErrDirty
	}
	delete(t, id)
	return nil
}

func (m *Memory) Count(_ context.Context, kind changes.Kind) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows[kind]), nil
}

func (m *Memory) MarkDirty(_ context.Context, kind changes.Kind, id string, payload json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(kind)
	r := t[id]
	r.ID = id
	r.Payload = append(json.RawMessage(nil), payload...)
	r.Dirty = true
	t[id] = r
	return nil
}

func (m *Memory) Dirty(_ context.Context, kind changes.Kind) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Row
	for _, r := range m.rows[kind] {
		if r.Dirty {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ClearDirty(_ context.Context, kind changes.Kind, id, fingerprint string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(kind)
	r, ok := t[id]
	if !ok {
		return ErrNotFound
	}
	r.Dirty = false
	r.Fingerprint = fingerprint
	r.SyncedAt = at
	t[id] = r
	return nil
}

func (m *Memory) Close() error { return nil }
