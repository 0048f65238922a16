// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/shelfsync/internal/changes"
)

var syncedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openStores(t *testing.T) map[string]LocalStore {
	t.Helper()
	duck, err := OpenDuck(context.Background(), "")
	if err != nil {
		t.Fatalf("OpenDuck() error = %v", err)
	}
	t.Cleanup(func() { _ = duck.Close() })
	return map[string]LocalStore{
		"memory": NewMemory(),
		"duckdb": duck,
	}
}

func row(id, fp string) Row {
	return Row{ID: id, Fingerprint: fp, Payload: json.RawMessage(`{"id":"` + id + `"}`), SyncedAt: syncedAt}
}

func TestUpsertAndFingerprints(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, r := range []Row{row("1", "a"), row("2", "b")} {
				if err := s.Upsert(ctx, changes.KindProduct, r); err != nil {
					t.Fatalf("Upsert() error = %v", err)
				}
			}
			if err := s.Upsert(ctx, changes.KindProduct, row("2", "c")); err != nil {
				t.Fatalf("Upsert() overwrite error = %v", err)
			}
			_ = s.Upsert(ctx, changes.KindVariant, row("9", "z"))

			fps, err := s.Fingerprints(ctx, changes.KindProduct)
			if err != nil {
				t.Fatal(err)
			}
			if len(fps) != 2 || fps["1"] != "a" || fps["2"] != "c" {
				t.Errorf("Fingerprints() = %v", fps)
			}

			n, _ := s.Count(ctx, changes.KindProduct)
			if n != 2 {
				t.Errorf("Count() = %d, want 2", n)
			}

			got, err := s.Get(ctx, changes.KindProduct, "1")
			if err != nil {
				t.Fatal(err)
			}
			if string(got.Payload) != `{"id":"1"}` || !got.SyncedAt.Equal(syncedAt) || got.Dirty {
				t.Errorf("Get() = %+v", got)
			}
			if _, err := s.Get(ctx, changes.KindProduct, "nope"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get(nope) error = %v", err)
			}
		})
	}
}

func TestDelete(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = s.Upsert(ctx, changes.KindCustomer, row("1", "a"))
			if err := s.Delete(ctx, changes.KindCustomer, "1"); err != nil {
				t.Fatal(err)
			}
			if n, _ := s.Count(ctx, changes.KindCustomer); n != 0 {
				t.Errorf("Count() after delete = %d", n)
			}
			if err := s.Delete(ctx, changes.KindCustomer, "missing"); err != nil {
				t.Errorf("Delete(missing) error = %v", err)
			}
		})
	}
}

func TestDirtyRowsAreProtected(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = s.Upsert(ctx, changes.KindVariant, row("1", "a"))
			_ = s.Upsert(ctx, changes.KindVariant, row("2", "b"))

			edit := json.RawMessage(`{"id":"2","price":"5.00"}`)
			if err := s.MarkDirty(ctx, changes.KindVariant, "2", edit); err != nil {
				t.Fatal(err)
			}
			if err := s.MarkDirty(ctx, changes.KindVariant, "3", json.RawMessage(`{"id":"3"}`)); err != nil {
				t.Fatal(err)
			}

			if err := s.Upsert(ctx, changes.KindVariant, row("2", "remote")); !errors.Is(err, ErrDirty) {
				t.Errorf("Upsert(dirty) error = %v, want ErrDirty", err)
			}
			if err := s.Delete(ctx, changes.KindVariant, "2"); !errors.Is(err, ErrDirty) {
				t.Errorf("Delete(dirty) error = %v, want ErrDirty", err)
			}

			dirty, err := s.Dirty(ctx, changes.KindVariant)
			if err != nil {
				t.Fatal(err)
			}
			if len(dirty) != 2 || dirty[0].ID != "2" || dirty[1].ID != "3" {
				t.Fatalf("Dirty() = %+v", dirty)
			}
			if string(dirty[0].Payload) != string(edit) || dirty[0].Fingerprint != "b" {
				t.Errorf("dirty row = %+v", dirty[0])
			}

			later := syncedAt.Add(time.Hour)
			if err := s.ClearDirty(ctx, changes.KindVariant, "2", "new", later); err != nil {
				t.Fatal(err)
			}
			got, _ := s.Get(ctx, changes.KindVariant, "2")
			if got.Dirty || got.Fingerprint != "new" || !got.SyncedAt.Equal(later) {
				t.Errorf("after ClearDirty = %+v", got)
			}
			if err := s.ClearDirty(ctx, changes.KindVariant, "404", "x", later); !errors.Is(err, ErrNotFound) {
				t.Errorf("ClearDirty(missing) error = %v", err)
			}
		})
	}
}

func TestOpenDuckFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "local.duckdb")
	ctx := context.Background()

	s, err := OpenDuck(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, changes.KindProduct, row("1", "a")); err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	s, err = OpenDuck(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	fps, _ := s.Fingerprints(ctx, changes.KindProduct)
	if fps["1"] != "a" {
		t.Errorf("fingerprint not persisted: %v", fps)
	}
}
