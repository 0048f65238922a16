// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/goccy/go-json"

	"github.com/tomtom215/shelfsync/internal/changes"
	"github.com/tomtom215/shelfsync/internal/logging"
)

// Extension autoloading is disabled so that opening never reaches the
// network. The schema uses only core types.
const (
	memoryDSN = ":memory:?autoinstall_known_extensions=false&autoload_known_extensions=false"
	fileDSN   = "%s?access_mode=read_write&autoinstall_known_extensions=false&autoload_known_extensions=false"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS records (
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		fingerprint TEXT NOT NULL DEFAULT '',
		payload TEXT,
		dirty BOOLEAN NOT NULL DEFAULT false,
		synced_at TIMESTAMP,
		PRIMARY KEY (kind, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_records_dirty ON records(kind, dirty)`,
}

// DuckStore is a LocalStore backed by DuckDB.
type DuckStore struct {
	db *sql.DB
}

// OpenDuck opens or creates the database at path. An empty path opens an
// in-memory database.
func OpenDuck(ctx context.Context, path string) (*DuckStore, error) {
	dsn := memoryDSN
	if path != "" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
			}
		}
		dsn = fmt.Sprintf(fileDSN, path)
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One logical writer; a single connection also keeps :memory: coherent.
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	logging.Debug().Str("component", "store").Str("path", path).Msg("Opened local store")
	return &DuckStore{db: db}, nil
}

func (s *DuckStore) Fingerprints(ctx context.Context, kind changes.Kind) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, fingerprint FROM records WHERE kind = ?`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("query fingerprints: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, fp string
		if err := rows.Scan(&id, &fp); err != nil {
			return nil, fmt.Errorf("scan fingerprint: %w", err)
		}
		out[id] = fp
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating fingerprints: %w", err)
	}
	return out, nil
}

func (s *DuckStore) Get(ctx context.Context, kind changes.Kind, id string) (Row, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, fingerprint, payload, dirty, synced_at FROM records WHERE kind = ? AND id = ?`,
		string(kind), id)
	r, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, ErrNotFound
	}
	return r, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRow(sc scanner) (Row, error) {
	var (
		r        Row
		payload  sql.NullString
		syncedAt sql.NullTime
	)
	if err := sc.Scan(&r.ID, &r.Fingerprint, &payload, &r.Dirty, &syncedAt); err != nil {
		return Row{}, err
	}
	if payload.Valid {
		r.Payload = json.RawMessage(payload.String)
	}
	if syncedAt.Valid {
		r.SyncedAt = syncedAt.Time.UTC()
	}
	return r, nil
}

func (s *DuckStore) dirty(ctx context.Context, tx *sql.Tx, kind changes.Kind, id string) (bool, error) {
	var dirty bool
	err := tx.QueryRowContext(ctx, `SELECT dirty FROM records WHERE kind = ? AND id = ?`, string(kind), id).Scan(&dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return dirty, err
}

func (s *DuckStore) Upsert(ctx context.Context, kind changes.Kind, row Row) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		dirty, err := s.dirty(ctx, tx, kind, row.ID)
		if err != nil {
			return err
		}
		if dirty {
			return ErrDirty
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO records (kind, id, fingerprint, payload, dirty, synced_at)
			VALUES (?, ?, ?, ?, false, ?)
			ON CONFLICT (kind, id) DO UPDATE SET
				fingerprint = excluded.fingerprint,
				payload = excluded.payload,
				dirty = false,
				synced_at = excluded.synced_at`,
			string(kind), row.ID, row.Fingerprint, string(row.Payload), row.SyncedAt.UTC())
		return err
	})
}

func (s *DuckStore) Delete(ctx context.Context, kind changes.Kind, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		dirty, err := s.dirty(ctx, tx, kind, id)
		if err != nil {
			return err
		}
		if dirty {
			return ErrDirty
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM records WHERE kind = ? AND id = ?`, string(kind), id)
		return err
	})
}

func (s *DuckStore) Count(ctx context.Context, kind changes.Kind) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE kind = ?`, string(kind)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func (s *DuckStore) MarkDirty(ctx context.Context, kind changes.Kind, id string, payload json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (kind, id, payload, dirty)
		VALUES (?, ?, ?, true)
		ON CONFLICT (kind, id) DO UPDATE SET payload = excluded.payload, dirty = true`,
		string(kind), id, string(payload))
	if err != nil {
		return fmt.Errorf("mark dirty: %w", err)
	}
	return nil
}

func (s *DuckStore) Dirty(ctx context.Context, kind changes.Kind) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, fingerprint, payload, dirty, synced_at FROM records WHERE kind = ? AND dirty ORDER BY id`,
		string(kind))
	if err != nil {
		return nil, fmt.Errorf("query dirty rows: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dirty row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dirty rows: %w", err)
	}
	return out, nil
}

func (s *DuckStore) ClearDirty(ctx context.Context, kind changes.Kind, id, fingerprint string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET dirty = false, fingerprint = ?, synced_at = ? WHERE kind = ? AND id = ?`,
		fingerprint, at.UTC(), string(kind), id)
	if err != nil {
		return fmt.Errorf("clear dirty: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *DuckStore) Close() error {
	return s.db.Close()
}

func (s *DuckStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
