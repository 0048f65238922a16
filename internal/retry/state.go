// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/shelfsync/internal/kvstore"
	"github.com/tomtom215/shelfsync/internal/logging"
	"github.com/tomtom215/shelfsync/internal/metrics"
)

const statePrefix = "retry_state:"

// ErrStateStale is returned by Load when persisted state is older than the
// stale horizon. The state has already been discarded.
var ErrStateStale = errors.New("retry: persisted state is stale")

// State is the persisted progress of one logical operation. It lets a later
// process resume instead of restarting.
type State struct {
	OperationID string          `json:"operation_id"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
	Category    string          `json:"category,omitempty"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty"`
	Endpoint    string          `json:"endpoint"`
	Method      string          `json:"method"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// StateStore persists State records in the durable KV namespace.
type StateStore struct {
	kv         kvstore.Store
	staleAfter time.Duration
	now        func() time.Time
}

// NewStateStore returns a store discarding state older than staleAfter.
func NewStateStore(kv kvstore.Store, staleAfter time.Duration, now func() time.Time) *StateStore {
	if staleAfter <= 0 {
		staleAfter = 24 * time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &StateStore{kv: kv, staleAfter: staleAfter, now: now}
}

func stateKey(id string) string { return statePrefix + id }

// IsStale reports whether the operation was first persisted before the
// stale horizon. Age counts from CreatedAt, so repeated failures do not keep
// an operation alive.
func (s *StateStore) IsStale(st *State) bool {
	return s.now().Sub(st.CreatedAt) > s.staleAfter
}

// Load returns the state for id, nil if there is none. Stale state is
// deleted and reported as ErrStateStale.
func (s *StateStore) Load(ctx context.Context, id string) (*State, error) {
	var st State
	err := kvstore.GetJSON(ctx, s.kv, stateKey(id), &st)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load retry state %s: %w", id, err)
	}
	if s.IsStale(&st) {
		if err := s.kv.Delete(ctx, stateKey(id)); err != nil {
			return nil, fmt.Errorf("discard stale retry state %s: %w", id, err)
		}
		logging.Ctx(ctx).Warn().
			Str("operation_id", id).
			Time("created_at", st.CreatedAt).
			Msg("Discarded stale retry state")
		return nil, ErrStateStale
	}
	return &st, nil
}

// Save writes st, stamping UpdatedAt.
func (s *StateStore) Save(ctx context.Context, st *State) error {
	now := s.now()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now
	if err := kvstore.SetJSON(ctx, s.kv, stateKey(st.OperationID), st); err != nil {
		return fmt.Errorf("save retry state %s: %w", st.OperationID, err)
	}
	return nil
}

// Delete removes the state for id.
func (s *StateStore) Delete(ctx context.Context, id string) error {
	return s.kv.Delete(ctx, stateKey(id))
}

// Summary describes the persisted retry namespace.
type Summary struct {
	Pending []State `json:"pending"`
	Stale   int     `json:"stale"`
	Corrupt int     `json:"corrupt"`
}

// List scans every persisted state. This walks the whole retry namespace
// and is meant for administration and resume, not hot paths.
func (s *StateStore) List(ctx context.Context) (Summary, error) {
	keys, err := s.kv.Keys(ctx, statePrefix)
	if err != nil {
		return Summary{}, fmt.Errorf("scan retry states: %w", err)
	}

	var sum Summary
	for _, k := range keys {
		var st State
		if err := kvstore.GetJSON(ctx, s.kv, k, &st); err != nil {
			if errors.Is(err, kvstore.ErrNotFound) {
				continue
			}
			sum.Corrupt++
			continue
		}
		if s.IsStale(&st) {
			sum.Stale++
			continue
		}
		sum.Pending = append(sum.Pending, st)
	}
	metrics.RetryStatesPending.Set(float64(len(sum.Pending)))
	return sum, nil
}

// Cleanup deletes stale and undecodable states and returns how many were
// removed. Full namespace scan.
func (s *StateStore) Cleanup(ctx context.Context) (int, error) {
	keys, err := s.kv.Keys(ctx, statePrefix)
	if err != nil {
		return 0, fmt.Errorf("scan retry states: %w", err)
	}

	removed := 0
	for _, k := range keys {
		var st State
		err := kvstore.GetJSON(ctx, s.kv, k, &st)
		if errors.Is(err, kvstore.ErrNotFound) {
			continue
		}
		if err == nil && !s.IsStale(&st) {
			continue
		}
		if err := s.kv.Delete(ctx, k); err != nil {
			return removed, fmt.Errorf("delete %s: %w", k, err)
		}
		removed++
		logging.Debug().Str("operation_id", strings.TrimPrefix(k, statePrefix)).Msg("Removed retry state")
	}
	if removed > 0 {
		logging.Info().Int("removed", removed).Msg("Retry state cleanup complete")
	}
	return removed, nil
}
