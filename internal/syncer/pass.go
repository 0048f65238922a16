// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

// Package syncer runs sync passes and exports.
//
// A pass fetches a remote collection through the cache, diffs it against
// the stored fingerprints and applies only the delta to the local store,
// one audited batch at a time. An export pushes locally edited rows back to
// the remote API through the retry controller, resuming operations persisted
// by an earlier run.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/shelfsync/internal/audit"
	"github.com/tomtom215/shelfsync/internal/cache"
	"github.com/tomtom215/shelfsync/internal/catalog"
	"github.com/tomtom215/shelfsync/internal/changes"
	"github.com/tomtom215/shelfsync/internal/fetch"
	"github.com/tomtom215/shelfsync/internal/kvstore"
	"github.com/tomtom215/shelfsync/internal/logging"
	"github.com/tomtom215/shelfsync/internal/metrics"
	"github.com/tomtom215/shelfsync/internal/store"
)

// DefaultApplyBatchSize bounds the items applied per audited batch.
const DefaultApplyBatchSize = 100

// ErrPassRunning is reported when a pass is already running in this process.
var ErrPassRunning = errors.New("syncer: a pass is already running")

// Options modify a single pass.
type Options struct {
	ForceRefresh bool `json:"force_refresh"`
	DryRun       bool `json:"dry_run"`
}

// Result is returned by every pass, including failed ones.
type Result struct {
	SessionID string         `json:"session_id,omitempty"`
	Kind      changes.Kind   `json:"kind"`
	Success   bool           `json:"success"`
	Errors    []string       `json:"errors"`
	Counts    changes.Counts `json:"counts"`
	Fetched   int            `json:"fetched"`
	Truncated bool           `json:"truncated"`
	Applied   int            `json:"applied"`
	Failed    int            `json:"failed"`
	DryRun    bool           `json:"dry_run"`
	// Conflicts counts other sessions active in durable state at start.
	Conflicts int                  `json:"conflicts"`
	Elapsed   time.Duration        `json:"elapsed"`
	Report    *audit.SessionReport `json:"report,omitempty"`
}

func (r *Result) fail(err error) {
	r.Success = false
	r.Errors = append(r.Errors, err.Error())
}

// Syncer runs one pass at a time.
type Syncer struct {
	registry   *catalog.Registry
	cache      *cache.Tiered
	store      store.LocalStore
	kv         kvstore.Store
	applyBatch int
	now        func() time.Time

	running sync.Mutex
}

// Deps wires a Syncer. Cache may be nil.
type Deps struct {
	Registry       *catalog.Registry
	Cache          *cache.Tiered
	Store          store.LocalStore
	KV             kvstore.Store
	ApplyBatchSize int
	Now            func() time.Time
}

// New creates a Syncer.
func New(d Deps) *Syncer {
	if d.ApplyBatchSize <= 0 {
		d.ApplyBatchSize = DefaultApplyBatchSize
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Syncer{
		registry:   d.Registry,
		cache:      d.Cache,
		store:      d.Store,
		kv:         d.KV,
		applyBatch: d.ApplyBatchSize,
		now:        d.Now,
	}
}

// Registry returns the importer registry.
func (s *Syncer) Registry() *catalog.Registry { return s.registry }

// Pass synchronizes one record kind. It never panics and always returns a
// Result with Success and Errors set.
func (s *Syncer) Pass(ctx context.Context, kind changes.Kind, filters fetch.Filters, opts Options) (res Result) {
	start := s.now()
	res = Result{Kind: kind, DryRun: opts.DryRun, Errors: []string{}}
	ctx = logging.ContextWithNewCorrelationID(ctx)
	log := logging.Ctx(ctx).With().Str("component", "syncer").Str("kind", string(kind)).Logger()

	var alog *audit.Log
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Sync pass panicked")
			perr := fmt.Errorf("internal error: %v", r)
			res.fail(perr)
			if report, ok := closeSession(ctx, alog, perr); ok {
				res.Report = &report
			}
		}
		res.Elapsed = s.now().Sub(start)
		var err error
		if !res.Success {
			err = errors.New("sync failed")
		}
		metrics.RecordSync(string(kind), res.Elapsed, err)
	}()

	if !s.running.TryLock() {
		res.fail(ErrPassRunning)
		return res
	}
	defer s.running.Unlock()

	imp, err := s.registry.Get(kind)
	if err != nil {
		res.fail(err)
		return res
	}

	if s.kv != nil {
		active, err := audit.ActiveSessions(ctx, s.kv, s.now())
		if err != nil {
			log.Warn().Err(err).Msg("Conflict check failed")
		} else if len(active) > 0 {
			res.Conflicts = len(active)
			log.Warn().Int("active_sessions", len(active)).Str("session_id", active[0].ID).
				Msg("Another sync session appears active; continuing without exclusion")
		}
	}

	alog = audit.NewLog(s.kv)
	alog.SetClock(s.now)
	filterJSON, _ := json.Marshal(filters)
	session, err := alog.StartSession(ctx, map[string]string{
		"operation": "sync",
		"kind":      string(kind),
		"filters":   string(filterJSON),
		"dry_run":   fmt.Sprint(opts.DryRun),
	})
	if err != nil {
		log.Warn().Err(err).Msg("Audit session not fully persisted")
	}
	res.SessionID = session.ID
	ctx = logging.ContextWithSessionID(ctx, session.ID)

	s.run(ctx, imp, filters, opts, alog, &res)

	report, err := alog.EndSession(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to persist session report")
	}
	res.Report = &report

	log.Info().
		Bool("success", res.Success).
		Int("fetched", res.Fetched).
		Int("add", res.Counts.Add).
		Int("update", res.Counts.Update).
		Int("delete", res.Counts.Delete).
		Int("unchanged", res.Counts.Unchanged).
		Int("applied", res.Applied).
		Int("failed", res.Failed).
		Msg("Sync pass finished")
	return res
}

// closeSession ends a session left open by a panic so it does not count as
// active in later conflict checks.
func closeSession(ctx context.Context, alog *audit.Log, cause error) (audit.SessionReport, bool) {
	if alog == nil || alog.SessionID() == "" {
		return audit.SessionReport{}, false
	}
	_ = alog.LogError(ctx, cause, map[string]string{"stage": "panic"})
	report, err := alog.EndSession(ctx)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("Failed to close session after panic")
	}
	return report, err == nil
}

func (s *Syncer) run(ctx context.Context, imp catalog.Importer, filters fetch.Filters, opts Options, alog *audit.Log, res *Result) {
	log := logging.Ctx(ctx)
	kind := imp.Kind()

	col, err := s.fetch(ctx, imp, filters, opts)
	if err != nil {
		var fe *fetch.Error
		fields := map[string]string{"stage": "fetch", "resource": imp.Resource()}
		if errors.As(err, &fe) {
			fields["fetched"] = fmt.Sprint(fe.Fetched)
			fields["cursor"] = fe.Cursor
			res.Fetched = fe.Fetched
		}
		_ = alog.LogError(ctx, err, fields)
		log.Error().Err(err).Msg("Fetch failed; nothing applied")
		res.fail(err)
		return
	}
	res.Fetched = col.Count
	res.Truncated = col.Truncated()
	_ = alog.LogPerformance(ctx, "fetch", col.Elapsed, map[string]string{
		"items": fmt.Sprint(col.Count),
		"pages": fmt.Sprint(col.Pages),
		"stop":  string(col.Stop),
	})

	records, decodeErrs := catalog.TransformAll(imp, col.Items)
	for _, derr := range decodeErrs {
		_ = alog.LogError(ctx, derr, map[string]string{"stage": "transform"})
		res.Errors = append(res.Errors, derr.Error())
	}

	stored, err := s.store.Fingerprints(ctx, kind)
	if err != nil {
		_ = alog.LogError(ctx, err, map[string]string{"stage": "load_fingerprints"})
		res.fail(fmt.Errorf("load fingerprints: %w", err))
		return
	}

	diffStart := s.now()
	cs := changes.Diff(imp.Schema(), records, stored)
	_ = alog.LogPerformance(ctx, "diff", s.now().Sub(diffStart), nil)

	// Absence from a partial view is not a removal.
	if len(cs.ToDelete) > 0 && (len(filters) > 0 || col.Truncated() || len(decodeErrs) > 0) {
		log.Warn().Int("withheld", len(cs.ToDelete)).Msg("Collection incomplete; deletions withheld")
		cs.ToDelete = nil
	}
	res.Counts = cs.Counts()
	metrics.RecordChangeSet(string(kind), res.Counts.Add, res.Counts.Update, res.Counts.Delete, res.Counts.Unchanged)

	if opts.DryRun {
		res.Success = true
		return
	}

	s.apply(ctx, kind, cs, alog, res)
	res.Success = res.Failed == 0
	if res.Failed > 0 {
		res.Errors = append(res.Errors, fmt.Sprintf("%d of %d changes failed to apply", res.Failed, res.Failed+res.Applied))
	}
}

// fetch reads the collection through the cache when one is configured.
func (s *Syncer) fetch(ctx context.Context, imp catalog.Importer, filters fetch.Filters, opts Options) (fetch.Collection, error) {
	if s.cache == nil {
		return imp.Fetch(ctx, filters)
	}
	key := cache.Key("collection:"+imp.Resource(), filters)
	return cache.GetJSON(ctx, s.cache, key, func(ctx context.Context) (fetch.Collection, error) {
		return imp.Fetch(ctx, filters)
	}, cache.Options{ForceRefresh: opts.ForceRefresh})
}

type applyOp struct {
	item   changes.Item
	delete bool
}

func (s *Syncer) apply(ctx context.Context, kind changes.Kind, cs changes.ChangeSet, alog *audit.Log, res *Result) {
	ops := make([]applyOp, 0, len(cs.ToAdd)+len(cs.ToUpdate)+len(cs.ToDelete))
	for _, it := range cs.ToAdd {
		ops = append(ops, applyOp{item: it})
	}
	for _, it := range cs.ToUpdate {
		ops = append(ops, applyOp{item: it})
	}
	for _, it := range cs.ToDelete {
		ops = append(ops, applyOp{item: it, delete: true})
	}

	for n, lo := 0, 0; lo < len(ops); n, lo = n+1, lo+s.applyBatch {
		hi := lo + s.applyBatch
		if hi > len(ops) {
			hi = len(ops)
		}
		info := audit.BatchInfo{
			ID:        fmt.Sprintf("%s-apply-%03d", kind, n),
			Operation: "apply",
			Kind:      string(kind),
			Size:      hi - lo,
		}
		_ = alog.LogBatchStart(ctx, info)

		var br audit.BatchResult
		batchStart := s.now()
		for _, op := range ops[lo:hi] {
			t0 := s.now()
			err := s.applyOne(ctx, kind, op)
			br.Add(op.item.ID, err, 1, s.now().Sub(t0))
			if err != nil {
				res.Failed++
				logging.Ctx(ctx).Warn().Err(err).Str("id", op.item.ID).Bool("delete", op.delete).Msg("Change not applied")
			} else {
				res.Applied++
			}
		}
		br.Duration = s.now().Sub(batchStart)
		_ = alog.LogBatchComplete(ctx, info, br)
	}
}

func (s *Syncer) applyOne(ctx context.Context, kind changes.Kind, op applyOp) error {
	if op.delete {
		return s.store.Delete(ctx, kind, op.item.ID)
	}
	payload, err := json.Marshal(op.item.Record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return s.store.Upsert(ctx, kind, store.Row{
		ID:          op.item.ID,
		Fingerprint: op.item.Fingerprint,
		Payload:     payload,
		SyncedAt:    s.now().UTC(),
	})
}
