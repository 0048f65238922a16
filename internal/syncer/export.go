// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/shelfsync/internal/audit"
	"github.com/tomtom215/shelfsync/internal/catalog"
	"github.com/tomtom215/shelfsync/internal/changes"
	"github.com/tomtom215/shelfsync/internal/gateway"
	"github.com/tomtom215/shelfsync/internal/kvstore"
	"github.com/tomtom215/shelfsync/internal/logging"
	"github.com/tomtom215/shelfsync/internal/retry"
	"github.com/tomtom215/shelfsync/internal/store"
)

// ExportResult is returned by every export.
type ExportResult struct {
	SessionID string               `json:"session_id,omitempty"`
	Kind      changes.Kind         `json:"kind"`
	Success   bool                 `json:"success"`
	Errors    []string             `json:"errors"`
	Exported  int                  `json:"exported"`
	Failed    int                  `json:"failed"`
	Resumed   int                  `json:"resumed"`
	Discarded int                  `json:"discarded"`
	Abandoned int                  `json:"abandoned"`
	Elapsed   time.Duration        `json:"elapsed"`
	Report    *audit.SessionReport `json:"report,omitempty"`
}

// Exporter pushes dirty local rows to the remote API.
type Exporter struct {
	registry   *catalog.Registry
	store      store.LocalStore
	doer       gateway.Doer
	ctrl       *retry.Controller
	kv         kvstore.Store
	applyBatch int
	now        func() time.Time

	running sync.Mutex
}

// ExporterDeps wires an Exporter.
type ExporterDeps struct {
	Registry       *catalog.Registry
	Store          store.LocalStore
	Doer           gateway.Doer
	Controller     *retry.Controller
	KV             kvstore.Store
	ApplyBatchSize int
	Now            func() time.Time
}

// NewExporter creates an Exporter.
func NewExporter(d ExporterDeps) *Exporter {
	if d.ApplyBatchSize <= 0 {
		d.ApplyBatchSize = DefaultApplyBatchSize
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Exporter{
		registry:   d.Registry,
		store:      d.Store,
		doer:       d.Doer,
		ctrl:       d.Controller,
		kv:         d.KV,
		applyBatch: d.ApplyBatchSize,
		now:        d.Now,
	}
}

// exportOp is one pending remote write.
type exportOp struct {
	id      string
	opID    string
	record  changes.Record
	req     gateway.Request
	payload json.RawMessage
	resumed bool
}

func operationPrefix(kind changes.Kind) string {
	return "export:" + string(kind) + ":"
}

// operationID is stable for a given row edit, so a retried export of the
// same edit resumes the same persisted state.
func operationID(kind changes.Kind, id string, payload []byte) string {
	sum := sha256.Sum256(payload)
	return operationPrefix(kind) + id + ":" + hex.EncodeToString(sum[:8])
}

// Export sends every dirty row of kind. Persisted retry state for this kind
// is handled first: operations whose edit is still pending are resumed, the
// rest are discarded as superseded. A resumed operation that already used
// its attempt budget is abandoned and counted; its row stays dirty and the
// next export starts a new operation for it. Item failures do not stop the
// export.
func (e *Exporter) Export(ctx context.Context, kind changes.Kind) (res ExportResult) {
	start := e.now()
	res = ExportResult{Kind: kind, Errors: []string{}}
	ctx = logging.ContextWithNewCorrelationID(ctx)
	log := logging.Ctx(ctx).With().Str("component", "exporter").Str("kind", string(kind)).Logger()

	var alog *audit.Log
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Export panicked")
			perr := fmt.Errorf("internal error: %v", r)
			res.Success = false
			res.Errors = append(res.Errors, perr.Error())
			if report, ok := closeSession(ctx, alog, perr); ok {
				res.Report = &report
			}
		}
		res.Elapsed = e.now().Sub(start)
	}()

	if !e.running.TryLock() {
		res.Errors = append(res.Errors, ErrPassRunning.Error())
		return res
	}
	defer e.running.Unlock()

	imp, err := e.registry.Get(kind)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return res
	}

	alog = audit.NewLog(e.kv)
	alog.SetClock(e.now)
	session, err := alog.StartSession(ctx, map[string]string{"operation": "export", "kind": string(kind)})
	if err != nil {
		log.Warn().Err(err).Msg("Audit session not fully persisted")
	}
	res.SessionID = session.ID
	ctx = logging.ContextWithSessionID(ctx, session.ID)

	ops, err := e.plan(ctx, imp, &res)
	if err != nil {
		_ = alog.LogError(ctx, err, map[string]string{"stage": "plan"})
		res.Errors = append(res.Errors, err.Error())
	} else {
		e.send(ctx, imp, ops, alog, &res)
		res.Success = res.Failed == 0
	}

	report, err := alog.EndSession(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to persist session report")
	}
	res.Report = &report

	log.Info().
		Bool("success", res.Success).
		Int("exported", res.Exported).
		Int("failed", res.Failed).
		Int("resumed", res.Resumed).
		Int("discarded", res.Discarded).
		Int("abandoned", res.Abandoned).
		Msg("Export finished")
	return res
}

// plan lists the operations to send: resumable ones first, then new ones,
// each group ordered by record id.
func (e *Exporter) plan(ctx context.Context, imp catalog.Importer, res *ExportResult) ([]exportOp, error) {
	kind := imp.Kind()
	rows, err := e.store.Dirty(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("list dirty rows: %w", err)
	}

	pending := make(map[string]exportOp, len(rows))
	for _, row := range rows {
		op, err := buildOp(imp, row)
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", row.ID, err))
			continue
		}
		pending[op.opID] = op
	}

	var resumed []exportOp
	if states := e.ctrl.States(); states != nil {
		sum, err := states.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list retry states: %w", err)
		}
		for _, st := range sum.Pending {
			if !strings.HasPrefix(st.OperationID, operationPrefix(kind)) {
				continue
			}
			op, ok := pending[st.OperationID]
			if !ok {
				// The edit was exported or replaced since this state was saved.
				if err := states.Delete(ctx, st.OperationID); err != nil {
					logging.Ctx(ctx).Warn().Err(err).Str("operation_id", st.OperationID).Msg("Failed to discard superseded retry state")
				}
				res.Discarded++
				continue
			}
			op.resumed = true
			resumed = append(resumed, op)
			delete(pending, st.OperationID)
		}
	}

	fresh := make([]exportOp, 0, len(pending))
	for _, op := range pending {
		fresh = append(fresh, op)
	}
	sortOps(resumed)
	sortOps(fresh)
	return append(resumed, fresh...), nil
}

func sortOps(ops []exportOp) {
	sort.Slice(ops, func(i, j int) bool { return ops[i].id < ops[j].id })
}

func buildOp(imp catalog.Importer, row store.Row) (exportOp, error) {
	rec, err := imp.Transform(row.Payload)
	if err != nil {
		return exportOp{}, err
	}
	req, err := imp.UpdateRequest(rec)
	if err != nil {
		return exportOp{}, err
	}
	body, err := json.Marshal(req.Body)
	if err != nil {
		return exportOp{}, fmt.Errorf("encode update: %w", err)
	}
	return exportOp{
		id:      row.ID,
		opID:    operationID(imp.Kind(), row.ID, row.Payload),
		record:  rec,
		req:     req,
		payload: body,
	}, nil
}

func (e *Exporter) send(ctx context.Context, imp catalog.Importer, ops []exportOp, alog *audit.Log, res *ExportResult) {
	kind := imp.Kind()
	for n, lo := 0, 0; lo < len(ops); n, lo = n+1, lo+e.applyBatch {
		hi := lo + e.applyBatch
		if hi > len(ops) {
			hi = len(ops)
		}
		info := audit.BatchInfo{
			ID:        fmt.Sprintf("%s-export-%03d", kind, n),
			Operation: "export",
			Kind:      string(kind),
			Size:      hi - lo,
		}
		_ = alog.LogBatchStart(ctx, info)

		var br audit.BatchResult
		batchStart := e.now()
		for _, op := range ops[lo:hi] {
			if ctx.Err() != nil {
				br.Add(op.id, ctx.Err(), 0, 0)
				res.Failed++
				continue
			}
			t0 := e.now()
			attempts, err := e.sendOne(ctx, imp, op)
			br.Add(op.id, err, attempts, e.now().Sub(t0))
			if op.resumed {
				res.Resumed++
			}
			if err != nil {
				res.Failed++
				if errors.Is(err, retry.ErrAbandoned) {
					res.Abandoned++
				}
				res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", op.id, err))
				continue
			}
			res.Exported++
		}
		br.Duration = e.now().Sub(batchStart)
		_ = alog.LogBatchComplete(ctx, info, br)
	}
}

func (e *Exporter) sendOne(ctx context.Context, imp catalog.Importer, op exportOp) (int, error) {
	out := e.ctrl.ExecuteOperation(ctx, retry.Operation{
		ID:       op.opID,
		Endpoint: op.req.Path,
		Method:   op.req.Method,
		Payload:  op.payload,
	}, func(ctx context.Context) gateway.Result {
		return e.doer.Do(ctx, op.req)
	})
	if !out.Success {
		err := out.Err
		if err == nil {
			err = errors.New("export failed")
		}
		logging.Ctx(ctx).Warn().Err(err).
			Str("operation_id", op.opID).
			Int("attempt", out.Attempts).
			Str("category", out.Category.Name).
			Msg("Export operation failed")
		return out.Attempts, err
	}

	fp := changes.Fingerprint(imp.Schema(), op.record)
	if err := e.store.ClearDirty(ctx, imp.Kind(), op.id, fp, e.now().UTC()); err != nil {
		return out.Attempts, fmt.Errorf("record export: %w", err)
	}
	return out.Attempts, nil
}
