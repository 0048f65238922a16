// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/shelfsync/internal/audit"
	"github.com/tomtom215/shelfsync/internal/catalog"
	"github.com/tomtom215/shelfsync/internal/changes"
	"github.com/tomtom215/shelfsync/internal/fetch"
	"github.com/tomtom215/shelfsync/internal/syncer"
	"github.com/tomtom215/shelfsync/internal/validation"
)

// HealthStatus is the /healthz payload.
type HealthStatus struct {
	Status  string   `json:"status"`
	Uptime  float64  `json:"uptime_seconds"`
	Kinds   []string `json:"kinds"`
	Durable bool     `json:"durable_state"`
}

func (rt *Router) health(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{Status: "healthy", Uptime: time.Since(rt.started).Seconds()}
	if rt.deps.Syncer != nil {
		for _, k := range rt.deps.Syncer.Registry().Kinds() {
			status.Kinds = append(status.Kinds, string(k))
		}
	}
	if rt.deps.KV != nil {
		_, err := rt.deps.KV.Keys(r.Context(), "audit_index:")
		status.Durable = err == nil
		if err != nil {
			status.Status = "degraded"
		}
	}
	respondOK(w, r, status)
}

func (rt *Router) kinds(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Syncer == nil {
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "sync not configured", nil)
		return
	}
	respondOK(w, r, rt.deps.Syncer.Registry().Kinds())
}

// reserved query parameters of the sync trigger; every other parameter is
// passed to the remote API as a collection filter.
var syncParams = map[string]bool{"force": true, "dry_run": true}

type syncQuery struct {
	Force   string   `validate:"omitempty,boolean"`
	DryRun  string   `validate:"omitempty,boolean"`
	Filters []string `validate:"max=20,dive,filterkey"`
}

type sessionsQuery struct {
	Limit int `validate:"min=0,max=1000"`
}

type sessionPath struct {
	ID string `validate:"required,uuid"`
}

// triggerSync runs one pass synchronously and returns its Result.
//
//	POST /api/v1/sync/{kind}?force=true&dry_run=false&status=active
func (rt *Router) triggerSync(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Syncer == nil {
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "sync not configured", nil)
		return
	}
	kind := changes.Kind(chi.URLParam(r, "kind"))
	if _, err := rt.deps.Syncer.Registry().Get(kind); err != nil {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, err.Error(), nil)
		return
	}

	q := r.URL.Query()
	req := syncQuery{Force: q.Get("force"), DryRun: q.Get("dry_run")}
	var filters fetch.Filters
	for k := range q {
		if syncParams[k] {
			continue
		}
		if filters == nil {
			filters = fetch.Filters{}
		}
		filters[k] = q.Get(k)
		req.Filters = append(req.Filters, k)
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		respondInvalid(w, r, verr)
		return
	}
	opts := syncer.Options{ForceRefresh: parseBool(req.Force), DryRun: parseBool(req.DryRun)}

	res := rt.deps.Syncer.Pass(r.Context(), kind, filters, opts)
	writeResult(w, r, res.Success, res.Errors, res)
}

func (rt *Router) triggerExport(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Exporter == nil {
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "export not configured", nil)
		return
	}
	kind := changes.Kind(chi.URLParam(r, "kind"))
	res := rt.deps.Exporter.Export(r.Context(), kind)
	if !res.Success && hasError(res.Errors, catalog.ErrUnknownKind) {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, res.Errors[0], nil)
		return
	}
	writeResult(w, r, res.Success, res.Errors, res)
}

// writeResult answers 200 for a successful run, 409 when another run holds
// the lock and 502 otherwise. The full result is returned in every case.
func writeResult(w http.ResponseWriter, r *http.Request, ok bool, errs []string, result interface{}) {
	if ok {
		respondOK(w, r, result)
		return
	}
	status, code, msg := http.StatusBadGateway, ErrCodeSyncFailed, "run failed"
	if hasError(errs, syncer.ErrPassRunning) {
		status, code, msg = http.StatusConflict, ErrCodeConflict, syncer.ErrPassRunning.Error()
	} else if len(errs) > 0 {
		msg = errs[0]
	}
	writeJSON(w, r, status, Response{
		Data:  result,
		Error: &Error{Code: code, Message: msg},
		Meta:  meta(r),
	})
}

func hasError(errs []string, target error) bool {
	for _, e := range errs {
		if strings.HasPrefix(e, target.Error()) {
			return true
		}
	}
	return false
}

// parseBool reads a value already checked by the "boolean" tag.
func parseBool(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}

func (rt *Router) cacheStats(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Cache == nil {
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "cache not configured", nil)
		return
	}
	respondOK(w, r, rt.deps.Cache.GetStats())
}

func (rt *Router) cacheSweep(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Cache == nil {
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "cache not configured", nil)
		return
	}
	removed, err := rt.deps.Cache.SweepDurable(r.Context())
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "sweep failed", err)
		return
	}
	respondOK(w, r, map[string]int{"removed": removed})
}

func (rt *Router) cacheClear(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Cache == nil {
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "cache not configured", nil)
		return
	}
	if err := rt.deps.Cache.ClearAll(r.Context()); err != nil {
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "clear failed", err)
		return
	}
	respondOK(w, r, rt.deps.Cache.GetStats())
}

func (rt *Router) sessions(w http.ResponseWriter, r *http.Request) {
	list, err := audit.Sessions(r.Context(), rt.deps.KV)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "list sessions failed", err)
		return
	}
	q := sessionsQuery{}
	if v := r.URL.Query().Get("limit"); v != "" {
		if q.Limit, err = strconv.Atoi(v); err != nil {
			respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "limit must be an integer", nil)
			return
		}
	}
	if verr := validation.ValidateStruct(&q); verr != nil {
		respondInvalid(w, r, verr)
		return
	}
	if q.Limit > 0 && q.Limit < len(list) {
		list = list[:q.Limit]
	}
	respondOK(w, r, list)
}

func (rt *Router) sessionReport(w http.ResponseWriter, r *http.Request) {
	p := sessionPath{ID: chi.URLParam(r, "id")}
	if verr := validation.ValidateStruct(&p); verr != nil {
		respondInvalid(w, r, verr)
		return
	}
	report, err := audit.LoadReport(r.Context(), rt.deps.KV, p.ID)
	if errors.Is(err, audit.ErrSessionNotFound) {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "session not found", nil)
		return
	}
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "load report failed", err)
		return
	}
	respondOK(w, r, report)
}

func (rt *Router) sessionRecords(w http.ResponseWriter, r *http.Request) {
	p := sessionPath{ID: chi.URLParam(r, "id")}
	if verr := validation.ValidateStruct(&p); verr != nil {
		respondInvalid(w, r, verr)
		return
	}
	records, err := audit.LoadRecords(r.Context(), rt.deps.KV, p.ID)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "load records failed", err)
		return
	}
	if len(records) == 0 {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "session not found", nil)
		return
	}
	respondOK(w, r, records)
}

func (rt *Router) retryStates(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Retry == nil {
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "retry persistence not configured", nil)
		return
	}
	sum, err := rt.deps.Retry.List(r.Context())
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "list retry states failed", err)
		return
	}
	respondOK(w, r, sum)
}

func (rt *Router) retryCleanup(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Retry == nil {
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "retry persistence not configured", nil)
		return
	}
	removed, err := rt.deps.Retry.Cleanup(r.Context())
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "cleanup failed", err)
		return
	}
	respondOK(w, r, map[string]int{"removed": removed})
}
