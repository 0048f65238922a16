// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

// Package api exposes the sync core over HTTP: health and metrics, cache
// and retry inspection, audit reports, sync triggers and a websocket stream
// of fetch progress.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/shelfsync/internal/cache"
	"github.com/tomtom215/shelfsync/internal/fetch"
	"github.com/tomtom215/shelfsync/internal/kvstore"
	"github.com/tomtom215/shelfsync/internal/retry"
	"github.com/tomtom215/shelfsync/internal/syncer"
)

// ProgressSource yields fetch progress until ctx is done. *events.Bus
// implements it.
type ProgressSource interface {
	Subscribe(ctx context.Context) (<-chan fetch.Progress, error)
}

// Deps are the components served by the router. Any of them except Syncer
// and KV may be nil; the matching endpoints then answer 503.
type Deps struct {
	Syncer   *syncer.Syncer
	Exporter *syncer.Exporter
	Cache    *cache.Tiered
	KV       kvstore.Store
	Retry    *retry.StateStore
	Progress ProgressSource
}

// Router builds the HTTP handler.
type Router struct {
	deps    Deps
	mw      MiddlewareConfig
	started time.Time
}

// NewRouter creates a Router.
func NewRouter(deps Deps, mw MiddlewareConfig) *Router {
	return &Router{deps: deps, mw: mw, started: time.Now()}
}

// Handler returns the chi mux with all routes mounted.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(requestLogging)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(corsMiddleware(rt.mw))

	r.Get("/healthz", rt.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(rateLimit(rt.mw))
		r.Use(observe)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Compress(5, "application/json"))

			r.Get("/kinds", rt.kinds)
			r.Post("/sync/{kind}", rt.triggerSync)
			r.Post("/export/{kind}", rt.triggerExport)

			r.Get("/cache/stats", rt.cacheStats)
			r.Post("/cache/sweep", rt.cacheSweep)
			r.Delete("/cache", rt.cacheClear)

			r.Get("/sessions", rt.sessions)
			r.Get("/sessions/{id}/report", rt.sessionReport)
			r.Get("/sessions/{id}/records", rt.sessionRecords)

			r.Get("/retry", rt.retryStates)
			r.Delete("/retry/stale", rt.retryCleanup)
		})

		r.Get("/progress/ws", rt.progressStream)
	})

	return r
}
