// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/tomtom215/shelfsync/internal/logging"
	"github.com/tomtom215/shelfsync/internal/metrics"
)

// MiddlewareConfig holds CORS and rate limit settings.
type MiddlewareConfig struct {
	CORSAllowedOrigins []string
	CORSAllowedMethods []string
	CORSAllowedHeaders []string
	CORSMaxAge         int // seconds

	// RateLimitRequests per RateLimitWindow and client IP. Zero disables
	// rate limiting.
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// DefaultMiddlewareConfig allows no cross-origin callers and 120 requests
// per minute.
func DefaultMiddlewareConfig() MiddlewareConfig {
	return MiddlewareConfig{
		CORSAllowedOrigins: []string{},
		CORSAllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		CORSAllowedHeaders: []string{"Content-Type", "X-Request-ID"},
		CORSMaxAge:         86400,
		RateLimitRequests:  120,
		RateLimitWindow:    time.Minute,
	}
}

func corsMiddleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: cfg.CORSAllowedMethods,
		AllowedHeaders: cfg.CORSAllowedHeaders,
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         cfg.CORSMaxAge,
	})
}

func rateLimit(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	if cfg.RateLimitRequests <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	window := cfg.RateLimitWindow
	if window <= 0 {
		window = time.Minute
	}
	return httprate.Limit(cfg.RateLimitRequests, window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			respondError(w, r, http.StatusTooManyRequests, ErrCodeTooManyRequests, "rate limit exceeded", nil)
		}),
	)
}

// requestLogging puts the request id and a fresh correlation id on the
// request context so handler logs can be joined with sync session logs.
func requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.ContextWithNewCorrelationID(r.Context())
		if id := chimiddleware.GetReqID(ctx); id != "" {
			w.Header().Set("X-Request-ID", id)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// observe records request metrics under the matched route pattern.
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.APIActiveRequests.Inc()
		defer metrics.APIActiveRequests.Dec()

		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		var route string
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		metrics.RecordAPIRequest(route, r.Method, status, time.Since(start))
	})
}
