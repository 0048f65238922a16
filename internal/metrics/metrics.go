// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

// Package metrics holds the Prometheus collectors shared by the sync core.
//
// Per-instance counters (cache stats, audit performance counters) live on the
// owning component; the collectors here aggregate across instances for
// scraping via /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Gateway
	GatewayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelfsync_gateway_requests_total",
			Help: "Remote API requests by method and status class",
		},
		[]string{"method", "status"},
	)

	GatewayDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shelfsync_gateway_request_duration_seconds",
			Help:    "Remote API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	GatewayPaceWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shelfsync_gateway_pace_wait_seconds",
			Help:    "Time spent waiting for the inter-request interval",
			Buckets: []float64{0, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shelfsync_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelfsync_circuit_breaker_rejected_total",
			Help: "Requests rejected while the breaker was open",
		},
		[]string{"name"},
	)

	// Retry controller
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelfsync_retry_attempts_total",
			Help: "Retried calls by error category",
		},
		[]string{"category"},
	)

	RetryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelfsync_retry_outcomes_total",
			Help: "Final outcome of retried operations",
		},
		[]string{"outcome"}, // success, fatal, exhausted
	)

	RetryStatesPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shelfsync_retry_states_pending",
			Help: "Persisted retry states observed by the last scan",
		},
	)

	// Fetch engine
	FetchPages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelfsync_fetch_pages_total",
			Help: "Pages fetched per resource",
		},
		[]string{"resource"},
	)

	FetchItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelfsync_fetch_items_total",
			Help: "Items fetched per resource",
		},
		[]string{"resource"},
	)

	FetchCeilingAborts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelfsync_fetch_ceiling_aborts_total",
			Help: "Fetches stopped by the safety ceiling",
		},
		[]string{"resource"},
	)

	// Cache
	CacheOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelfsync_cache_operations_total",
			Help: "Cache operations by tier and result",
		},
		[]string{"tier", "result"}, // result: hit, miss, save, eviction
	)

	// Change detection
	ChangeSetSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shelfsync_changeset_size",
			Help: "Size of the last change set per kind and bucket",
		},
		[]string{"kind", "bucket"},
	)

	// Sync and audit
	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shelfsync_sync_duration_seconds",
			Help:    "Duration of sync passes",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"kind"},
	)

	SyncErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelfsync_sync_errors_total",
			Help: "Failed sync passes per kind",
		},
		[]string{"kind"},
	)

	SyncLastSuccess = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shelfsync_sync_last_success_timestamp",
			Help: "Unix time of the last successful sync pass",
		},
		[]string{"kind"},
	)

	AuditBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelfsync_audit_batches_total",
			Help: "Batches recorded by the audit log",
		},
		[]string{"status"}, // success, partial, failed
	)

	AuditItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelfsync_audit_items_total",
			Help: "Batch item outcomes recorded by the audit log",
		},
		[]string{"outcome"},
	)

	// HTTP surface
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelfsync_api_requests_total",
			Help: "HTTP requests by route pattern, method and status",
		},
		[]string{"route", "method", "status"},
	)

	APIDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shelfsync_api_request_duration_seconds",
			Help:    "HTTP request latency by route pattern",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shelfsync_api_active_requests",
			Help: "HTTP requests currently being served",
		},
	)

	ProgressSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shelfsync_progress_subscribers",
			Help: "Connected progress websocket clients",
		},
	)
)

// RecordGatewayRequest records one remote call. A status of 0 means the
// request never produced a response.
func RecordGatewayRequest(method string, status int, d time.Duration) {
	GatewayRequests.WithLabelValues(method, statusClass(status)).Inc()
	GatewayDuration.WithLabelValues(method).Observe(d.Seconds())
}

func statusClass(status int) string {
	if status == 0 {
		return "network"
	}
	if status == 429 {
		return "429"
	}
	return strconv.Itoa(status/100) + "xx"
}

// RecordCache counts a cache operation.
func RecordCache(tier, result string) {
	CacheOps.WithLabelValues(tier, result).Inc()
}

// RecordSync records the outcome of a sync pass.
func RecordSync(kind string, d time.Duration, err error) {
	SyncDuration.WithLabelValues(kind).Observe(d.Seconds())
	if err != nil {
		SyncErrors.WithLabelValues(kind).Inc()
		return
	}
	SyncLastSuccess.WithLabelValues(kind).Set(float64(time.Now().Unix()))
}

// RecordChangeSet publishes change set bucket sizes.
func RecordChangeSet(kind string, add, update, del, unchanged int) {
	ChangeSetSize.WithLabelValues(kind, "add").Set(float64(add))
	ChangeSetSize.WithLabelValues(kind, "update").Set(float64(update))
	ChangeSetSize.WithLabelValues(kind, "delete").Set(float64(del))
	ChangeSetSize.WithLabelValues(kind, "unchanged").Set(float64(unchanged))
}

// RecordAPIRequest records one served HTTP request. route is the matched
// pattern, not the raw path, to keep label cardinality bounded.
func RecordAPIRequest(route, method string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	APIRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	APIDuration.WithLabelValues(route).Observe(d.Seconds())
}
