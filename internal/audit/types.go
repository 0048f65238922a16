// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

// Package audit records batch outcomes and performance for sync sessions.
//
// A session groups the records written by one sync or export pass. Every
// record is appended in memory and mirrored to the durable key-value store
// under audit:{session}:{seq}, with one index entry per session so sessions
// can be listed and their reports rebuilt by another process.
package audit

import (
	"time"

	"github.com/goccy/go-json"
)

// EventType categorizes audit records.
type EventType string

const (
	EventSessionStart  EventType = "session_start"
	EventBatchStart    EventType = "batch_start"
	EventBatchComplete EventType = "batch_complete"
	EventError         EventType = "error"
	EventPerformance   EventType = "performance"
	EventSessionEnd    EventType = "session_end"
)

// Severity indicates the severity level of a record.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Outcome is the aggregate result of a batch.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailure Outcome = "failed"
)

// Record is one immutable audit entry.
type Record struct {
	ID            string            `json:"id"`
	SessionID     string            `json:"session_id"`
	Seq           int               `json:"seq"`
	Timestamp     time.Time         `json:"timestamp"`
	Type          EventType         `json:"type"`
	Severity      Severity          `json:"severity"`
	Message       string            `json:"message,omitempty"`
	Batch         *BatchInfo        `json:"batch,omitempty"`
	Result        *BatchResult      `json:"result,omitempty"`
	Duration      time.Duration     `json:"duration,omitempty"`
	Context       map[string]string `json:"context,omitempty"`
	Metadata      json.RawMessage   `json:"metadata,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// BatchInfo describes a batch of writes.
type BatchInfo struct {
	ID        string `json:"id"`
	Operation string `json:"operation"`
	Kind      string `json:"kind,omitempty"`
	Size      int    `json:"size"`
}

// ItemResult is the outcome of one item in a batch. Items fail
// independently of each other.
type ItemResult struct {
	ID       string        `json:"id"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// BatchResult aggregates item outcomes.
type BatchResult struct {
	Items     []ItemResult  `json:"items,omitempty"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// Add records one item outcome.
func (r *BatchResult) Add(id string, err error, attempts int, d time.Duration) {
	item := ItemResult{ID: id, Success: err == nil, Attempts: attempts, Duration: d}
	if err != nil {
		item.Error = err.Error()
		r.Failed++
	} else {
		r.Succeeded++
	}
	r.Items = append(r.Items, item)
}

// Outcome reports the aggregate result by counts.
func (r BatchResult) Outcome() Outcome {
	switch {
	case r.Failed == 0:
		return OutcomeSuccess
	case r.Succeeded == 0:
		return OutcomeFailure
	default:
		return OutcomePartial
	}
}

// Session is the durable index entry for one session.
type Session struct {
	ID        string            `json:"id"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   *time.Time        `json:"ended_at,omitempty"`
	Active    bool              `json:"active"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Records   int               `json:"records"`
}

// Counters are maintained incrementally as records are appended.
type Counters struct {
	Batches         int           `json:"batches"`
	TotalOperations int           `json:"total_operations"`
	Succeeded       int           `json:"succeeded"`
	Failed          int           `json:"failed"`
	Errors          int           `json:"errors"`
	TotalDuration   time.Duration `json:"total_duration"`
	AverageDuration time.Duration `json:"average_duration"`
}

func (c *Counters) addBatch(r BatchResult) {
	c.Batches++
	c.Succeeded += r.Succeeded
	c.Failed += r.Failed
	c.TotalOperations += r.Succeeded + r.Failed
	c.TotalDuration += r.Duration
	c.AverageDuration = c.TotalDuration / time.Duration(c.Batches)
}

// BatchSummary is a batch line in a SessionReport.
type BatchSummary struct {
	ID        string        `json:"id"`
	Operation string        `json:"operation"`
	Kind      string        `json:"kind,omitempty"`
	Size      int           `json:"size"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Outcome   Outcome       `json:"outcome"`
	Duration  time.Duration `json:"duration"`
}

// ErrorSummary is an error line in a SessionReport.
type ErrorSummary struct {
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
}

// SessionReport aggregates a session's log.
type SessionReport struct {
	Session     Session                  `json:"session"`
	Counters    Counters                 `json:"counters"`
	EventCounts map[EventType]int        `json:"event_counts"`
	Batches     []BatchSummary           `json:"batches"`
	Errors      []ErrorSummary           `json:"errors"`
	Performance map[string]time.Duration `json:"performance,omitempty"`
	SuccessRate float64                  `json:"success_rate"`
	GeneratedAt time.Time                `json:"generated_at"`
}
