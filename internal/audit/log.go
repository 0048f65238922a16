// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/shelfsync/internal/kvstore"
	"github.com/tomtom215/shelfsync/internal/logging"
	"github.com/tomtom215/shelfsync/internal/metrics"
)

const (
	recordPrefix = "audit:"
	indexPrefix  = "audit_index:"
	reportPrefix = "audit_report:"

	// AbandonedAfter is how long an unfinished session counts as active.
	// Older ones are assumed to belong to a process that died.
	AbandonedAfter = 24 * time.Hour
)

var (
	// ErrNoActiveSession is returned when logging without a session.
	ErrNoActiveSession = errors.New("audit: no active session")
	// ErrSessionActive is returned when starting a session twice.
	ErrSessionActive = errors.New("audit: session already active")
	// ErrSessionNotFound is returned when a session id is unknown.
	ErrSessionNotFound = errors.New("audit: session not found")
)

func recordKey(sessionID string, seq int) string {
	return fmt.Sprintf("%s%s:%06d", recordPrefix, sessionID, seq)
}

// Log is the audit log for one session at a time.
type Log struct {
	kv  kvstore.Store
	now func() time.Time

	mu       sync.Mutex
	session  *Session
	records  []Record
	counters Counters
}

// NewLog creates an audit log. A nil kv keeps records in memory only.
func NewLog(kv kvstore.Store) *Log {
	return &Log{kv: kv, now: time.Now}
}

// SetClock replaces time.Now, for tests.
func (l *Log) SetClock(now func() time.Time) {
	l.now = now
}

// StartSession opens a new session and writes its first record.
func (l *Log) StartSession(ctx context.Context, metadata map[string]string) (Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.session != nil && l.session.Active {
		return Session{}, ErrSessionActive
	}

	l.session = &Session{
		ID:        uuid.NewString(),
		StartedAt: l.now().UTC(),
		Active:    true,
		Metadata:  copyMap(metadata),
	}
	l.records = nil
	l.counters = Counters{}

	meta, _ := json.Marshal(metadata)
	err := l.appendLocked(ctx, Record{
		Type:     EventSessionStart,
		Severity: SeverityInfo,
		Message:  "session started",
		Metadata: meta,
	})
	logging.Ctx(ctx).Info().Str("component", "audit").Str("session_id", l.session.ID).Msg("Audit session started")
	return *l.session, err
}

// SessionID returns the current session id, or "" when none is open.
func (l *Log) SessionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return ""
	}
	return l.session.ID
}

// LogBatchStart records the start of a batch.
func (l *Log) LogBatchStart(ctx context.Context, batch BatchInfo) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.activeLocked() {
		return ErrNoActiveSession
	}
	b := batch
	return l.appendLocked(ctx, Record{
		Type:     EventBatchStart,
		Severity: SeverityInfo,
		Message:  fmt.Sprintf("%s batch of %d", batch.Operation, batch.Size),
		Batch:    &b,
	})
}

// LogBatchComplete records a batch result and updates the counters.
func (l *Log) LogBatchComplete(ctx context.Context, batch BatchInfo, result BatchResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.activeLocked() {
		return ErrNoActiveSession
	}

	outcome := result.Outcome()
	sev := SeverityInfo
	if outcome != OutcomeSuccess {
		sev = SeverityWarning
	}

	l.counters.addBatch(result)
	metrics.AuditBatches.WithLabelValues(string(outcome)).Inc()
	metrics.AuditItems.WithLabelValues("success").Add(float64(result.Succeeded))
	metrics.AuditItems.WithLabelValues("failure").Add(float64(result.Failed))

	b, r := batch, result
	return l.appendLocked(ctx, Record{
		Type:     EventBatchComplete,
		Severity: sev,
		Message:  fmt.Sprintf("%s batch %s: %d ok, %d failed", batch.Operation, outcome, result.Succeeded, result.Failed),
		Batch:    &b,
		Result:   &r,
		Duration: result.Duration,
	})
}

// LogError records an error with free-form context.
func (l *Log) LogError(ctx context.Context, err error, fields map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.activeLocked() {
		return ErrNoActiveSession
	}
	l.counters.Errors++

	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return l.appendLocked(ctx, Record{
		Type:     EventError,
		Severity: SeverityError,
		Message:  msg,
		Context:  copyMap(fields),
	})
}

// LogPerformance records a named timing.
func (l *Log) LogPerformance(ctx context.Context, name string, d time.Duration, fields map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.activeLocked() {
		return ErrNoActiveSession
	}
	return l.appendLocked(ctx, Record{
		Type:     EventPerformance,
		Severity: SeverityInfo,
		Message:  name,
		Duration: d,
		Context:  copyMap(fields),
	})
}

// EndSession closes the session and persists its final report.
func (l *Log) EndSession(ctx context.Context) (SessionReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.activeLocked() {
		return SessionReport{}, ErrNoActiveSession
	}

	appendErr := l.appendLocked(ctx, Record{
		Type:     EventSessionEnd,
		Severity: SeverityInfo,
		Message:  "session ended",
	})
	ended := l.now().UTC()
	l.session.EndedAt = &ended
	l.session.Active = false

	report, err := l.reportLocked(ctx)
	if err != nil {
		return report, err
	}
	return report, appendErr
}

// GenerateReport aggregates the current session and persists the report.
// Repeated calls over the same log return the same summary apart from
// GeneratedAt.
func (l *Log) GenerateReport(ctx context.Context) (SessionReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.session == nil {
		return SessionReport{}, ErrNoActiveSession
	}
	return l.reportLocked(ctx)
}

func (l *Log) reportLocked(ctx context.Context) (SessionReport, error) {
	report := buildReport(*l.session, l.records, l.counters, l.now().UTC())
	if l.kv == nil {
		return report, nil
	}
	if err := kvstore.SetJSON(ctx, l.kv, reportPrefix+l.session.ID, report); err != nil {
		return report, fmt.Errorf("persist report: %w", err)
	}
	if err := l.writeIndexLocked(ctx); err != nil {
		return report, err
	}
	return report, nil
}

func (l *Log) activeLocked() bool {
	return l.session != nil && l.session.Active
}

// appendLocked stamps rec, appends it in memory, then mirrors it to the
// durable store. The in-memory append happens even when the write fails.
func (l *Log) appendLocked(ctx context.Context, rec Record) error {
	rec.SessionID = l.session.ID
	rec.Seq = len(l.records)
	rec.ID = uuid.NewString()
	rec.Timestamp = l.now().UTC()
	rec.CorrelationID = logging.CorrelationIDFromContext(ctx)

	l.records = append(l.records, rec)
	l.session.Records = len(l.records)

	if l.kv == nil {
		return nil
	}
	if err := kvstore.SetJSON(ctx, l.kv, recordKey(rec.SessionID, rec.Seq), rec); err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("component", "audit").Str("session_id", rec.SessionID).Msg("Failed to persist audit record")
		return fmt.Errorf("persist audit record: %w", err)
	}
	return l.writeIndexLocked(ctx)
}

func (l *Log) writeIndexLocked(ctx context.Context) error {
	if err := kvstore.SetJSON(ctx, l.kv, indexPrefix+l.session.ID, l.session); err != nil {
		return fmt.Errorf("persist session index: %w", err)
	}
	return nil
}

func buildReport(s Session, records []Record, counters Counters, now time.Time) SessionReport {
	report := SessionReport{
		Session:     s,
		Counters:    counters,
		EventCounts: make(map[EventType]int),
		Batches:     []BatchSummary{},
		Errors:      []ErrorSummary{},
		GeneratedAt: now,
	}
	report.Session.Metadata = copyMap(s.Metadata)

	for _, rec := range records {
		report.EventCounts[rec.Type]++
		switch rec.Type {
		case EventBatchComplete:
			if rec.Batch == nil || rec.Result == nil {
				continue
			}
			report.Batches = append(report.Batches, BatchSummary{
				ID:        rec.Batch.ID,
				Operation: rec.Batch.Operation,
				Kind:      rec.Batch.Kind,
				Size:      rec.Batch.Size,
				Succeeded: rec.Result.Succeeded,
				Failed:    rec.Result.Failed,
				Outcome:   rec.Result.Outcome(),
				Duration:  rec.Result.Duration,
			})
		case EventError:
			report.Errors = append(report.Errors, ErrorSummary{
				Timestamp: rec.Timestamp,
				Message:   rec.Message,
				Context:   copyMap(rec.Context),
			})
		case EventPerformance:
			if report.Performance == nil {
				report.Performance = make(map[string]time.Duration)
			}
			report.Performance[rec.Message] += rec.Duration
		}
	}

	if counters.TotalOperations > 0 {
		report.SuccessRate = float64(counters.Succeeded) / float64(counters.TotalOperations) * 100.0
	}
	return report
}

// LoadReport returns the persisted report for a session. When no report was
// written (the process died mid-session) it is rebuilt from the records.
func LoadReport(ctx context.Context, kv kvstore.Store, sessionID string) (SessionReport, error) {
	var report SessionReport
	err := kvstore.GetJSON(ctx, kv, reportPrefix+sessionID, &report)
	if err == nil {
		return report, nil
	}
	if !errors.Is(err, kvstore.ErrNotFound) {
		return report, err
	}

	var session Session
	if err := kvstore.GetJSON(ctx, kv, indexPrefix+sessionID, &session); err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return report, ErrSessionNotFound
		}
		return report, err
	}
	records, err := LoadRecords(ctx, kv, sessionID)
	if err != nil {
		return report, err
	}

	var counters Counters
	for _, rec := range records {
		switch rec.Type {
		case EventBatchComplete:
			if rec.Result != nil {
				counters.addBatch(*rec.Result)
			}
		case EventError:
			counters.Errors++
		}
	}
	return buildReport(session, records, counters, time.Now().UTC()), nil
}

// LoadRecords reads a session's records in sequence order. This scans the
// session's key range.
func LoadRecords(ctx context.Context, kv kvstore.Store, sessionID string) ([]Record, error) {
	keys, err := kv.Keys(ctx, recordPrefix+sessionID+":")
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(keys))
	for _, k := range keys {
		var rec Record
		if err := kvstore.GetJSON(ctx, kv, k, &rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })
	return records, nil
}

// Sessions lists every indexed session, newest first. This scans the whole
// index namespace.
func Sessions(ctx context.Context, kv kvstore.Store) ([]Session, error) {
	keys, err := kv.Keys(ctx, indexPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(keys))
	for _, k := range keys {
		var s Session
		if err := kvstore.GetJSON(ctx, kv, k, &s); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("component", "audit").
				Str("session_id", strings.TrimPrefix(k, indexPrefix)).Msg("Skipping unreadable session index")
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// ActiveSessions returns sessions still marked active and started within
// AbandonedAfter of now. It detects overlapping passes but cannot prevent
// them.
func ActiveSessions(ctx context.Context, kv kvstore.Store, now time.Time) ([]Session, error) {
	all, err := Sessions(ctx, kv)
	if err != nil {
		return nil, err
	}
	var active []Session
	for _, s := range all {
		if s.Active && now.Sub(s.StartedAt) < AbandonedAfter {
			active = append(active, s)
		}
	}
	return active, nil
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
