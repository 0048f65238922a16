// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

package audit

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/tomtom215/shelfsync/internal/kvstore"
)

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestLog(kv kvstore.Store) *Log {
	l := NewLog(kv)
	clk := &stepClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l.SetClock(clk.now)
	return l
}

func sampleBatch(l *Log, t *testing.T, id string, fail int) {
	t.Helper()
	ctx := context.Background()
	info := BatchInfo{ID: id, Operation: "upsert", Kind: "product", Size: 3}
	if err := l.LogBatchStart(ctx, info); err != nil {
		t.Fatalf("LogBatchStart() error = %v", err)
	}
	var res BatchResult
	for i := 0; i < 3; i++ {
		var err error
		if i < fail {
			err = errors.New("row rejected")
		}
		res.Add(id+"-item", err, 1, 10*time.Millisecond)
	}
	res.Duration = 30 * time.Millisecond
	if err := l.LogBatchComplete(ctx, info, res); err != nil {
		t.Fatalf("LogBatchComplete() error = %v", err)
	}
}

func TestLoggingRequiresSession(t *testing.T) {
	l := newTestLog(nil)
	ctx := context.Background()

	if err := l.LogBatchStart(ctx, BatchInfo{}); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("LogBatchStart() error = %v, want ErrNoActiveSession", err)
	}
	if err := l.LogError(ctx, errors.New("x"), nil); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("LogError() error = %v, want ErrNoActiveSession", err)
	}
	if _, err := l.GenerateReport(ctx); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("GenerateReport() error = %v, want ErrNoActiveSession", err)
	}
}

func TestStartSessionTwice(t *testing.T) {
	l := newTestLog(nil)
	ctx := context.Background()
	if _, err := l.StartSession(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := l.StartSession(ctx, nil); !errors.Is(err, ErrSessionActive) {
		t.Errorf("second StartSession() error = %v, want ErrSessionActive", err)
	}
	if _, err := l.EndSession(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := l.StartSession(ctx, nil); err != nil {
		t.Errorf("StartSession() after end error = %v", err)
	}
}

func TestBatchResultOutcome(t *testing.T) {
	tests := []struct {
		name     string
		ok, fail int
		want     Outcome
	}{
		{"all ok", 3, 0, OutcomeSuccess},
		{"empty", 0, 0, OutcomeSuccess},
		{"partial", 2, 1, OutcomePartial},
		{"all failed", 0, 2, OutcomeFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r BatchResult
			for i := 0; i < tt.ok; i++ {
				r.Add("ok", nil, 1, 0)
			}
			for i := 0; i < tt.fail; i++ {
				r.Add("bad", errors.New("boom"), 2, 0)
			}
			if got := r.Outcome(); got != tt.want {
				t.Errorf("Outcome() = %s, want %s", got, tt.want)
			}
			if len(r.Items) != tt.ok+tt.fail {
				t.Errorf("Items = %d, want %d", len(r.Items), tt.ok+tt.fail)
			}
		})
	}
}

func TestCountersAreIncremental(t *testing.T) {
	l := newTestLog(kvstore.NewMemoryStore())
	ctx := context.Background()
	if _, err := l.StartSession(ctx, map[string]string{"kind": "product"}); err != nil {
		t.Fatal(err)
	}

	sampleBatch(l, t, "b1", 0)
	sampleBatch(l, t, "b2", 1)
	_ = l.LogError(ctx, errors.New("remote said no"), map[string]string{"cursor": "abc"})
	_ = l.LogPerformance(ctx, "fetch", 2*time.Second, nil)

	r, err := l.GenerateReport(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := Counters{
		Batches:         2,
		TotalOperations: 6,
		Succeeded:       5,
		Failed:          1,
		Errors:          1,
		TotalDuration:   60 * time.Millisecond,
		AverageDuration: 30 * time.Millisecond,
	}
	if r.Counters != want {
		t.Errorf("Counters = %+v, want %+v", r.Counters, want)
	}
	if len(r.Batches) != 2 || r.Batches[1].Outcome != OutcomePartial {
		t.Errorf("Batches = %+v", r.Batches)
	}
	if len(r.Errors) != 1 || r.Errors[0].Context["cursor"] != "abc" {
		t.Errorf("Errors = %+v", r.Errors)
	}
	if r.EventCounts[EventBatchStart] != 2 || r.EventCounts[EventSessionStart] != 1 {
		t.Errorf("EventCounts = %v", r.EventCounts)
	}
	if r.Performance["fetch"] != 2*time.Second {
		t.Errorf("Performance = %v", r.Performance)
	}
	if r.SuccessRate < 83.3 || r.SuccessRate > 83.4 {
		t.Errorf("SuccessRate = %v", r.SuccessRate)
	}
}

func TestGenerateReportIsIdempotent(t *testing.T) {
	l := newTestLog(kvstore.NewMemoryStore())
	ctx := context.Background()
	_, _ = l.StartSession(ctx, nil)
	sampleBatch(l, t, "b1", 1)

	a, err := l.GenerateReport(ctx)
	if err != nil {
		t.Fatal(err)
	}
	b, err := l.GenerateReport(ctx)
	if err != nil {
		t.Fatal(err)
	}
	a.GeneratedAt, b.GeneratedAt = time.Time{}, time.Time{}
	if !reflect.DeepEqual(a, b) {
		t.Errorf("reports differ:\n%+v\n%+v", a, b)
	}
}

func TestRecordsAreMirroredDurably(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	l := newTestLog(kv)
	ctx := context.Background()

	s, _ := l.StartSession(ctx, nil)
	sampleBatch(l, t, "b1", 0)

	keys, err := kv.Keys(ctx, recordPrefix+s.ID+":")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 3 {
		t.Fatalf("persisted %d records, want 3", len(keys))
	}
	if !strings.HasSuffix(keys[0], ":000000") || !strings.HasSuffix(keys[2], ":000002") {
		t.Errorf("record keys = %v", keys)
	}

	records, err := LoadRecords(ctx, kv, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if records[2].Type != EventBatchComplete || records[2].Result.Succeeded != 3 {
		t.Errorf("records[2] = %+v", records[2])
	}
}

func TestLoadReportRebuildsFromRecords(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	l := newTestLog(kv)
	ctx := context.Background()

	s, _ := l.StartSession(ctx, nil)
	sampleBatch(l, t, "b1", 1)
	_ = l.LogError(ctx, errors.New("lost"), nil)

	// No report persisted yet: rebuilt from the log.
	r, err := LoadReport(ctx, kv, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if r.Counters.Failed != 1 || r.Counters.Errors != 1 || !r.Session.Active {
		t.Errorf("rebuilt report = %+v", r)
	}

	final, err := l.EndSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	stored, err := LoadReport(ctx, kv, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Session.Active || stored.Session.EndedAt == nil {
		t.Errorf("stored session = %+v", stored.Session)
	}
	if stored.Counters != final.Counters {
		t.Errorf("stored counters %+v, want %+v", stored.Counters, final.Counters)
	}

	if _, err := LoadReport(ctx, kv, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("LoadReport(missing) error = %v", err)
	}
}

func TestActiveSessions(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	ctx := context.Background()

	running := newTestLog(kv)
	r, _ := running.StartSession(ctx, nil)

	finished := newTestLog(kv)
	_, _ = finished.StartSession(ctx, nil)
	_, _ = finished.EndSession(ctx)

	now := r.StartedAt.Add(time.Minute)
	active, err := ActiveSessions(ctx, kv, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].ID != r.ID {
		t.Errorf("ActiveSessions() = %+v, want only %s", active, r.ID)
	}

	active, _ = ActiveSessions(ctx, kv, now.Add(AbandonedAfter))
	if len(active) != 0 {
		t.Errorf("abandoned session still reported active: %+v", active)
	}

	all, _ := Sessions(ctx, kv)
	if len(all) != 2 {
		t.Errorf("Sessions() = %d, want 2", len(all))
	}
}
