// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tomtom215/shelfsync/internal/metrics"
)

// Scheduler is the only suspension primitive used by the sync core. Pacing
// and backoff both reduce to WaitUntil, so call sites never sleep directly.
type Scheduler interface {
	Now() time.Time
	WaitUntil(ctx context.Context, t time.Time) error
}

// RealScheduler blocks on wall-clock timers.
type RealScheduler struct{}

func (RealScheduler) Now() time.Time { return time.Now() }

func (RealScheduler) WaitUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ManualScheduler is a virtual clock: WaitUntil advances time instantly and
// records the requested wait. Used by tests and by dry runs.
type ManualScheduler struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

// NewManualScheduler starts the virtual clock at start.
func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{now: start}
}

func (m *ManualScheduler) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *ManualScheduler) WaitUntil(ctx context.Context, t time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if d := t.Sub(m.now); d > 0 {
		m.waits = append(m.waits, d)
		m.now = t
	}
	return nil
}

// Advance moves the clock forward without recording a wait.
func (m *ManualScheduler) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Waits returns every non-zero wait requested so far.
func (m *ManualScheduler) Waits() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.waits))
	copy(out, m.waits)
	return out
}

// Pacer enforces a minimum interval between requests. The token bucket has
// a burst of one, so the first request goes out immediately.
type Pacer struct {
	limiter  *rate.Limiter
	sched    Scheduler
	interval time.Duration
}

// NewPacer returns a pacer allowing one request per interval. A zero
// interval disables pacing.
func NewPacer(interval time.Duration, sched Scheduler) *Pacer {
	if sched == nil {
		sched = RealScheduler{}
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Pacer{limiter: rate.NewLimiter(limit, 1), sched: sched, interval: interval}
}

// Wait blocks until the next request may be sent.
func (p *Pacer) Wait(ctx context.Context) error {
	now := p.sched.Now()
	r := p.limiter.ReserveN(now, 1)
	if !r.OK() {
		return errors.New("pacer: reservation exceeds limiter burst")
	}
	delay := r.DelayFrom(now)
	metrics.GatewayPaceWait.Observe(delay.Seconds())
	if delay <= 0 {
		return nil
	}
	if err := p.sched.WaitUntil(ctx, now.Add(delay)); err != nil {
		r.CancelAt(now)
		return err
	}
	return nil
}

// Scheduler returns the scheduler the pacer waits on.
func (p *Pacer) Scheduler() Scheduler { return p.sched }
