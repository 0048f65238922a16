// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

package services

import (
	"context"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/shelfsync/internal/changes"
	"github.com/tomtom215/shelfsync/internal/fetch"
	"github.com/tomtom215/shelfsync/internal/logging"
	"github.com/tomtom215/shelfsync/internal/syncer"
)

// Passer runs one sync pass. *syncer.Syncer implements it.
type Passer interface {
	Pass(ctx context.Context, kind changes.Kind, filters fetch.Filters, opts syncer.Options) syncer.Result
}

// Exporter pushes local edits. *syncer.Exporter implements it.
type Exporter interface {
	Export(ctx context.Context, kind changes.Kind) syncer.ExportResult
}

// SyncService runs a pass for every configured kind on a fixed interval,
// followed by an export when an Exporter is set. The first cycle starts
// immediately.
type SyncService struct {
	passer   Passer
	exporter Exporter
	kinds    []changes.Kind
	interval time.Duration

	mu      sync.Mutex
	lastRun time.Time
	cycles  int
}

// NewSyncService creates the service. exporter may be nil. With a
// non-positive interval a single cycle runs and the service is not
// restarted.
func NewSyncService(passer Passer, exporter Exporter, kinds []changes.Kind, interval time.Duration) *SyncService {
	return &SyncService{passer: passer, exporter: exporter, kinds: kinds, interval: interval}
}

// Serve implements suture.Service.
func (s *SyncService) Serve(ctx context.Context) error {
	s.cycle(ctx)
	if s.interval <= 0 {
		return suture.ErrDoNotRestart
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

func (s *SyncService) cycle(ctx context.Context) {
	log := logging.Ctx(ctx).With().Str("component", "sync-service").Logger()
	for _, kind := range s.kinds {
		if ctx.Err() != nil {
			return
		}
		res := s.passer.Pass(ctx, kind, nil, syncer.Options{})
		if !res.Success {
			log.Warn().Str("kind", string(kind)).Strs("errors", res.Errors).Msg("Scheduled sync pass failed")
		}
		if s.exporter == nil {
			continue
		}
		exp := s.exporter.Export(ctx, kind)
		if !exp.Success {
			log.Warn().Str("kind", string(kind)).Strs("errors", exp.Errors).Msg("Scheduled export failed")
		}
	}

	s.mu.Lock()
	s.lastRun = time.Now()
	s.cycles++
	s.mu.Unlock()
}

// LastRun returns when the last full cycle finished.
func (s *SyncService) LastRun() (time.Time, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.cycles
}

func (s *SyncService) String() string { return "sync-scheduler" }

// PeriodicService runs task every interval until canceled. Task errors are
// logged and do not stop the loop.
type PeriodicService struct {
	name     string
	interval time.Duration
	task     func(ctx context.Context) error
}

// NewPeriodicService creates a PeriodicService. The first run happens after
// one interval.
func NewPeriodicService(name string, interval time.Duration, task func(ctx context.Context) error) *PeriodicService {
	return &PeriodicService{name: name, interval: interval, task: task}
}

// Serve implements suture.Service.
func (p *PeriodicService) Serve(ctx context.Context) error {
	if p.interval <= 0 {
		return suture.ErrDoNotRestart
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.task(ctx); err != nil && ctx.Err() == nil {
				logging.Warn().Err(err).Str("service", p.name).Msg("Periodic task failed")
			}
		}
	}
}

func (p *PeriodicService) String() string { return p.name }
