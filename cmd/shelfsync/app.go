// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/shelfsync/internal/cache"
	"github.com/tomtom215/shelfsync/internal/catalog"
	"github.com/tomtom215/shelfsync/internal/config"
	"github.com/tomtom215/shelfsync/internal/events"
	"github.com/tomtom215/shelfsync/internal/fetch"
	"github.com/tomtom215/shelfsync/internal/gateway"
	"github.com/tomtom215/shelfsync/internal/kvstore"
	"github.com/tomtom215/shelfsync/internal/logging"
	"github.com/tomtom215/shelfsync/internal/retry"
	"github.com/tomtom215/shelfsync/internal/store"
	"github.com/tomtom215/shelfsync/internal/syncer"
)

// app holds the wired components. Commands that only inspect durable state
// open the state layer; sync commands open everything.
type app struct {
	cfg *config.Config

	kv     kvstore.Store
	cache  *cache.Tiered
	states *retry.StateStore

	store    store.LocalStore
	bus      *events.Bus
	syncer   *syncer.Syncer
	exporter *syncer.Exporter

	closers []func() error
}

func loadConfig(path, level string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if level != "" {
		cfg.Logging.Level = level
	}
	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	return cfg, nil
}

// openState opens the key-value store with the cache and retry state on
// top of it.
func openState(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	kv, err := kvstore.OpenBadger(cfg.Store.KVPath)
	if err != nil {
		return nil, err
	}
	a.kv = kv
	a.closers = append(a.closers, kv.Close)

	c, err := cache.New(cfg.Cache, kv)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("create cache: %w", err)
	}
	a.cache = c
	a.closers = append(a.closers, func() error { c.Close(); return nil })

	a.states = retry.NewStateStore(kv, cfg.Retry.StaleAfter, nil)
	return a, nil
}

// openFull wires the remote gateway, fetch engine, local store and syncer.
func openFull(ctx context.Context, cfg *config.Config) (*app, error) {
	if cfg.Remote.BaseURL == "" {
		return nil, errors.New("remote.base_url is not set (REMOTE_BASE_URL)")
	}
	a, err := openState(cfg)
	if err != nil {
		return nil, err
	}

	gw, err := gateway.New(cfg.Remote, gateway.WithBreaker(cfg.Breaker))
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	sched := gw.Scheduler()
	ctrl := retry.NewController(retry.PolicyFrom(cfg.Retry), sched, a.states)

	bus, err := events.NewBus(cfg.Events)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("create event bus: %w", err)
	}
	a.bus = bus
	a.closers = append(a.closers, bus.Close)

	engine := fetch.NewEngine(gw, ctrl, fetch.OptionsFrom(cfg.Fetch), bus, sched.Now)
	registry := catalog.NewRegistry(engine)

	st, err := store.OpenDuck(ctx, cfg.Store.DBPath)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	a.syncer = syncer.New(syncer.Deps{
		Registry:       registry,
		Cache:          a.cache,
		Store:          st,
		KV:             a.kv,
		ApplyBatchSize: cfg.Sync.ApplyBatchSize,
	})
	a.exporter = syncer.NewExporter(syncer.ExporterDeps{
		Registry:       registry,
		Store:          st,
		Doer:           gw,
		Controller:     ctrl,
		KV:             a.kv,
		ApplyBatchSize: cfg.Sync.ApplyBatchSize,
	})
	return a, nil
}

// Close releases components in reverse opening order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}
