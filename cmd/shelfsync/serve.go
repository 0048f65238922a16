// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomtom215/shelfsync/internal/api"
	"github.com/tomtom215/shelfsync/internal/changes"
	"github.com/tomtom215/shelfsync/internal/logging"
	"github.com/tomtom215/shelfsync/internal/supervisor"
	"github.com/tomtom215/shelfsync/internal/supervisor/services"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run periodic sync passes and the HTTP API",
		Long: `Serve runs a sync pass for every configured kind on server.sync_interval,
sweeps the durable cache on cache.sweep_interval and exposes the HTTP API
on server.addr until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath, opts.logLevel)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			a, err := openFull(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override server.addr")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: a.shutdownTimeout(),
	})

	kinds := make([]changes.Kind, 0, len(cfg.Sync.Kinds))
	for _, k := range cfg.Sync.Kinds {
		kinds = append(kinds, changes.Kind(k))
	}
	if cfg.Server.SyncInterval > 0 {
		tree.AddSyncService(services.NewSyncService(a.syncer, a.exporter, kinds, cfg.Server.SyncInterval))
	}

	tree.AddMaintenanceService(services.NewPeriodicService("cache-sweep", cfg.Cache.SweepInterval,
		func(ctx context.Context) error {
			_, err := a.cache.SweepDurable(ctx)
			return err
		}))
	tree.AddMaintenanceService(services.NewPeriodicService("retry-cleanup", cfg.Retry.StaleAfter/4,
		func(ctx context.Context) error {
			_, err := a.states.Cleanup(ctx)
			return err
		}))

	mw := api.DefaultMiddlewareConfig()
	mw.CORSAllowedOrigins = cfg.Server.CORSOrigins
	mw.RateLimitRequests = cfg.Server.RateLimitPerMin
	router := api.NewRouter(api.Deps{
		Syncer:   a.syncer,
		Exporter: a.exporter,
		Cache:    a.cache,
		KV:       a.kv,
		Retry:    a.states,
		Progress: a.bus,
	}, mw)
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	tree.AddAPIService(services.NewHTTPService(server, a.shutdownTimeout()))

	logging.Info().
		Str("addr", cfg.Server.Addr).
		Dur("sync_interval", cfg.Server.SyncInterval).
		Strs("kinds", cfg.Sync.Kinds).
		Msg("Serving")

	err := tree.Serve(ctx)
	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		logging.Warn().Int("count", len(report)).Msg("Services did not stop before the shutdown timeout")
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
