// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/tomtom215/shelfsync/internal/audit"
	"github.com/tomtom215/shelfsync/internal/changes"
	"github.com/tomtom215/shelfsync/internal/fetch"
	"github.com/tomtom215/shelfsync/internal/syncer"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "shelfsync",
		Short: "Incremental e-commerce catalog synchronization",
		Long: `Shelfsync fetches remote catalog collections, detects which records
changed since the last pass and applies only that delta to a local store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default: CONFIG_PATH or ./shelfsync.yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level")

	root.AddCommand(
		newSyncCmd(opts),
		newExportCmd(opts),
		newServeCmd(opts),
		newCacheCmd(opts),
		newReportCmd(opts),
		newRetryCmd(opts),
	)
	return root
}

// parseKind validates a record kind argument.
func parseKind(arg string) (changes.Kind, error) {
	kind := changes.Kind(strings.ToLower(strings.TrimSpace(arg)))
	if _, ok := changes.SchemaFor(kind); !ok {
		return "", fmt.Errorf("unknown kind %q (want product, variant or customer)", arg)
	}
	return kind, nil
}

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// withState runs fn against the durable state layer only.
func withState(opts *rootOptions, fn func(cmd *cobra.Command, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(opts.configPath, opts.logLevel)
		if err != nil {
			return err
		}
		a, err := openState(cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a)
	}
}

func newSyncCmd(opts *rootOptions) *cobra.Command {
	var (
		force   bool
		dryRun  bool
		filters map[string]string
	)
	cmd := &cobra.Command{
		Use:   "sync <kind>",
		Short: "Run one incremental sync pass for a record kind",
		Example: `  shelfsync sync product
  shelfsync sync customer --force
  shelfsync sync product --filter status=active --dry-run`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig(opts.configPath, opts.logLevel)
			if err != nil {
				return err
			}
			a, err := openFull(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.syncer.Pass(cmd.Context(), kind, fetch.Filters(filters), syncer.Options{
				ForceRefresh: force,
				DryRun:       dryRun,
			})
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("sync %s failed: %s", kind, strings.Join(res.Errors, "; "))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "bypass the collection cache")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute the change set without applying it")
	cmd.Flags().StringToStringVar(&filters, "filter", nil, "remote collection filter key=value (repeatable)")
	return cmd
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export <kind>",
		Short: "Push locally edited records to the remote API",
		Long: `Export sends every dirty local record of a kind to the remote API.
Operations left pending by an earlier run are resumed first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig(opts.configPath, opts.logLevel)
			if err != nil {
				return err
			}
			a, err := openFull(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.exporter.Export(cmd.Context(), kind)
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("export %s failed: %d operations", kind, res.Failed)
			}
			return nil
		},
	}
}

func newCacheCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or maintain the durable cache",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show cache statistics and durable entry count",
			Args:  cobra.NoArgs,
			RunE: withState(opts, func(cmd *cobra.Command, a *app) error {
				keys, err := a.kv.Keys(cmd.Context(), "cache:")
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"durable_entries": len(keys),
					"stats":           a.cache.GetStats(),
				})
			}),
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove every cached entry from both tiers",
			Args:  cobra.NoArgs,
			RunE: withState(opts, func(cmd *cobra.Command, a *app) error {
				if err := a.cache.ClearAll(cmd.Context()); err != nil {
					return err
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "cache cleared")
				return err
			}),
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Delete expired durable entries",
			Args:  cobra.NoArgs,
			RunE: withState(opts, func(cmd *cobra.Command, a *app) error {
				n, err := a.cache.SweepDurable(cmd.Context())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired entries\n", n)
				return err
			}),
		},
	)
	return cmd
}

func newReportCmd(opts *rootOptions) *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "report [session-id]",
		Short: "Print the audit report of a sync or export session",
		Example: `  shelfsync report --list
  shelfsync report 4b7c0f1e-...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !list && len(args) == 0 {
				return fmt.Errorf("a session id or --list is required")
			}
			cfg, err := loadConfig(opts.configPath, opts.logLevel)
			if err != nil {
				return err
			}
			a, err := openState(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if list {
				sessions, err := audit.Sessions(cmd.Context(), a.kv)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sessions)
			}
			report, err := audit.LoadReport(cmd.Context(), a.kv, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "list known sessions, newest first")
	return cmd
}

func newRetryCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Inspect persisted retry state",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List pending operations and count stale or corrupt ones",
			Args:  cobra.NoArgs,
			RunE: withState(opts, func(cmd *cobra.Command, a *app) error {
				sum, err := a.states.List(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sum)
			}),
		},
		&cobra.Command{
			Use:   "cleanup",
			Short: "Delete stale and unreadable retry state",
			Args:  cobra.NoArgs,
			RunE: withState(opts, func(cmd *cobra.Command, a *app) error {
				n, err := a.states.Cleanup(cmd.Context())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d retry states\n", n)
				return err
			}),
		},
	)
	return cmd
}
