// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Fetch.PageSize != 250 || cfg.Fetch.SafetyCeiling != 10000 {
		t.Errorf("unexpected fetch defaults: %+v", cfg.Fetch)
	}
	if cfg.Cache.CompressionThreshold != 1000 {
		t.Errorf("compression threshold = %d, want 1000", cfg.Cache.CompressionThreshold)
	}
	if cfg.Retry.StaleAfter != 24*time.Hour {
		t.Errorf("stale horizon = %v, want 24h", cfg.Retry.StaleAfter)
	}
}

func TestLoadLayersFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shelfsync.yaml")
	yamlDoc := `
remote:
  base_url: https://shop.example.com/admin/api
  min_interval: 250ms
fetch:
  page_size: 100
cache:
  ttl: 5m
sync:
  kinds: [product]
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("SHELFSYNC_MAX_RETRIES", "7")
	t.Setenv("SHELFSYNC_PAGE_SIZE", "50")
	t.Setenv("SHELFSYNC_KINDS", "product, customer")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Remote.BaseURL != "https://shop.example.com/admin/api" {
		t.Errorf("base url = %q", cfg.Remote.BaseURL)
	}
	if cfg.Remote.MinInterval != 250*time.Millisecond {
		t.Errorf("min interval = %v", cfg.Remote.MinInterval)
	}
	if cfg.Fetch.PageSize != 50 {
		t.Errorf("env should override file: page size = %d", cfg.Fetch.PageSize)
	}
	if cfg.Retry.MaxAttempts != 7 {
		t.Errorf("max attempts = %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Cache.TTL != 5*time.Minute {
		t.Errorf("cache ttl = %v", cfg.Cache.TTL)
	}
	if len(cfg.Sync.Kinds) != 2 || cfg.Sync.Kinds[1] != "customer" {
		t.Errorf("kinds = %v", cfg.Sync.Kinds)
	}
	// untouched defaults survive
	if cfg.Fetch.SafetyCeiling != 10000 {
		t.Errorf("safety ceiling = %d", cfg.Fetch.SafetyCeiling)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"page size over max", func(c *Config) { c.Fetch.PageSize = 500 }, "fetch.page_size"},
		{"base over max delay", func(c *Config) { c.Retry.BaseDelay = 2 * time.Minute }, "retry.base_delay"},
		{"unknown kind", func(c *Config) { c.Sync.Kinds = []string{"order"} }, ""},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, ""},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			var cerr *ConfigError
			if !errors.As(err, &cerr) {
				t.Fatalf("expected *ConfigError, got %v", err)
			}
			if tt.field != "" && cerr.Field != tt.field {
				t.Errorf("field = %q, want %q", cerr.Field, tt.field)
			}
		})
	}
}

func TestRequireRemote(t *testing.T) {
	cfg := Default()
	if err := cfg.RequireRemote(); err == nil {
		t.Fatal("expected error without base url")
	}
	cfg.Remote.BaseURL = "https://shop.example.com"
	cfg.Remote.Token = "secret"
	if err := cfg.RequireRemote(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEnvTransformDropsUnknown(t *testing.T) {
	if got := envTransformFunc("PATH"); got != "" {
		t.Errorf("PATH mapped to %q", got)
	}
	if got := envTransformFunc("SHELFSYNC_DB_PATH"); got != "store.db_path" {
		t.Errorf("SHELFSYNC_DB_PATH mapped to %q", got)
	}
}
