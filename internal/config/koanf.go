// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths are searched in order when no explicit path is given.
var DefaultConfigPaths = []string{
	"shelfsync.yaml",
	"shelfsync.yml",
	"/etc/shelfsync/config.yaml",
}

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

func defaultConfig() *Config {
	return &Config{
		Remote: RemoteConfig{
			TokenHeader: "X-Access-Token",
			Timeout:     30 * time.Second,
			MinInterval: 500 * time.Millisecond,
		},
		Fetch: FetchConfig{
			PageSize:      250,
			MaxPageSize:   250,
			SafetyCeiling: 10000,
			ProgressEvery: 1,
		},
		Retry: RetryConfig{
			MaxAttempts: 5,
			BaseDelay:   time.Second,
			MaxDelay:    time.Minute,
			StaleAfter:  24 * time.Hour,
		},
		Cache: CacheConfig{
			TTL:                  30 * time.Minute,
			MaxEntries:           500,
			CompressionThreshold: 1000,
			SweepInterval:        time.Hour,
		},
		Store: StoreConfig{
			KVPath: "./data/kv",
			DBPath: "./data/shelfsync.duckdb",
		},
		Breaker: BreakerConfig{
			Enabled:     true,
			MinRequests: 10,
			FailureRate: 0.6,
			OpenTimeout: 2 * time.Minute,
		},
		Sync: SyncConfig{
			Kinds:          []string{"product", "variant", "customer"},
			ApplyBatchSize: 100,
		},
		Server: ServerConfig{
			Addr:            ":8088",
			SyncInterval:    15 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
			RateLimitPerMin: 120,
		},
		Events: EventsConfig{
			Subject: "shelfsync.progress",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Default returns the built-in configuration without consulting files or
// the environment.
func Default() *Config {
	return defaultConfig()
}

// Load resolves configuration. An empty path falls back to CONFIG_PATH and
// then DefaultConfigPaths; a missing file is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var sliceConfigPaths = []string{
	"sync.kinds",
	"server.cors_origins",
}

// processSliceFields splits comma-separated env values for slice fields.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		var parts []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

var envMappings = map[string]string{
	"shelfsync_base_url":       "remote.base_url",
	"shelfsync_token":          "remote.token",
	"shelfsync_token_header":   "remote.token_header",
	"shelfsync_timeout":        "remote.timeout",
	"shelfsync_min_interval":   "remote.min_interval",
	"shelfsync_page_size":      "fetch.page_size",
	"shelfsync_safety_ceiling": "fetch.safety_ceiling",
	"shelfsync_max_retries":    "retry.max_attempts",
	"shelfsync_base_delay":     "retry.base_delay",
	"shelfsync_max_delay":      "retry.max_delay",
	"shelfsync_cache_ttl":      "cache.ttl",
	"shelfsync_cache_entries":  "cache.max_entries",
	"shelfsync_compress_over":  "cache.compression_threshold",
	"shelfsync_sweep_interval": "cache.sweep_interval",
	"shelfsync_kv_path":        "store.kv_path",
	"shelfsync_db_path":        "store.db_path",
	"shelfsync_breaker":        "breaker.enabled",
	"shelfsync_kinds":          "sync.kinds",
	"shelfsync_batch_size":     "sync.apply_batch_size",
	"shelfsync_addr":           "server.addr",
	"shelfsync_sync_interval":  "server.sync_interval",
	"shelfsync_cors_origins":   "server.cors_origins",
	"shelfsync_nats_url":       "events.nats_url",
	"log_level":                "logging.level",
	"log_format":               "logging.format",
	"log_caller":               "logging.caller",
}

// envTransformFunc maps environment variable names to koanf paths, e.g.
// SHELFSYNC_PAGE_SIZE -> fetch.page_size. Unmapped variables are dropped.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
