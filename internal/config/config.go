// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

// Package config loads Shelfsync configuration from built-in defaults, an
// optional YAML file and environment variables, in that order of precedence.
package config

import "time"

// Config is the root configuration.
type Config struct {
	Remote  RemoteConfig  `koanf:"remote"`
	Fetch   FetchConfig   `koanf:"fetch"`
	Retry   RetryConfig   `koanf:"retry"`
	Cache   CacheConfig   `koanf:"cache"`
	Store   StoreConfig   `koanf:"store"`
	Breaker BreakerConfig `koanf:"breaker"`
	Sync    SyncConfig    `koanf:"sync"`
	Server  ServerConfig  `koanf:"server"`
	Events  EventsConfig  `koanf:"events"`
	Logging LoggingConfig `koanf:"logging"`
}

// RemoteConfig describes the remote catalog API.
type RemoteConfig struct {
	BaseURL     string        `koanf:"base_url" validate:"omitempty,url"`
	Token       string        `koanf:"token"`
	TokenHeader string        `koanf:"token_header" validate:"required"`
	Timeout     time.Duration `koanf:"timeout" validate:"gt=0"`

	// MinInterval is the minimum delay between two requests.
	MinInterval time.Duration `koanf:"min_interval" validate:"gte=0"`
}

// FetchConfig bounds paginated collection retrieval.
type FetchConfig struct {
	PageSize      int `koanf:"page_size" validate:"gt=0"`
	MaxPageSize   int `koanf:"max_page_size" validate:"gt=0"`
	SafetyCeiling int `koanf:"safety_ceiling" validate:"gt=0"`
	ProgressEvery int `koanf:"progress_every" validate:"gt=0"`
}

// RetryConfig controls the retry/backoff controller.
type RetryConfig struct {
	MaxAttempts int           `koanf:"max_attempts" validate:"gt=0"`
	BaseDelay   time.Duration `koanf:"base_delay" validate:"gt=0"`
	MaxDelay    time.Duration `koanf:"max_delay" validate:"gt=0"`
	StaleAfter  time.Duration `koanf:"stale_after" validate:"gt=0"`
}

// CacheConfig controls both cache tiers.
type CacheConfig struct {
	TTL                  time.Duration `koanf:"ttl" validate:"gt=0"`
	MaxEntries           int           `koanf:"max_entries" validate:"gt=0"`
	CompressionThreshold int           `koanf:"compression_threshold" validate:"gte=0"`
	SweepInterval        time.Duration `koanf:"sweep_interval" validate:"gte=0"`
}

// StoreConfig locates durable state. Empty paths select in-memory stores.
type StoreConfig struct {
	KVPath string `koanf:"kv_path"`
	DBPath string `koanf:"db_path"`
}

// BreakerConfig controls the circuit breaker around the gateway.
type BreakerConfig struct {
	Enabled     bool          `koanf:"enabled"`
	MinRequests uint32        `koanf:"min_requests"`
	FailureRate float64       `koanf:"failure_rate" validate:"gte=0,lte=1"`
	OpenTimeout time.Duration `koanf:"open_timeout" validate:"gte=0"`
}

// SyncConfig controls sync passes and exports.
type SyncConfig struct {
	Kinds          []string `koanf:"kinds" validate:"dive,oneof=product variant customer"`
	ApplyBatchSize int      `koanf:"apply_batch_size" validate:"gt=0"`
}

// ServerConfig controls serve mode.
type ServerConfig struct {
	Addr            string        `koanf:"addr" validate:"required"`
	SyncInterval    time.Duration `koanf:"sync_interval" validate:"gte=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitPerMin int           `koanf:"rate_limit_per_min" validate:"gte=0"`
}

// EventsConfig controls where progress events are published.
type EventsConfig struct {
	NATSURL string `koanf:"nats_url" validate:"omitempty,url"`
	Subject string `koanf:"subject" validate:"required"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}
