// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

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

// DefaultConfigPaths lists the paths searched for a config file, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/ledgerlink/config.yaml",
	"/etc/ledgerlink/config.yml",
}

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns the built-in defaults. File and env layers override them.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      150 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			RateLimitRequests: 60,
			RateLimitWindow:   time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Circuit: CircuitConfig{
			TimeoutMS:         5000,
			ErrorThresholdPct: 50,
			ResetTimeoutMS:    30000,
			VolumeThreshold:   5,
			RollingWindowMS:   60000,
		},
		Sync: SyncConfig{
			OverlapHours:      24,
			InitialWindowDays: 90,
			BudgetMS:          120000,
			SchedulerEnabled:  true,
			Interval:          time.Hour,
			MaxConcurrent:     4,
		},
		PendingSync: PendingSyncConfig{
			MaxAttempts:    3,
			RetentionDays:  30,
			BatchSize:      50,
			DrainInterval:  time.Minute,
			SweepInterval:  6 * time.Hour,
			LeaseTimeout:   10 * time.Minute,
			RetryBaseDelay: 30 * time.Second,
		},
		Token: TokenConfig{
			RefreshSkewMS: 300000,
		},
		Storage: StorageConfig{
			Backend:          BackendBadger,
			BadgerPath:       "/data/ledgerlink",
			BadgerSyncWrites: true,
			PostgresMaxConns: 10,
			AutoMigrate:      true,
		},
		Redis: RedisConfig{
			Addr:    "127.0.0.1:6379",
			LockTTL: 3 * time.Minute,
		},
		Provider: ProviderConfig{
			Name:        "openbanking-api",
			RateLimit:   5,
			RateBurst:   10,
			HTTPTimeout: 30 * time.Second,
		},
	}
}

// LoadWithKoanf loads configuration in three layers: defaults, then an optional
// YAML file, then mapped environment variables. The result is validated.
func LoadWithKoanf() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
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
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envMappings maps recognized environment variable names (lowercased) to koanf
// paths. Anything not listed is ignored.
var envMappings = map[string]string{
	"http_host":           "server.host",
	"http_port":           "server.port",
	"http_read_timeout":   "server.read_timeout",
	"http_write_timeout":  "server.write_timeout",
	"shutdown_timeout":    "server.shutdown_timeout",
	"rate_limit_requests": "server.rate_limit_requests",
	"rate_limit_window":   "server.rate_limit_window",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",

	"circuit_timeout_ms":          "circuit.timeout_ms",
	"circuit_error_threshold_pct": "circuit.error_threshold_pct",
	"circuit_reset_timeout_ms":    "circuit.reset_timeout_ms",
	"circuit_volume_threshold":    "circuit.volume_threshold",
	"circuit_rolling_window_ms":   "circuit.rolling_window_ms",

	"sync_overlap_hours":       "sync.overlap_hours",
	"sync_initial_window_days": "sync.initial_window_days",
	"sync_budget_ms":           "sync.budget_ms",
	"sync_scheduler_enabled":   "sync.scheduler_enabled",
	"sync_interval":            "sync.interval",
	"sync_max_concurrent":      "sync.max_concurrent",

	"pending_sync_max_attempts":     "pending_sync.max_attempts",
	"pending_sync_retention_days":   "pending_sync.retention_days",
	"pending_sync_batch_size":       "pending_sync.batch_size",
	"pending_sync_drain_interval":   "pending_sync.drain_interval",
	"pending_sync_sweep_interval":   "pending_sync.sweep_interval",
	"pending_sync_lease_timeout":    "pending_sync.lease_timeout",
	"pending_sync_retry_base_delay": "pending_sync.retry_base_delay",

	"token_refresh_skew_ms": "token.refresh_skew_ms",
	"token_encryption_key":  "token.encryption_key",

	"storage_backend":      "storage.backend",
	"badger_path":          "storage.badger_path",
	"badger_sync_writes":   "storage.badger_sync_writes",
	"postgres_dsn":         "storage.postgres_dsn",
	"postgres_max_conns":   "storage.postgres_max_conns",
	"storage_auto_migrate": "storage.auto_migrate",

	"redis_enabled":  "redis.enabled",
	"redis_addr":     "redis.addr",
	"redis_password": "redis.password",
	"redis_db":       "redis.db",
	"redis_lock_ttl": "redis.lock_ttl",

	"provider_name":          "provider.name",
	"provider_base_url":      "provider.base_url",
	"provider_token_url":     "provider.token_url",
	"provider_client_id":     "provider.client_id",
	"provider_client_secret": "provider.client_secret",
	"provider_rate_limit":    "provider.rate_limit",
	"provider_rate_burst":    "provider.rate_burst",
	"provider_http_timeout":  "provider.http_timeout",
}

// envTransformFunc maps an environment variable name to its koanf path, or ""
// to skip it.
func envTransformFunc(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
