// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

// Package config loads Ledgerlink configuration from defaults, an optional YAML
// file and environment variables, in that order of precedence.
package config

import "time"

// Storage backends.
const (
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Logging     LoggingConfig     `koanf:"logging"`
	Circuit     CircuitConfig     `koanf:"circuit"`
	Sync        SyncConfig        `koanf:"sync"`
	PendingSync PendingSyncConfig `koanf:"pending_sync"`
	Token       TokenConfig       `koanf:"token"`
	Storage     StorageConfig     `koanf:"storage"`
	Redis       RedisConfig       `koanf:"redis"`
	Provider    ProviderConfig    `koanf:"provider"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              int           `koanf:"port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
	RateLimitRequests int           `koanf:"rate_limit_requests"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// CircuitConfig configures every integration breaker. Values are in
// milliseconds to keep the recognized env names unchanged.
type CircuitConfig struct {
	TimeoutMS         int `koanf:"timeout_ms"`
	ErrorThresholdPct int `koanf:"error_threshold_pct"`
	ResetTimeoutMS    int `koanf:"reset_timeout_ms"`
	VolumeThreshold   int `koanf:"volume_threshold"`
	RollingWindowMS   int `koanf:"rolling_window_ms"`
}

// Timeout is the per-call deadline.
func (c CircuitConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// ResetTimeout is how long a breaker stays open before probing.
func (c CircuitConfig) ResetTimeout() time.Duration {
	return time.Duration(c.ResetTimeoutMS) * time.Millisecond
}

// RollingWindow is the statistics window used by the trip condition.
func (c CircuitConfig) RollingWindow() time.Duration {
	return time.Duration(c.RollingWindowMS) * time.Millisecond
}

// SyncConfig controls account synchronization.
type SyncConfig struct {
	OverlapHours      int           `koanf:"overlap_hours"`
	InitialWindowDays int           `koanf:"initial_window_days"`
	BudgetMS          int           `koanf:"budget_ms"`
	SchedulerEnabled  bool          `koanf:"scheduler_enabled"`
	Interval          time.Duration `koanf:"interval"`
	MaxConcurrent     int           `koanf:"max_concurrent"`
}

// Overlap is subtracted from lastSyncedAt when computing the next window.
func (c SyncConfig) Overlap() time.Duration {
	return time.Duration(c.OverlapHours) * time.Hour
}

// InitialWindow is the look-back for an account that never synced.
func (c SyncConfig) InitialWindow() time.Duration {
	return time.Duration(c.InitialWindowDays) * 24 * time.Hour
}

// Budget is the wall-clock limit of one SyncAccount call.
func (c SyncConfig) Budget() time.Duration {
	return time.Duration(c.BudgetMS) * time.Millisecond
}

// PendingSyncConfig controls the retry queue and its background jobs.
type PendingSyncConfig struct {
	MaxAttempts    int           `koanf:"max_attempts"`
	RetentionDays  int           `koanf:"retention_days"`
	BatchSize      int           `koanf:"batch_size"`
	DrainInterval  time.Duration `koanf:"drain_interval"`
	SweepInterval  time.Duration `koanf:"sweep_interval"`
	LeaseTimeout   time.Duration `koanf:"lease_timeout"`
	RetryBaseDelay time.Duration `koanf:"retry_base_delay"`
}

// TokenConfig controls credential refresh and encryption at rest.
type TokenConfig struct {
	RefreshSkewMS int    `koanf:"refresh_skew_ms"`
	EncryptionKey string `koanf:"encryption_key"`
}

// RefreshSkew is the margin before expiry at which tokens are refreshed.
func (c TokenConfig) RefreshSkew() time.Duration {
	return time.Duration(c.RefreshSkewMS) * time.Millisecond
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Backend          string `koanf:"backend"`
	BadgerPath       string `koanf:"badger_path"`
	BadgerSyncWrites bool   `koanf:"badger_sync_writes"`
	PostgresDSN      string `koanf:"postgres_dsn"`
	PostgresMaxConns int    `koanf:"postgres_max_conns"`
	AutoMigrate      bool   `koanf:"auto_migrate"`
}

// RedisConfig enables cross-process account locks.
type RedisConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Addr     string        `koanf:"addr"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	LockTTL  time.Duration `koanf:"lock_ttl"`
}

// ProviderConfig describes the remote open-banking / accounting API.
type ProviderConfig struct {
	Name         string        `koanf:"name"`
	BaseURL      string        `koanf:"base_url"`
	TokenURL     string        `koanf:"token_url"`
	ClientID     string        `koanf:"client_id"`
	ClientSecret string        `koanf:"client_secret"`
	RateLimit    float64       `koanf:"rate_limit"`
	RateBurst    int           `koanf:"rate_burst"`
	HTTPTimeout  time.Duration `koanf:"http_timeout"`
}

// Load reads configuration using the layered koanf loader.
func Load() (*Config, error) {
	return LoadWithKoanf()
}
