// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

package config

import (
	"fmt"
	"net/url"
	"strings"
)

// minEncryptionKeyLength guards against trivially guessable token keys.
const minEncryptionKeyLength = 32

// Validate checks that required configuration is present and consistent.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateCircuit(); err != nil {
		return err
	}
	if err := c.validateSync(); err != nil {
		return err
	}
	if err := c.validatePendingSync(); err != nil {
		return err
	}
	if err := c.validateToken(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateRedis(); err != nil {
		return err
	}
	if err := c.validateProvider(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("HTTP_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	return nil
}

func (c *Config) validateCircuit() error {
	if c.Circuit.TimeoutMS <= 0 {
		return fmt.Errorf("CIRCUIT_TIMEOUT_MS must be positive, got %d", c.Circuit.TimeoutMS)
	}
	if c.Circuit.ErrorThresholdPct < 1 || c.Circuit.ErrorThresholdPct > 100 {
		return fmt.Errorf("CIRCUIT_ERROR_THRESHOLD_PCT must be between 1 and 100, got %d", c.Circuit.ErrorThresholdPct)
	}
	if c.Circuit.ResetTimeoutMS <= 0 {
		return fmt.Errorf("CIRCUIT_RESET_TIMEOUT_MS must be positive, got %d", c.Circuit.ResetTimeoutMS)
	}
	if c.Circuit.VolumeThreshold < 1 {
		return fmt.Errorf("CIRCUIT_VOLUME_THRESHOLD must be at least 1, got %d", c.Circuit.VolumeThreshold)
	}
	if c.Circuit.RollingWindowMS < 1000 {
		return fmt.Errorf("CIRCUIT_ROLLING_WINDOW_MS must be at least 1000, got %d", c.Circuit.RollingWindowMS)
	}
	return nil
}

func (c *Config) validateSync() error {
	if c.Sync.OverlapHours < 0 {
		return fmt.Errorf("SYNC_OVERLAP_HOURS cannot be negative, got %d", c.Sync.OverlapHours)
	}
	if c.Sync.InitialWindowDays < 1 {
		return fmt.Errorf("SYNC_INITIAL_WINDOW_DAYS must be at least 1, got %d", c.Sync.InitialWindowDays)
	}
	if c.Sync.BudgetMS < c.Circuit.TimeoutMS {
		return fmt.Errorf("SYNC_BUDGET_MS (%d) must not be shorter than CIRCUIT_TIMEOUT_MS (%d)", c.Sync.BudgetMS, c.Circuit.TimeoutMS)
	}
	if c.Sync.SchedulerEnabled && c.Sync.Interval <= 0 {
		return fmt.Errorf("SYNC_INTERVAL must be positive when the scheduler is enabled")
	}
	if c.Sync.MaxConcurrent < 1 {
		return fmt.Errorf("SYNC_MAX_CONCURRENT must be at least 1, got %d", c.Sync.MaxConcurrent)
	}
	return nil
}

func (c *Config) validatePendingSync() error {
	p := c.PendingSync
	if p.MaxAttempts < 1 {
		return fmt.Errorf("PENDING_SYNC_MAX_ATTEMPTS must be at least 1, got %d", p.MaxAttempts)
	}
	if p.RetentionDays < 1 {
		return fmt.Errorf("PENDING_SYNC_RETENTION_DAYS must be at least 1, got %d", p.RetentionDays)
	}
	if p.BatchSize < 1 || p.BatchSize > 1000 {
		return fmt.Errorf("PENDING_SYNC_BATCH_SIZE must be between 1 and 1000, got %d", p.BatchSize)
	}
	if p.DrainInterval <= 0 || p.SweepInterval <= 0 {
		return fmt.Errorf("PENDING_SYNC_DRAIN_INTERVAL and PENDING_SYNC_SWEEP_INTERVAL must be positive")
	}
	if p.LeaseTimeout <= c.Circuit.Timeout() {
		return fmt.Errorf("PENDING_SYNC_LEASE_TIMEOUT (%s) must exceed the circuit call timeout", p.LeaseTimeout)
	}
	return nil
}

func (c *Config) validateToken() error {
	if c.Token.RefreshSkewMS < 0 {
		return fmt.Errorf("TOKEN_REFRESH_SKEW_MS cannot be negative, got %d", c.Token.RefreshSkewMS)
	}
	if len(c.Token.EncryptionKey) < minEncryptionKeyLength {
		return fmt.Errorf("TOKEN_ENCRYPTION_KEY must be at least %d characters", minEncryptionKeyLength)
	}
	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Backend {
	case BackendBadger:
		if c.Storage.BadgerPath == "" {
			return fmt.Errorf("BADGER_PATH is required when STORAGE_BACKEND=badger")
		}
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required when STORAGE_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", BackendBadger, BackendPostgres, c.Storage.Backend)
	}
	return nil
}

func (c *Config) validateRedis() error {
	if !c.Redis.Enabled {
		return nil
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("REDIS_ADDR is required when REDIS_ENABLED=true")
	}
	if c.Redis.LockTTL < c.Sync.Budget() {
		return fmt.Errorf("REDIS_LOCK_TTL (%s) must cover SYNC_BUDGET_MS", c.Redis.LockTTL)
	}
	return nil
}

func (c *Config) validateProvider() error {
	if c.Provider.Name == "" {
		return fmt.Errorf("PROVIDER_NAME is required")
	}
	if err := validateHTTPURL(c.Provider.BaseURL, "PROVIDER_BASE_URL"); err != nil {
		return err
	}
	if c.Provider.TokenURL != "" {
		if err := validateHTTPURL(c.Provider.TokenURL, "PROVIDER_TOKEN_URL"); err != nil {
			return err
		}
	}
	if c.Provider.RateLimit <= 0 || c.Provider.RateBurst < 1 {
		return fmt.Errorf("PROVIDER_RATE_LIMIT and PROVIDER_RATE_BURST must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "error", "fatal", "disabled":
	default:
		return fmt.Errorf("LOG_LEVEL %q is not recognized", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

func validateHTTPURL(raw, name string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is invalid: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https, got %q", name, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host", name)
	}
	return nil
}
