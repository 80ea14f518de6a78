// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

package sync

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tomtom215/ledgerlink/internal/ledger"
	"github.com/tomtom215/ledgerlink/internal/logging"
	"github.com/tomtom215/ledgerlink/internal/models"
)

// AccountSyncer is the part of Orchestrator the scheduler drives.
type AccountSyncer interface {
	SyncAccount(ctx context.Context, accountID string) (*models.SyncResult, error)
}

// SchedulerConfig tunes a Scheduler.
type SchedulerConfig struct {
	// Interval is both the tick period and how stale lastSyncedAt must be
	// for an account to be due.
	Interval      time.Duration
	MaxConcurrent int
	// BatchSize caps the accounts picked up per tick.
	BatchSize int
	Now       func() time.Time
}

// Scheduler periodically syncs ACTIVE accounts that are due.
type Scheduler struct {
	accounts ledger.AccountStore
	syncer   AccountSyncer
	cfg      SchedulerConfig
}

// NewScheduler returns a Scheduler.
func NewScheduler(accounts ledger.AccountStore, syncer AccountSyncer, cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{accounts: accounts, syncer: syncer, cfg: cfg}
}

// RunWithContext ticks until ctx is done.
func (s *Scheduler) RunWithContext(ctx context.Context) error {
	logging.Info().
		Dur("interval", s.cfg.Interval).
		Int("max_concurrent", s.cfg.MaxConcurrent).
		Msg("Sync scheduler started")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("Sync scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				logging.Error().Err(err).Msg("Scheduled sync failed")
			}
		}
	}
}

// RunOnce syncs the currently due accounts and returns how many succeeded.
// Per-account failures are logged, not returned.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	due, err := s.accounts.ListDue(ctx, s.cfg.Now().Add(-s.cfg.Interval), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	results := make([]bool, len(due))
	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrent)
	for i, account := range due {
		g.Go(func() error {
			result, err := s.syncer.SyncAccount(ctx, account.ID)
			if err != nil {
				logging.Error().Err(err).Str("account_id", account.ID).Msg("Scheduled account sync failed")
				return nil
			}
			results[i] = result.Success
			return nil
		})
	}
	_ = g.Wait()

	synced := 0
	for _, ok := range results {
		if ok {
			synced++
		}
	}
	logging.Debug().Int("due", len(due)).Int("synced", synced).Msg("Scheduled sync pass finished")
	return synced, nil
}
