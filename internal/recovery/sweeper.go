// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/ledgerlink/internal/database"
	"github.com/tomtom215/ledgerlink/internal/logging"
	"github.com/tomtom215/ledgerlink/internal/pending"
)

const defaultGCDiscardRatio = 0.5

// SweeperConfig tunes a Sweeper.
type SweeperConfig struct {
	Interval      time.Duration
	RetentionDays int
}

// Sweeper deletes COMPLETED and FAILED items past retention and reclaims
// Badger value-log space when the embedded store is in use.
type Sweeper struct {
	queue pending.Store
	db    *badger.DB
	cfg   SweeperConfig
}

// NewSweeper returns a Sweeper. db is nil with the Postgres backend.
func NewSweeper(queue pending.Store, db *badger.DB, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	return &Sweeper{queue: queue, db: db, cfg: cfg}
}

// RunWithContext sweeps every Interval until ctx is done.
func (s *Sweeper) RunWithContext(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				logging.Error().Err(err).Msg("Retention sweep failed")
			}
		}
	}
}

// Sweep runs one retention pass and returns the number of items deleted.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	removed, err := s.queue.CleanupOldItems(ctx, s.cfg.RetentionDays)
	if err != nil {
		return removed, fmt.Errorf("cleanup old items: %w", err)
	}
	if removed > 0 {
		logging.Info().Int("removed", removed).Int("retention_days", s.cfg.RetentionDays).Msg("Removed finished queue items")
	}

	if s.db != nil {
		rewritten, err := database.RunValueLogGC(s.db, defaultGCDiscardRatio)
		if err != nil {
			return removed, err
		}
		if rewritten > 0 {
			logging.Debug().Int("files", rewritten).Msg("Badger value log GC")
		}
	}
	return removed, nil
}
