// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

package database

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/tomtom215/ledgerlink/internal/logging"
)

// ErrEmptyPath is returned when a persistent Badger store has no directory.
var ErrEmptyPath = errors.New("badger path is required")

// BadgerConfig configures the embedded store.
type BadgerConfig struct {
	Path       string
	SyncWrites bool
	// InMemory keeps all data in memory. Used by tests.
	InMemory bool
}

// OpenBadger opens (or creates) the Badger database described by cfg.
func OpenBadger(cfg BadgerConfig) (*badger.DB, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, ErrEmptyPath
		}
		opts = badger.DefaultOptions(cfg.Path)
		opts.SyncWrites = cfg.SyncWrites
	}
	opts.Compression = options.Snappy
	opts.NumCompactors = 2
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("sync_writes", cfg.SyncWrites).
		Bool("in_memory", cfg.InMemory).
		Msg("Badger store opened")
	return db, nil
}

// RunValueLogGC rewrites value-log files until Badger reports nothing left to
// reclaim. It returns the number of files rewritten.
func RunValueLogGC(db *badger.DB, discardRatio float64) (int, error) {
	if db.Opts().InMemory {
		return 0, nil
	}
	rewritten := 0
	for {
		err := db.RunValueLogGC(discardRatio)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			return rewritten, nil
		}
		if err != nil {
			return rewritten, fmt.Errorf("run value log GC: %w", err)
		}
		rewritten++
	}
}
