// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

// Package main is the entry point for the Ledgerlink server.
//
// Ledgerlink pulls bank transactions from an open-banking aggregator into
// linked accounts and pushes accounting entities to an accounting platform.
// Calls to the remote API go through a circuit breaker; work that fails is
// kept in a durable pending queue and replayed by a recovery job.
//
// # Startup order
//
//  1. Configuration: koanf layers (defaults, config.yaml, environment)
//  2. Storage: Badger (embedded) or PostgreSQL with migrations
//  3. Account lock: in-process, or Redis when REDIS_ENABLED=true
//  4. Provider adapter, circuit breaker, token manager
//  5. Orchestrator, scheduler, recovery job and sweeper
//  6. HTTP API
//  7. Supervisor tree
//
// # Signal Handling
//
// SIGINT and SIGTERM cancel the root context. The supervisor stops every
// service (the HTTP server drains for SERVER_SHUTDOWN_TIMEOUT) and storage is
// closed last.
//
// # Example
//
//	export STORAGE_BACKEND=badger
//	export BADGER_PATH=/var/lib/ledgerlink
//	export PROVIDER_BASE_URL=https://api.bank.example
//	export PROVIDER_CLIENT_ID=ledgerlink
//	export PROVIDER_CLIENT_SECRET=...
//	export TOKEN_ENCRYPTION_KEY=$(openssl rand -hex 32)
//	./ledgerlink
package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/tomtom215/ledgerlink/internal/config"
	"github.com/tomtom215/ledgerlink/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("storage", cfg.Storage.Backend).
		Str("provider", cfg.Provider.Name).
		Bool("redis_locks", cfg.Redis.Enabled).
		Bool("scheduler", cfg.Sync.SchedulerEnabled).
		Msg("Starting Ledgerlink")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize")
	}
	defer app.close()

	if err := app.tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor stopped with error")
	}

	if report, err := app.tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("Service did not stop before the shutdown timeout")
		}
	}
	logging.Info().Msg("Ledgerlink stopped")
}
