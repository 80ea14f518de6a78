// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

// Package sync moves data between linked accounts and the remote provider.
//
// The Orchestrator pulls bank transactions for one account (SyncAccount) and
// pushes accounting entities out (Push). Every remote call goes through the
// provider's circuit breaker. A call that fails transiently is recorded in the
// pending queue and later replayed by the recovery job through Replay and
// ReplayPush.
//
// The Scheduler periodically syncs ACTIVE accounts whose last sync is older
// than its interval, with bounded concurrency.
//
// Imported records are deduplicated per account by ExternalRef: the provider
// transaction id when present, otherwise a SHA-256 over the fields that
// identify the transaction.
package sync
