// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

/*
Package database opens the storage backends used by the pending-sync queue and
the ledger stores.

Two backends are supported:

  - BadgerDB (default): embedded, no external service. One database holds the
    queue, the linked accounts and the imported records under distinct key
    prefixes.
  - PostgreSQL: opened through sqlx with the lib/pq driver. The schema is
    managed by golang-migrate using the SQL files embedded from migrations/.

Migrations are append-only. Add a new NNNN_name.up.sql / NNNN_name.down.sql
pair rather than editing an applied file.
*/
package database
