// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

// Package api exposes the operator HTTP surface: triggering account syncs and
// outbound pushes, and observing the pending queue and circuit breakers.
//
// Routes:
//
//	POST /api/v1/accounts/{accountID}/sync   run one account sync now
//	POST /api/v1/push                        push an entity to the accounting platform
//	GET  /api/v1/queue/stats?tenant_id=      pending queue counts by status
//	POST /api/v1/queue/retry-failed          revive FAILED items
//	GET  /api/v1/breakers                    breaker snapshots
//	POST /api/v1/breakers/{name}/reset       force a breaker CLOSED
//	GET  /api/v1/health                      storage and breaker health
//	GET  /metrics                            Prometheus exposition
//
// Every JSON response uses the models.APIResponse envelope. Sync failures
// are not HTTP errors: a failed sync is a 200 carrying a SyncResult with an
// error code, except SYNC_IN_PROGRESS which is a 409.
package api
