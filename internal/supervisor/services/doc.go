// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

// Package services adapts Ledgerlink components to suture.Service.
//
// Background workers (recovery job, sweeper, scheduler) already expose
// RunWithContext(ctx) error and are wrapped by RunnerService under a fixed
// name. The HTTP server's ListenAndServe/Shutdown pair is wrapped by
// HTTPServerService.
package services
