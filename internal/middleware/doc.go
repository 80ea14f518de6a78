// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

// Package middleware provides the HTTP middleware shared by every API route.
//
//   - RequestID: accepts or generates X-Request-ID and stores it in the
//     logging context so handler logs carry request_id.
//   - PrometheusMetrics: records api_requests_total and
//     api_request_duration_seconds, labelled by the chi route pattern.
//
// Both use the standard func(http.Handler) http.Handler shape and can be
// passed to chi's Router.Use directly.
package middleware
