// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

package models

// Sync result codes surfaced to callers.
const (
	CodeConsentExpired      = "CONSENT_EXPIRED"
	CodeConsentRevoked      = "CONSENT_REVOKED"
	CodeCircuitOpen         = "CIRCUIT_OPEN"
	CodeRateLimited         = "RATE_LIMITED"
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeTimeout             = "TIMEOUT"
	CodeConversionError     = "CONVERSION_ERROR"
	CodeProviderError       = "PROVIDER_ERROR"
	CodeSyncInProgress      = "SYNC_IN_PROGRESS"
	CodeStoreError          = "STORE_ERROR"
	CodeAccountUnusable     = "ACCOUNT_UNUSABLE"
)

// SyncResult is the outcome of one SyncAccount call. A failed sync still
// reports counts: "0 new, will retry" rather than an opaque error.
type SyncResult struct {
	AccountID    string `json:"account_id"`
	Success      bool   `json:"success"`
	Fetched      int    `json:"fetched"`
	New          int    `json:"new"`
	Duplicate    int    `json:"duplicate"`
	DurationMS   int64  `json:"duration_ms"`
	ErrorMessage string `json:"error_message,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	Queued       bool   `json:"queued,omitempty"`
}

// RequiresRelink reports whether the user must re-authorize the account.
func (r *SyncResult) RequiresRelink() bool {
	return r.ErrorCode == CodeConsentExpired || r.ErrorCode == CodeConsentRevoked
}
