// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

// Package models defines the entities shared by the stores, the sync engine
// and the HTTP API.
package models

import "time"

// AccountStatus is the lifecycle state of a linked external account.
type AccountStatus string

const (
	AccountPending AccountStatus = "PENDING"
	AccountActive  AccountStatus = "ACTIVE"
	AccountExpired AccountStatus = "EXPIRED"
	AccountRevoked AccountStatus = "REVOKED"
	AccountError   AccountStatus = "ERROR"
)

// Usable reports whether the account may be synced at all.
func (s AccountStatus) Usable() bool {
	return s == AccountActive || s == AccountPending || s == AccountError
}

// LinkedAccount is a tenant's connection to a bank or accounting platform.
// Credential holds the sealed access/refresh token pair and never leaves the
// process in clear text.
type LinkedAccount struct {
	ID               string        `json:"id" db:"id"`
	TenantID         string        `json:"tenant_id" db:"tenant_id"`
	Provider         string        `json:"provider" db:"provider"`
	ExternalRef      string        `json:"external_ref" db:"external_ref"`
	Credential       string        `json:"credential,omitempty" db:"credential"`
	TokenExpiresAt   time.Time     `json:"token_expires_at" db:"token_expires_at"`
	ConsentExpiresAt *time.Time    `json:"consent_expires_at,omitempty" db:"consent_expires_at"`
	Status           AccountStatus `json:"status" db:"status"`
	LastSyncedAt     *time.Time    `json:"last_synced_at,omitempty" db:"last_synced_at"`
	LastSyncError    string        `json:"last_sync_error,omitempty" db:"last_sync_error"`
	SyncErrorCount   int           `json:"sync_error_count" db:"sync_error_count"`
	CreatedAt        time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at" db:"updated_at"`
}

// ConsentExpired reports whether the end user's consent lapsed before now.
func (a *LinkedAccount) ConsentExpired(now time.Time) bool {
	return a.ConsentExpiresAt != nil && a.ConsentExpiresAt.Before(now)
}

// TokenPair is the decrypted credential. It only exists in memory for the
// duration of a single call.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// RefreshedToken is what a provider returns from a refresh-token exchange.
type RefreshedToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}
