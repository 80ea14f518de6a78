// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

package models

import (
	"encoding/json"
	"time"
)

// ProviderTransaction is a transaction as returned by the remote provider,
// after the adapter has decoded it.
type ProviderTransaction struct {
	ID          string          `json:"id"`
	Amount      int64           `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description"`
	BookedAt    time.Time       `json:"booked_at"`
	Raw         json.RawMessage `json:"-"`
}

// ImportedRecord is a persisted transaction. The (AccountID, ExternalRef) pair
// is unique and records are never modified after insert.
type ImportedRecord struct {
	AccountID   string    `json:"account_id" db:"account_id"`
	TenantID    string    `json:"tenant_id" db:"tenant_id"`
	ExternalRef string    `json:"external_ref" db:"external_ref"`
	Amount      int64     `json:"amount" db:"amount"`
	Currency    string    `json:"currency" db:"currency"`
	Description string    `json:"description" db:"description"`
	BookedAt    time.Time `json:"booked_at" db:"booked_at"`
	Raw         []byte    `json:"raw,omitempty" db:"raw"`
	ImportedAt  time.Time `json:"imported_at" db:"imported_at"`
}

// OutboundEntity is a document pushed to the accounting platform.
type OutboundEntity struct {
	TenantID  string          `json:"tenant_id" validate:"required,identifier"`
	AccountID string          `json:"account_id" validate:"required,identifier"`
	Kind      string          `json:"kind" validate:"required,oneof=invoice payment journal"`
	EntityID  string          `json:"entity_id" validate:"required,identifier"`
	Body      json.RawMessage `json:"body" validate:"required"`
}
