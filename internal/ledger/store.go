// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

// Package ledger persists linked accounts and the transactions imported from
// them. Imported records are write-once: a record is keyed by its account and
// external reference and is never updated or deleted.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/tomtom215/ledgerlink/internal/models"
)

var (
	// ErrAccountNotFound is returned when no linked account has the given id.
	ErrAccountNotFound = errors.New("linked account not found")
	// ErrAccountExists is returned by CreateAccount for a duplicate id.
	ErrAccountExists = errors.New("linked account already exists")
)

// AccountStore reads and mutates linked accounts. Accounts are never deleted.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*models.LinkedAccount, error)
	CreateAccount(ctx context.Context, account *models.LinkedAccount) error

	// UpdateCredential replaces the sealed credential and its expiry and marks
	// the account ACTIVE.
	UpdateCredential(ctx context.Context, id, credential string, expiresAt time.Time) error

	// SetStatus changes the account status. A non-empty reason is recorded as
	// the last sync error.
	SetStatus(ctx context.Context, id string, status models.AccountStatus, reason string) error

	// RecordSyncSuccess advances lastSyncedAt and clears the error state.
	RecordSyncSuccess(ctx context.Context, id string, syncedAt time.Time) error

	// RecordSyncFailure stores message and increments the error count.
	RecordSyncFailure(ctx context.Context, id, message string) error

	// ListDue returns ACTIVE accounts never synced or last synced before
	// cutoff, least recently synced first.
	ListDue(ctx context.Context, cutoff time.Time, limit int) ([]*models.LinkedAccount, error)
}

// RecordStore is the write-once set of imported records.
type RecordStore interface {
	// ExistingRefs returns which of refs are already stored for accountID.
	ExistingRefs(ctx context.Context, accountID string, refs []string) (map[string]struct{}, error)

	// InsertRecords stores records, skipping any whose (account, external ref)
	// already exists, and returns how many were inserted.
	InsertRecords(ctx context.Context, records []models.ImportedRecord) (int, error)
}

// Store is both halves, as implemented by each backend.
type Store interface {
	AccountStore
	RecordStore
}

func due(a *models.LinkedAccount, cutoff time.Time) bool {
	if a.Status != models.AccountActive {
		return false
	}
	return a.LastSyncedAt == nil || a.LastSyncedAt.Before(cutoff)
}

func lastSynced(a *models.LinkedAccount) time.Time {
	if a.LastSyncedAt == nil {
		return time.Time{}
	}
	return *a.LastSyncedAt
}
