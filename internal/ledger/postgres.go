// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"

	"github.com/tomtom215/ledgerlink/internal/database"
	"github.com/tomtom215/ledgerlink/internal/models"
)

const (
	accountsTable = "linked_accounts"
	recordsTable  = "imported_records"

	// Keeps bind parameters well under the Postgres limit of 65535.
	refLookupChunk = 1000
	recordBatch    = 500
)

var accountStruct = sqlbuilder.NewStruct(new(models.LinkedAccount)).For(sqlbuilder.PostgreSQL)

// PostgresStore keeps accounts and records in PostgreSQL.
type PostgresStore struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore returns a Store over db. The schema must already be migrated.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// GetAccount implements AccountStore.
func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*models.LinkedAccount, error) {
	sb := accountStruct.SelectFrom(accountsTable)
	sb.Where(sb.Equal("id", id))
	query, args := sb.Build()

	var a models.LinkedAccount
	err := s.db.GetContext(ctx, &a, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return &a, nil
}

// CreateAccount implements AccountStore.
func (s *PostgresStore) CreateAccount(ctx context.Context, account *models.LinkedAccount) error {
	now := s.now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	ib := accountStruct.InsertInto(accountsTable, account)
	query, args := ib.Build()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if database.IsUniqueViolation(err) {
			return ErrAccountExists
		}
		return fmt.Errorf("create account %s: %w", account.ID, err)
	}
	return nil
}

// exec runs an UPDATE on one account and maps zero affected rows to
// ErrAccountNotFound.
func (s *PostgresStore) exec(ctx context.Context, id string, ub *sqlbuilder.UpdateBuilder) error {
	query, args := ub.Build()
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update account %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update account %s: %w", id, err)
	}
	if n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// UpdateCredential implements AccountStore.
func (s *PostgresStore) UpdateCredential(ctx context.Context, id, credential string, expiresAt time.Time) error {
	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(accountsTable)
	ub.Set(
		ub.Assign("credential", credential),
		ub.Assign("token_expires_at", expiresAt.UTC()),
		ub.Assign("status", models.AccountActive),
		ub.Assign("updated_at", s.now().UTC()),
	)
	ub.Where(ub.Equal("id", id))
	return s.exec(ctx, id, ub)
}

// SetStatus implements AccountStore.
func (s *PostgresStore) SetStatus(ctx context.Context, id string, status models.AccountStatus, reason string) error {
	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(accountsTable)
	assignments := []string{
		ub.Assign("status", status),
		ub.Assign("updated_at", s.now().UTC()),
	}
	if reason != "" {
		assignments = append(assignments, ub.Assign("last_sync_error", reason))
	}
	ub.Set(assignments...)
	ub.Where(ub.Equal("id", id))
	return s.exec(ctx, id, ub)
}

// RecordSyncSuccess implements AccountStore.
func (s *PostgresStore) RecordSyncSuccess(ctx context.Context, id string, syncedAt time.Time) error {
	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(accountsTable)
	ub.Set(
		ub.Assign("last_synced_at", syncedAt.UTC()),
		ub.Assign("last_sync_error", ""),
		ub.Assign("sync_error_count", 0),
		ub.Assign("updated_at", s.now().UTC()),
	)
	ub.Where(ub.Equal("id", id))
	return s.exec(ctx, id, ub)
}

// RecordSyncFailure implements AccountStore.
func (s *PostgresStore) RecordSyncFailure(ctx context.Context, id, message string) error {
	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(accountsTable)
	ub.Set(
		ub.Assign("last_sync_error", message),
		"sync_error_count = sync_error_count + 1",
		ub.Assign("updated_at", s.now().UTC()),
	)
	ub.Where(ub.Equal("id", id))
	return s.exec(ctx, id, ub)
}

// ListDue implements AccountStore.
func (s *PostgresStore) ListDue(ctx context.Context, cutoff time.Time, limit int) ([]*models.LinkedAccount, error) {
	sb := accountStruct.SelectFrom(accountsTable)
	sb.Where(
		sb.Equal("status", models.AccountActive),
		sb.Or(sb.IsNull("last_synced_at"), sb.LessThan("last_synced_at", cutoff)),
	)
	sb.OrderBy("last_synced_at").Asc()
	sb.SQL("NULLS FIRST")
	if limit > 0 {
		sb.Limit(limit)
	}
	query, args := sb.Build()

	var rows []models.LinkedAccount
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list due accounts: %w", err)
	}
	out := make([]*models.LinkedAccount, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

// ExistingRefs implements RecordStore.
func (s *PostgresStore) ExistingRefs(ctx context.Context, accountID string, refs []string) (map[string]struct{}, error) {
	found := make(map[string]struct{})
	for start := 0; start < len(refs); start += refLookupChunk {
		chunk := refs[start:min(start+refLookupChunk, len(refs))]
		vals := make([]any, len(chunk))
		for i, r := range chunk {
			vals[i] = r
		}

		sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
		sb.Select("external_ref").From(recordsTable)
		sb.Where(sb.Equal("account_id", accountID), sb.In("external_ref", vals...))
		query, args := sb.Build()

		var existing []string
		if err := s.db.SelectContext(ctx, &existing, query, args...); err != nil {
			return nil, fmt.Errorf("lookup existing records: %w", err)
		}
		for _, r := range existing {
			found[r] = struct{}{}
		}
	}
	return found, nil
}

// InsertRecords implements RecordStore. Each batch is one statement; rows
// that hit the primary key are skipped by ON CONFLICT DO NOTHING.
func (s *PostgresStore) InsertRecords(ctx context.Context, records []models.ImportedRecord) (int, error) {
	inserted := 0
	for start := 0; start < len(records); start += recordBatch {
		batch := records[start:min(start+recordBatch, len(records))]

		ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
		ib.InsertInto(recordsTable)
		ib.Cols("account_id", "tenant_id", "external_ref", "amount", "currency", "description", "booked_at", "raw", "imported_at")
		for _, r := range batch {
			ib.Values(r.AccountID, r.TenantID, r.ExternalRef, r.Amount, r.Currency, r.Description, r.BookedAt, r.Raw, r.ImportedAt)
		}
		query, args := ib.Build()
		query += " ON CONFLICT (account_id, external_ref) DO NOTHING"

		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return inserted, fmt.Errorf("insert records: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, fmt.Errorf("insert records: %w", err)
		}
		inserted += int(n)
	}
	return inserted, nil
}
