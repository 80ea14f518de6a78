// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/tomtom215/ledgerlink/internal/models"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	s := NewPostgresStore(sqlx.NewDb(db, "postgres"))
	s.now = func() time.Time { return testNow }
	return s, mock
}

func TestPostgresGetAccount(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectQuery(`SELECT .* FROM linked_accounts WHERE id = \$1`).
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "status"}).AddRow("a1", "t1", "ACTIVE"))
	mock.ExpectQuery(`SELECT .* FROM linked_accounts WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	got, err := s.GetAccount(context.Background(), "a1")
	if err != nil {
		t.Fatalf("GetAccount() error = %v", err)
	}
	if got.TenantID != "t1" || got.Status != models.AccountActive {
		t.Errorf("GetAccount() = %+v", got)
	}
	if _, err := s.GetAccount(context.Background(), "missing"); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("GetAccount() missing error = %v, want ErrAccountNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresCreateAccountDuplicate(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`INSERT INTO linked_accounts`).WillReturnError(&pq.Error{Code: "23505"})

	if err := s.CreateAccount(context.Background(), testAccount("a1")); !errors.Is(err, ErrAccountExists) {
		t.Errorf("CreateAccount() error = %v, want ErrAccountExists", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresUpdates(t *testing.T) {
	tests := []struct {
		name  string
		query string
		rows  int64
		call  func(s *PostgresStore) error
		want  error
	}{
		{
			name:  "credential",
			query: `UPDATE linked_accounts SET credential = \$1, token_expires_at = \$2, status = \$3, updated_at = \$4 WHERE id = \$5`,
			rows:  1,
			call: func(s *PostgresStore) error {
				return s.UpdateCredential(context.Background(), "a1", "sealed", testNow)
			},
		},
		{
			name:  "status with reason",
			query: `UPDATE linked_accounts SET status = \$1, updated_at = \$2, last_sync_error = \$3 WHERE id = \$4`,
			rows:  1,
			call: func(s *PostgresStore) error {
				return s.SetStatus(context.Background(), "a1", models.AccountRevoked, "revoked")
			},
		},
		{
			name:  "sync failure",
			query: `UPDATE linked_accounts SET last_sync_error = \$1, sync_error_count = sync_error_count \+ 1`,
			rows:  1,
			call: func(s *PostgresStore) error {
				return s.RecordSyncFailure(context.Background(), "a1", "boom")
			},
		},
		{
			name:  "missing account",
			query: `UPDATE linked_accounts SET last_synced_at = \$1`,
			rows:  0,
			call: func(s *PostgresStore) error {
				return s.RecordSyncSuccess(context.Background(), "missing", testNow)
			},
			want: ErrAccountNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockPostgresStore(t)
			mock.ExpectExec(tt.query).WillReturnResult(sqlmock.NewResult(0, tt.rows))
			if err := tt.call(s); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestPostgresListDue(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	cutoff := testNow.Add(-time.Hour)
	mock.ExpectQuery(`FROM linked_accounts WHERE status = \$1 AND \(last_synced_at IS NULL OR last_synced_at < \$2\) ORDER BY last_synced_at ASC NULLS FIRST LIMIT`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow("a1", "ACTIVE").AddRow("a2", "ACTIVE"))

	got, err := s.ListDue(context.Background(), cutoff, 10)
	if err != nil {
		t.Fatalf("ListDue() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != "a1" {
		t.Errorf("ListDue() returned %d accounts", len(got))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresExistingRefs(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectQuery(`SELECT external_ref FROM imported_records WHERE account_id = \$1 AND external_ref IN \(\$2, \$3\)`).
		WithArgs("a1", "tx1", "tx2").
		WillReturnRows(sqlmock.NewRows([]string{"external_ref"}).AddRow("tx2"))

	found, err := s.ExistingRefs(context.Background(), "a1", []string{"tx1", "tx2"})
	if err != nil {
		t.Fatalf("ExistingRefs() error = %v", err)
	}
	if _, ok := found["tx2"]; !ok || len(found) != 1 {
		t.Errorf("ExistingRefs() = %v, want tx2", found)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresInsertRecords(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`INSERT INTO imported_records .* ON CONFLICT \(account_id, external_ref\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := s.InsertRecords(context.Background(), []models.ImportedRecord{
		{AccountID: "a1", ExternalRef: "tx1", Currency: "EUR"},
		{AccountID: "a1", ExternalRef: "tx2", Currency: "EUR"},
	})
	if err != nil {
		t.Fatalf("InsertRecords() error = %v", err)
	}
	if n != 1 {
		t.Errorf("InsertRecords() = %d, want 1", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}

	if n, err := s.InsertRecords(context.Background(), nil); n != 0 || err != nil {
		t.Errorf("InsertRecords(nil) = %d, %v", n, err)
	}
}
