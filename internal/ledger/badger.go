// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/ledgerlink/internal/models"
)

const (
	prefixAccount = "acct:"
	prefixRecord  = "rec:"

	insertChunk        = 500
	maxConflictRetries = 16
)

// BadgerStore keeps accounts and records in the shared embedded database.
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time
}

var _ Store = (*BadgerStore)(nil)

// NewBadgerStore returns a Store over db. The caller owns db.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db, now: time.Now}
}

func accountKey(id string) []byte {
	return []byte(prefixAccount + id)
}

func recordKey(accountID, ref string) []byte {
	return []byte(prefixRecord + accountID + "\x00" + ref)
}

func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func readAccount(txn *badger.Txn, id string) (*models.LinkedAccount, error) {
	entry, err := txn.Get(accountKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	a := &models.LinkedAccount{}
	if err := entry.Value(func(val []byte) error { return json.Unmarshal(val, a) }); err != nil {
		return nil, fmt.Errorf("decode account %s: %w", id, err)
	}
	return a, nil
}

func writeAccount(txn *badger.Txn, a *models.LinkedAccount) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode account %s: %w", a.ID, err)
	}
	return txn.Set(accountKey(a.ID), data)
}

// mutate applies fn to the stored account inside one transaction.
func (s *BadgerStore) mutate(ctx context.Context, id string, fn func(a *models.LinkedAccount)) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		a, err := readAccount(txn, id)
		if err != nil {
			return err
		}
		fn(a)
		a.UpdatedAt = s.now().UTC()
		return writeAccount(txn, a)
	})
}

// GetAccount implements AccountStore.
func (s *BadgerStore) GetAccount(ctx context.Context, id string) (*models.LinkedAccount, error) {
	var a *models.LinkedAccount
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		a, err = readAccount(txn, id)
		return err
	})
	return a, err
}

// CreateAccount implements AccountStore.
func (s *BadgerStore) CreateAccount(ctx context.Context, account *models.LinkedAccount) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		_, err := readAccount(txn, account.ID)
		if err == nil {
			return ErrAccountExists
		}
		if !errors.Is(err, ErrAccountNotFound) {
			return err
		}
		now := s.now().UTC()
		if account.CreatedAt.IsZero() {
			account.CreatedAt = now
		}
		account.UpdatedAt = now
		return writeAccount(txn, account)
	})
}

// UpdateCredential implements AccountStore.
func (s *BadgerStore) UpdateCredential(ctx context.Context, id, credential string, expiresAt time.Time) error {
	return s.mutate(ctx, id, func(a *models.LinkedAccount) {
		a.Credential = credential
		a.TokenExpiresAt = expiresAt.UTC()
		a.Status = models.AccountActive
	})
}

// SetStatus implements AccountStore.
func (s *BadgerStore) SetStatus(ctx context.Context, id string, status models.AccountStatus, reason string) error {
	return s.mutate(ctx, id, func(a *models.LinkedAccount) {
		a.Status = status
		if reason != "" {
			a.LastSyncError = reason
		}
	})
}

// RecordSyncSuccess implements AccountStore.
func (s *BadgerStore) RecordSyncSuccess(ctx context.Context, id string, syncedAt time.Time) error {
	return s.mutate(ctx, id, func(a *models.LinkedAccount) {
		t := syncedAt.UTC()
		a.LastSyncedAt = &t
		a.LastSyncError = ""
		a.SyncErrorCount = 0
	})
}

// RecordSyncFailure implements AccountStore.
func (s *BadgerStore) RecordSyncFailure(ctx context.Context, id, message string) error {
	return s.mutate(ctx, id, func(a *models.LinkedAccount) {
		a.LastSyncError = message
		a.SyncErrorCount++
	})
}

// ListDue implements AccountStore.
func (s *BadgerStore) ListDue(ctx context.Context, cutoff time.Time, limit int) ([]*models.LinkedAccount, error) {
	var out []*models.LinkedAccount
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixAccount)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			a := &models.LinkedAccount{}
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, a) }); err != nil {
				return fmt.Errorf("decode account %s: %w", it.Item().Key(), err)
			}
			if due(a, cutoff) {
				out = append(out, a)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list due accounts: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return lastSynced(out[i]).Before(lastSynced(out[j])) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ExistingRefs implements RecordStore.
func (s *BadgerStore) ExistingRefs(ctx context.Context, accountID string, refs []string) (map[string]struct{}, error) {
	found := make(map[string]struct{})
	err := s.db.View(func(txn *badger.Txn) error {
		for _, ref := range refs {
			_, err := txn.Get(recordKey(accountID, ref))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			found[ref] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("lookup existing records: %w", err)
	}
	return found, nil
}

// InsertRecords implements RecordStore. Records are written in chunks; a
// failure leaves earlier chunks committed.
func (s *BadgerStore) InsertRecords(ctx context.Context, records []models.ImportedRecord) (int, error) {
	inserted := 0
	for start := 0; start < len(records); start += insertChunk {
		chunk := records[start:min(start+insertChunk, len(records))]

		n := 0
		err := s.update(ctx, func(txn *badger.Txn) error {
			n = 0
			for i := range chunk {
				r := &chunk[i]
				key := recordKey(r.AccountID, r.ExternalRef)
				_, err := txn.Get(key)
				if err == nil {
					continue
				}
				if !errors.Is(err, badger.ErrKeyNotFound) {
					return err
				}
				data, err := json.Marshal(r)
				if err != nil {
					return fmt.Errorf("encode record %s: %w", r.ExternalRef, err)
				}
				if err := txn.Set(key, data); err != nil {
					return err
				}
				n++
			}
			return nil
		})
		if err != nil {
			return inserted, fmt.Errorf("insert records: %w", err)
		}
		inserted += n
	}
	return inserted, nil
}
