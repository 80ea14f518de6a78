// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

package pending

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/ledgerlink/internal/logging"
	"github.com/tomtom215/ledgerlink/internal/metrics"
	"github.com/tomtom215/ledgerlink/internal/models"
)

// Key layout:
//
//	psi:item:<id>                               item JSON
//	psi:active:<tenant>\x00<type>\x00<entity>   id of the PENDING/RETRY item
//	psi:queue:<created ns, 20 digits>:<id>      id, present while active
const (
	prefixItem   = "psi:item:"
	prefixActive = "psi:active:"
	prefixQueue  = "psi:queue:"

	maxConflictRetries = 32
	cleanupChunk       = 500
)

// BadgerStore is the embedded Store.
type BadgerStore struct {
	db   *badger.DB
	opts Options
}

var _ Store = (*BadgerStore)(nil)

// NewBadgerStore returns a Store over db. The caller owns db.
func NewBadgerStore(db *badger.DB, opts Options) *BadgerStore {
	return &BadgerStore{db: db, opts: opts.withDefaults()}
}

func itemKey(id string) []byte {
	return []byte(prefixItem + id)
}

func activeKey(tenantID, entityType, entityID string) []byte {
	return []byte(prefixActive + tenantID + "\x00" + entityType + "\x00" + entityID)
}

func queueKey(createdAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefixQueue, createdAt.UnixNano(), id))
}

// update runs fn in a read-write transaction, retrying on write conflicts
// with concurrent transactions.
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
	return fmt.Errorf("pending store: %w after %d attempts", err, maxConflictRetries)
}

func getItem(txn *badger.Txn, id string) (*models.PendingSyncItem, error) {
	entry, err := txn.Get(itemKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", id, err)
	}
	item := &models.PendingSyncItem{}
	err = entry.Value(func(val []byte) error {
		return json.Unmarshal(val, item)
	})
	if err != nil {
		return nil, fmt.Errorf("decode item %s: %w", id, err)
	}
	return item, nil
}

// activeID returns the id holding the entity's active slot, or "".
func activeID(txn *badger.Txn, tenantID, entityType, entityID string) (string, error) {
	entry, err := txn.Get(activeKey(tenantID, entityType, entityID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get active index: %w", err)
	}
	v, err := entry.ValueCopy(nil)
	if err != nil {
		return "", fmt.Errorf("read active index: %w", err)
	}
	return string(v), nil
}

// save writes item and keeps the active and queue indexes in step with the
// move from prev to item.Status.
func save(txn *badger.Txn, item *models.PendingSyncItem, prev models.PendingStatus) error {
	wasActive, isActive := prev.Active(), item.Status.Active()

	if wasActive && !isActive {
		owner, err := activeID(txn, item.TenantID, item.EntityType, item.EntityID)
		if err != nil {
			return err
		}
		if owner == item.ID {
			if err := txn.Delete(activeKey(item.TenantID, item.EntityType, item.EntityID)); err != nil {
				return fmt.Errorf("delete active index: %w", err)
			}
		}
		if err := txn.Delete(queueKey(item.CreatedAt, item.ID)); err != nil {
			return fmt.Errorf("delete queue index: %w", err)
		}
	}
	if !wasActive && isActive {
		if err := txn.Set(activeKey(item.TenantID, item.EntityType, item.EntityID), []byte(item.ID)); err != nil {
			return fmt.Errorf("set active index: %w", err)
		}
		if err := txn.Set(queueKey(item.CreatedAt, item.ID), []byte(item.ID)); err != nil {
			return fmt.Errorf("set queue index: %w", err)
		}
	}

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode item %s: %w", item.ID, err)
	}
	if err := txn.Set(itemKey(item.ID), data); err != nil {
		return fmt.Errorf("set item %s: %w", item.ID, err)
	}
	return nil
}

// scanItems decodes every item and calls fn with it.
func scanItems(txn *badger.Txn, fn func(*models.PendingSyncItem) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefixItem)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := &models.PendingSyncItem{}
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, item)
		})
		if err != nil {
			return fmt.Errorf("decode item %s: %w", it.Item().Key(), err)
		}
		if err := fn(item); err != nil {
			return err
		}
	}
	return nil
}

// Enqueue implements Store.
func (s *BadgerStore) Enqueue(ctx context.Context, entity models.SyncableEntity) (*models.PendingSyncItem, error) {
	if err := validateEntity(entity); err != nil {
		return nil, err
	}

	var out *models.PendingSyncItem
	created := false
	err := s.update(ctx, func(txn *badger.Txn) error {
		now := s.opts.Now().UTC()
		created = false

		id, err := activeID(txn, entity.TenantID, entity.EntityType, entity.EntityID)
		if err != nil {
			return err
		}
		if id != "" {
			item, err := getItem(txn, id)
			if err != nil {
				return err
			}
			item.Operation = entity.Operation
			item.Payload = entity.Payload
			item.UpdatedAt = now
			out = item
			return save(txn, item, item.Status)
		}

		item := &models.PendingSyncItem{
			ID:            uuid.New().String(),
			TenantID:      entity.TenantID,
			EntityType:    entity.EntityType,
			EntityID:      entity.EntityID,
			Operation:     entity.Operation,
			Payload:       entity.Payload,
			Status:        models.PendingStatusPending,
			MaxAttempts:   s.opts.MaxAttempts,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		out = item
		created = true
		return save(txn, item, "")
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue %s/%s: %w", entity.EntityType, entity.EntityID, err)
	}

	if created {
		metrics.PendingSyncEnqueued.WithLabelValues(entity.EntityType).Inc()
	}
	logging.Ctx(ctx).Debug().
		Str("item_id", out.ID).
		Str("entity_type", out.EntityType).
		Str("entity_id", out.EntityID).
		Bool("created", created).
		Msg("Pending sync item enqueued")
	return out, nil
}

// ClaimBatch implements Store.
func (s *BadgerStore) ClaimBatch(ctx context.Context, tenantID string, batchSize int) ([]*models.PendingSyncItem, error) {
	if batchSize <= 0 {
		return nil, nil
	}

	var claimed []*models.PendingSyncItem
	err := s.update(ctx, func(txn *badger.Txn) error {
		now := s.opts.Now().UTC()
		claimed = claimed[:0]

		var due []*models.PendingSyncItem
		var dangling [][]byte

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixQueue)
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid() && len(due) < batchSize; it.Next() {
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				it.Close()
				return fmt.Errorf("read queue index: %w", err)
			}
			item, err := getItem(txn, string(id))
			if errors.Is(err, ErrNotFound) {
				dangling = append(dangling, it.Item().KeyCopy(nil))
				continue
			}
			if err != nil {
				it.Close()
				return err
			}
			if !item.Status.Active() {
				continue
			}
			if tenantID != "" && item.TenantID != tenantID {
				continue
			}
			if item.NextAttemptAt.After(now) {
				continue
			}
			due = append(due, item)
		}
		it.Close()

		for _, k := range dangling {
			if err := txn.Delete(k); err != nil {
				return fmt.Errorf("delete dangling queue index: %w", err)
			}
		}

		for _, item := range due {
			prev := item.Status
			item.Status = models.PendingStatusProcessing
			item.Attempts++
			item.UpdatedAt = now
			if err := save(txn, item, prev); err != nil {
				return err
			}
			claimed = append(claimed, item)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	return claimed, nil
}

// MarkCompleted implements Store.
func (s *BadgerStore) MarkCompleted(ctx context.Context, id string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		item, err := getItem(txn, id)
		if err != nil {
			return err
		}
		switch item.Status {
		case models.PendingStatusCompleted:
			return nil
		case models.PendingStatusFailed:
			return ErrAlreadyTerminal
		}
		now := s.opts.Now().UTC()
		prev := item.Status
		item.Status = models.PendingStatusCompleted
		item.LastError = ""
		item.UpdatedAt = now
		item.ProcessedAt = &now
		return save(txn, item, prev)
	})
}

// MarkFailed implements Store.
func (s *BadgerStore) MarkFailed(ctx context.Context, id string, cause error) (models.PendingStatus, error) {
	var status models.PendingStatus
	err := s.update(ctx, func(txn *badger.Txn) error {
		item, err := getItem(txn, id)
		if err != nil {
			return err
		}
		if item.Status != models.PendingStatusProcessing {
			return ErrNotProcessing
		}
		if err := s.failClaimed(txn, item, errorText(cause)); err != nil {
			return err
		}
		status = item.Status
		return nil
	})
	return status, err
}

func (s *BadgerStore) failClaimed(txn *badger.Txn, item *models.PendingSyncItem, msg string) error {
	other, err := activeID(txn, item.TenantID, item.EntityType, item.EntityID)
	if err != nil {
		return err
	}
	failAttempt(item, msg, other, s.opts.Now().UTC(), s.opts.Backoff)
	return save(txn, item, models.PendingStatusProcessing)
}

// Release implements Store.
func (s *BadgerStore) Release(ctx context.Context, id string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		item, err := getItem(txn, id)
		if err != nil {
			return err
		}
		if item.Status != models.PendingStatusProcessing {
			return ErrNotProcessing
		}
		other, err := activeID(txn, item.TenantID, item.EntityType, item.EntityID)
		if err != nil {
			return err
		}
		now := s.opts.Now().UTC()
		if other != "" {
			failAttempt(item, "released while claimed", other, now, s.opts.Backoff)
		} else {
			releaseClaim(item, now)
		}
		return save(txn, item, models.PendingStatusProcessing)
	})
}

// MarkFailedPermanent implements Store.
func (s *BadgerStore) MarkFailedPermanent(ctx context.Context, id string, cause error) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		item, err := getItem(txn, id)
		if err != nil {
			return err
		}
		if item.Status == models.PendingStatusCompleted {
			return ErrAlreadyTerminal
		}
		now := s.opts.Now().UTC()
		prev := item.Status
		item.Status = models.PendingStatusFailed
		item.LastError = errorText(cause)
		item.UpdatedAt = now
		item.ProcessedAt = &now
		return save(txn, item, prev)
	})
}

// RetryFailed implements Store.
func (s *BadgerStore) RetryFailed(ctx context.Context, tenantID string) (int, error) {
	count := 0
	err := s.update(ctx, func(txn *badger.Txn) error {
		now := s.opts.Now().UTC()
		count = 0

		var failed []*models.PendingSyncItem
		err := scanItems(txn, func(item *models.PendingSyncItem) error {
			if item.Status == models.PendingStatusFailed && (tenantID == "" || item.TenantID == tenantID) {
				failed = append(failed, item)
			}
			return nil
		})
		if err != nil {
			return err
		}
		// The most recently failed item of an entity wins its active slot.
		sort.Slice(failed, func(i, j int) bool {
			return failed[i].UpdatedAt.After(failed[j].UpdatedAt)
		})

		for _, item := range failed {
			other, err := activeID(txn, item.TenantID, item.EntityType, item.EntityID)
			if err != nil {
				return err
			}
			if other != "" {
				continue
			}
			item.Status = models.PendingStatusRetry
			item.Attempts = 0
			item.NextAttemptAt = now
			item.UpdatedAt = now
			item.ProcessedAt = nil
			if err := save(txn, item, models.PendingStatusFailed); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("retry failed items: %w", err)
	}
	return count, nil
}

// CleanupOldItems implements Store. Deletion runs in chunks so a large
// backlog never exceeds Badger's transaction size limit.
func (s *BadgerStore) CleanupOldItems(ctx context.Context, olderThanDays int) (int, error) {
	cutoff := s.opts.Now().UTC().Add(-time.Duration(olderThanDays) * 24 * time.Hour)

	var candidates []string
	err := s.db.View(func(txn *badger.Txn) error {
		return scanItems(txn, func(item *models.PendingSyncItem) error {
			if item.Status.Terminal() && item.UpdatedAt.Before(cutoff) {
				candidates = append(candidates, item.ID)
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("scan for cleanup: %w", err)
	}

	deleted := 0
	for start := 0; start < len(candidates); start += cleanupChunk {
		end := min(start+cleanupChunk, len(candidates))
		chunk := candidates[start:end]

		n := 0
		err := s.update(ctx, func(txn *badger.Txn) error {
			n = 0
			for _, id := range chunk {
				item, err := getItem(txn, id)
				if errors.Is(err, ErrNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				// Re-checked: RetryFailed may have revived it since the scan.
				if !item.Status.Terminal() || !item.UpdatedAt.Before(cutoff) {
					continue
				}
				if err := txn.Delete(itemKey(id)); err != nil {
					return fmt.Errorf("delete item %s: %w", id, err)
				}
				n++
			}
			return nil
		})
		if err != nil {
			return deleted, fmt.Errorf("cleanup old items: %w", err)
		}
		deleted += n
	}

	if deleted > 0 {
		metrics.PendingSyncRemoved.WithLabelValues("retention").Add(float64(deleted))
	}
	return deleted, nil
}

// Stats implements Store.
func (s *BadgerStore) Stats(ctx context.Context, tenantID string) (models.QueueStats, error) {
	stats := models.NewQueueStats(tenantID)
	err := s.db.View(func(txn *badger.Txn) error {
		return scanItems(txn, func(item *models.PendingSyncItem) error {
			if tenantID != "" && item.TenantID != tenantID {
				return nil
			}
			stats.ByStatus[item.Status]++
			stats.Total++
			return nil
		})
	})
	if err != nil {
		return stats, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

// RequeueStale implements Store.
func (s *BadgerStore) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	count := 0
	err := s.update(ctx, func(txn *badger.Txn) error {
		cutoff := s.opts.Now().UTC().Add(-olderThan)
		count = 0

		var stale []*models.PendingSyncItem
		err := scanItems(txn, func(item *models.PendingSyncItem) error {
			if item.Status == models.PendingStatusProcessing && item.UpdatedAt.Before(cutoff) {
				stale = append(stale, item)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, item := range stale {
			if err := s.failClaimed(txn, item, "claim lease expired"); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("requeue stale items: %w", err)
	}
	if count > 0 {
		metrics.PendingSyncRemoved.WithLabelValues("stale_requeue").Add(float64(count))
	}
	return count, nil
}
