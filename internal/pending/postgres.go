// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

package pending

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"

	"github.com/tomtom215/ledgerlink/internal/logging"
	"github.com/tomtom215/ledgerlink/internal/metrics"
	"github.com/tomtom215/ledgerlink/internal/models"
)

const itemsTable = "pending_sync_items"

var itemStruct = sqlbuilder.NewStruct(new(models.PendingSyncItem)).For(sqlbuilder.PostgreSQL)

// itemColumns is the RETURNING list matching models.PendingSyncItem.
var itemColumns = strings.Join(itemStruct.Columns(), ", ")

var activeStatuses = []any{models.PendingStatusPending, models.PendingStatusRetry}

// PostgresStore is the relational Store. Uniqueness of the active item per
// entity is enforced by a partial unique index; claims use SKIP LOCKED so
// concurrent workers never block on or share a row.
type PostgresStore struct {
	db   *sqlx.DB
	opts Options
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore returns a Store over db. The schema must already be migrated.
func NewPostgresStore(db *sqlx.DB, opts Options) *PostgresStore {
	return &PostgresStore{db: db, opts: opts.withDefaults()}
}

type upsertRow struct {
	models.PendingSyncItem
	Inserted bool `db:"inserted"`
}

// Enqueue implements Store.
func (s *PostgresStore) Enqueue(ctx context.Context, entity models.SyncableEntity) (*models.PendingSyncItem, error) {
	if err := validateEntity(entity); err != nil {
		return nil, err
	}
	now := s.opts.Now().UTC()

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(itemsTable)
	ib.Cols("id", "tenant_id", "entity_type", "entity_id", "operation", "payload", "status",
		"attempts", "max_attempts", "last_error", "next_attempt_at", "created_at", "updated_at")
	ib.Values(uuid.New().String(), entity.TenantID, entity.EntityType, entity.EntityID, entity.Operation,
		entity.Payload, models.PendingStatusPending, 0, s.opts.MaxAttempts, "", now, now, now)

	query, args := ib.Build()
	query += ` ON CONFLICT (tenant_id, entity_type, entity_id) WHERE status IN ('PENDING', 'RETRY')` +
		` DO UPDATE SET operation = EXCLUDED.operation, payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at` +
		` RETURNING ` + itemColumns + `, (xmax = 0) AS inserted`

	var row upsertRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		return nil, fmt.Errorf("enqueue %s/%s: %w", entity.EntityType, entity.EntityID, err)
	}

	if row.Inserted {
		metrics.PendingSyncEnqueued.WithLabelValues(entity.EntityType).Inc()
	}
	logging.Ctx(ctx).Debug().
		Str("item_id", row.ID).
		Str("entity_type", row.EntityType).
		Str("entity_id", row.EntityID).
		Bool("created", row.Inserted).
		Msg("Pending sync item enqueued")
	item := row.PendingSyncItem
	return &item, nil
}

// ClaimBatch implements Store.
func (s *PostgresStore) ClaimBatch(ctx context.Context, tenantID string, batchSize int) ([]*models.PendingSyncItem, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	now := s.opts.Now().UTC()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id").From(itemsTable)
	conds := []string{
		sb.In("status", activeStatuses...),
		sb.LessEqualThan("next_attempt_at", now),
	}
	if tenantID != "" {
		conds = append(conds, sb.Equal("tenant_id", tenantID))
	}
	sb.Where(conds...)
	sb.OrderBy("created_at").Asc()
	sb.Limit(batchSize)
	sb.SQL("FOR UPDATE SKIP LOCKED")

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(itemsTable)
	ub.Set(
		ub.Assign("status", models.PendingStatusProcessing),
		"attempts = attempts + 1",
		ub.Assign("updated_at", now),
	)
	ub.Where(ub.In("id", sb))

	query, args := ub.Build()
	query += " RETURNING " + itemColumns

	var rows []models.PendingSyncItem
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}

	// RETURNING order is unspecified.
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.Before(rows[j].CreatedAt) })
	out := make([]*models.PendingSyncItem, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

func (s *PostgresStore) status(ctx context.Context, q sqlx.QueryerContext, id string) (models.PendingStatus, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("status").From(itemsTable).Where(sb.Equal("id", id))
	query, args := sb.Build()

	var status models.PendingStatus
	err := sqlx.GetContext(ctx, q, &status, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get item %s: %w", id, err)
	}
	return status, nil
}

// MarkCompleted implements Store.
func (s *PostgresStore) MarkCompleted(ctx context.Context, id string) error {
	now := s.opts.Now().UTC()

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(itemsTable)
	ub.Set(
		ub.Assign("status", models.PendingStatusCompleted),
		ub.Assign("last_error", ""),
		ub.Assign("updated_at", now),
		ub.Assign("processed_at", now),
	)
	ub.Where(
		ub.Equal("id", id),
		ub.NotIn("status", models.PendingStatusCompleted, models.PendingStatusFailed),
	)
	query, args := ub.Build()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("mark completed %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	status, err := s.status(ctx, s.db, id)
	if err != nil {
		return err
	}
	if status == models.PendingStatusCompleted {
		return nil
	}
	return ErrAlreadyTerminal
}

// lockItem loads and row-locks an item inside tx.
func lockItem(ctx context.Context, tx *sqlx.Tx, id string) (*models.PendingSyncItem, error) {
	sb := itemStruct.SelectFrom(itemsTable)
	sb.Where(sb.Equal("id", id))
	sb.ForUpdate()
	query, args := sb.Build()

	var item models.PendingSyncItem
	err := tx.GetContext(ctx, &item, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock item %s: %w", id, err)
	}
	return &item, nil
}

// otherActive returns the id of an active item for the same entity, or "".
func otherActive(ctx context.Context, tx *sqlx.Tx, item *models.PendingSyncItem) (string, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id").From(itemsTable)
	sb.Where(
		sb.Equal("tenant_id", item.TenantID),
		sb.Equal("entity_type", item.EntityType),
		sb.Equal("entity_id", item.EntityID),
		sb.In("status", activeStatuses...),
		sb.NotEqual("id", item.ID),
	)
	sb.Limit(1)
	query, args := sb.Build()

	var id string
	err := tx.GetContext(ctx, &id, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find active item: %w", err)
	}
	return id, nil
}

func writeOutcome(ctx context.Context, tx *sqlx.Tx, item *models.PendingSyncItem) error {
	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(itemsTable)
	ub.Set(
		ub.Assign("status", item.Status),
		ub.Assign("last_error", item.LastError),
		ub.Assign("next_attempt_at", item.NextAttemptAt),
		ub.Assign("updated_at", item.UpdatedAt),
		ub.Assign("processed_at", item.ProcessedAt),
	)
	ub.Where(ub.Equal("id", item.ID))
	query, args := ub.Build()

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update item %s: %w", item.ID, err)
	}
	return nil
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) failLocked(ctx context.Context, tx *sqlx.Tx, item *models.PendingSyncItem, msg string) error {
	other, err := otherActive(ctx, tx, item)
	if err != nil {
		return err
	}
	failAttempt(item, msg, other, s.opts.Now().UTC(), s.opts.Backoff)
	return writeOutcome(ctx, tx, item)
}

// MarkFailed implements Store.
func (s *PostgresStore) MarkFailed(ctx context.Context, id string, cause error) (models.PendingStatus, error) {
	var status models.PendingStatus
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		item, err := lockItem(ctx, tx, id)
		if err != nil {
			return err
		}
		if item.Status != models.PendingStatusProcessing {
			return ErrNotProcessing
		}
		if err := s.failLocked(ctx, tx, item, errorText(cause)); err != nil {
			return err
		}
		status = item.Status
		return nil
	})
	return status, err
}

// Release implements Store.
func (s *PostgresStore) Release(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		item, err := lockItem(ctx, tx, id)
		if err != nil {
			return err
		}
		if item.Status != models.PendingStatusProcessing {
			return ErrNotProcessing
		}
		other, err := otherActive(ctx, tx, item)
		if err != nil {
			return err
		}
		now := s.opts.Now().UTC()
		if other != "" {
			failAttempt(item, "released while claimed", other, now, s.opts.Backoff)
			return writeOutcome(ctx, tx, item)
		}

		releaseClaim(item, now)
		ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
		ub.Update(itemsTable)
		ub.Set(
			ub.Assign("status", item.Status),
			ub.Assign("attempts", item.Attempts),
			ub.Assign("next_attempt_at", item.NextAttemptAt),
			ub.Assign("updated_at", item.UpdatedAt),
		)
		ub.Where(ub.Equal("id", item.ID))
		query, args := ub.Build()

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("release item %s: %w", item.ID, err)
		}
		return nil
	})
}

// MarkFailedPermanent implements Store.
func (s *PostgresStore) MarkFailedPermanent(ctx context.Context, id string, cause error) error {
	now := s.opts.Now().UTC()

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(itemsTable)
	ub.Set(
		ub.Assign("status", models.PendingStatusFailed),
		ub.Assign("last_error", errorText(cause)),
		ub.Assign("updated_at", now),
		ub.Assign("processed_at", now),
	)
	ub.Where(
		ub.Equal("id", id),
		ub.NotEqual("status", models.PendingStatusCompleted),
	)
	query, args := ub.Build()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.status(ctx, s.db, id); err != nil {
		return err
	}
	return ErrAlreadyTerminal
}

// RetryFailed implements Store. When an entity has several FAILED items only
// the most recently updated one is revived.
func (s *PostgresStore) RetryFailed(ctx context.Context, tenantID string) (int, error) {
	now := s.opts.Now().UTC()

	args := []any{now}
	tenantFilter := ""
	if tenantID != "" {
		args = append(args, tenantID)
		tenantFilter = " AND tenant_id = $2"
	}

	query := `UPDATE pending_sync_items f
SET status = 'RETRY', attempts = 0, next_attempt_at = $1, updated_at = $1, processed_at = NULL
WHERE f.id IN (
	SELECT DISTINCT ON (tenant_id, entity_type, entity_id) id
	FROM pending_sync_items
	WHERE status = 'FAILED'` + tenantFilter + `
	ORDER BY tenant_id, entity_type, entity_id, updated_at DESC
)
AND NOT EXISTS (
	SELECT 1 FROM pending_sync_items a
	WHERE a.tenant_id = f.tenant_id AND a.entity_type = f.entity_type AND a.entity_id = f.entity_id
	AND a.status IN ('PENDING', 'RETRY')
)`

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("retry failed items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("retry failed items: %w", err)
	}
	return int(n), nil
}

// CleanupOldItems implements Store.
func (s *PostgresStore) CleanupOldItems(ctx context.Context, olderThanDays int) (int, error) {
	cutoff := s.opts.Now().UTC().Add(-time.Duration(olderThanDays) * 24 * time.Hour)

	db := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	db.DeleteFrom(itemsTable)
	db.Where(
		db.In("status", models.PendingStatusCompleted, models.PendingStatusFailed),
		db.LessThan("updated_at", cutoff),
	)
	query, args := db.Build()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("cleanup old items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup old items: %w", err)
	}
	if n > 0 {
		metrics.PendingSyncRemoved.WithLabelValues("retention").Add(float64(n))
	}
	return int(n), nil
}

// Stats implements Store.
func (s *PostgresStore) Stats(ctx context.Context, tenantID string) (models.QueueStats, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("status", "COUNT(*) AS count").From(itemsTable)
	if tenantID != "" {
		sb.Where(sb.Equal("tenant_id", tenantID))
	}
	sb.GroupBy("status")
	query, args := sb.Build()

	var rows []struct {
		Status models.PendingStatus `db:"status"`
		Count  int                  `db:"count"`
	}
	stats := models.NewQueueStats(tenantID)
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return stats, fmt.Errorf("queue stats: %w", err)
	}
	for _, r := range rows {
		stats.ByStatus[r.Status] = r.Count
		stats.Total += r.Count
	}
	return stats, nil
}

// RequeueStale implements Store.
func (s *PostgresStore) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.opts.Now().UTC().Add(-olderThan)

	count := 0
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		sb := itemStruct.SelectFrom(itemsTable)
		sb.Where(
			sb.Equal("status", models.PendingStatusProcessing),
			sb.LessThan("updated_at", cutoff),
		)
		sb.ForUpdate()
		sb.SQL("SKIP LOCKED")
		query, args := sb.Build()

		var stale []models.PendingSyncItem
		if err := tx.SelectContext(ctx, &stale, query, args...); err != nil {
			return fmt.Errorf("select stale items: %w", err)
		}
		for i := range stale {
			if err := s.failLocked(ctx, tx, &stale[i], "claim lease expired"); err != nil {
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
