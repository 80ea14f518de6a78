// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

// Package pending is the durable queue of work items that failed against a
// remote provider and await retry.
//
// Item lifecycle:
//
//	PENDING ──claim──▶ PROCESSING ──ok──▶ COMPLETED
//	   ▲                   │
//	   │                   ├─fail, attempts < max──▶ RETRY ──claim──▶ PROCESSING
//	   │                   └─fail, attempts = max──▶ FAILED
//	   └──── RetryFailed (operator) ◀──────────────────┘
//
// At most one PENDING or RETRY item exists per (tenant, entity type, entity id).
// Enqueueing a tuple that already has one updates that item in place.
package pending

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tomtom215/ledgerlink/internal/models"
)

// maxErrorText caps the last_error text stored on an item, in bytes.
const maxErrorText = 1024

var (
	// ErrNotFound is returned when no item has the given id.
	ErrNotFound = errors.New("pending sync item not found")
	// ErrInvalidEntity is returned by Enqueue when the tuple is incomplete.
	ErrInvalidEntity = errors.New("syncable entity requires tenant, entity type and entity id")
	// ErrNotProcessing is returned by MarkFailed for an item that is not claimed.
	ErrNotProcessing = errors.New("pending sync item is not being processed")
	// ErrAlreadyTerminal is returned when a finished item would change outcome.
	ErrAlreadyTerminal = errors.New("pending sync item already finished")
	// ErrPermanent marks a processing failure that no retry can fix.
	ErrPermanent = errors.New("permanent failure")
)

// Permanent wraps err so the recovery job fails the item without retrying.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Store is the pending-sync queue. Implementations return store errors to the
// caller rather than retrying them.
type Store interface {
	// Enqueue adds work for an entity, or updates the operation and payload of
	// the entity's active item.
	Enqueue(ctx context.Context, entity models.SyncableEntity) (*models.PendingSyncItem, error)

	// ClaimBatch moves up to batchSize due PENDING/RETRY items, oldest first,
	// to PROCESSING and increments their attempts. An empty tenantID claims
	// across all tenants. No item is handed to two callers.
	ClaimBatch(ctx context.Context, tenantID string, batchSize int) ([]*models.PendingSyncItem, error)

	MarkCompleted(ctx context.Context, id string) error

	// MarkFailed records a failed attempt on a claimed item and returns its
	// new status: RETRY while attempts remain, FAILED otherwise.
	MarkFailed(ctx context.Context, id string, cause error) (models.PendingStatus, error)

	// MarkFailedPermanent moves an unfinished item straight to FAILED.
	MarkFailedPermanent(ctx context.Context, id string, cause error) error

	// RetryFailed resets FAILED items to RETRY with zero attempts. Items whose
	// entity already has an active item are left FAILED.
	RetryFailed(ctx context.Context, tenantID string) (int, error)

	// CleanupOldItems deletes COMPLETED and FAILED items last updated more
	// than olderThanDays days ago.
	CleanupOldItems(ctx context.Context, olderThanDays int) (int, error)

	Stats(ctx context.Context, tenantID string) (models.QueueStats, error)

	// RequeueStale fails PROCESSING items claimed longer ago than olderThan,
	// as if their worker had reported an error.
	RequeueStale(ctx context.Context, olderThan time.Duration) (int, error)

	// Release hands a claimed item back as RETRY without spending the
	// attempt the claim counted. An item superseded while claimed ends
	// FAILED, as with MarkFailed.
	Release(ctx context.Context, id string) error
}

// MaxBackoff caps the delay between retries of one item.
const MaxBackoff = 5 * time.Minute

// Options tune a store.
type Options struct {
	// MaxAttempts is stamped on newly created items.
	MaxAttempts int
	// Backoff returns the delay before a RETRY item becomes claimable again,
	// given the attempts made so far.
	Backoff func(attempts int) time.Duration
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Backoff == nil {
		o.Backoff = ExponentialBackoff(30 * time.Second)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// ExponentialBackoff returns base·2^attempts, capped at MaxBackoff.
func ExponentialBackoff(base time.Duration) func(attempts int) time.Duration {
	return func(attempts int) time.Duration {
		if attempts > 50 {
			return MaxBackoff
		}
		if attempts < 0 {
			attempts = 0
		}
		d := time.Duration(float64(base) * math.Pow(2, float64(attempts)))
		if d < 0 || d > MaxBackoff {
			return MaxBackoff
		}
		return d
	}
}

func validateEntity(e models.SyncableEntity) error {
	if strings.TrimSpace(e.TenantID) == "" || e.EntityType == "" || e.EntityID == "" {
		return ErrInvalidEntity
	}
	return nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return truncateUTF8(err.Error(), maxErrorText)
}

// truncateUTF8 cuts s to at most n bytes on a rune boundary and replaces any
// invalid sequences, so the text is always storable as UTF-8.
func truncateUTF8(s string, n int) string {
	if len(s) > n {
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		s = s[:n]
	}
	return strings.ToValidUTF8(s, "\uFFFD")
}

// releaseClaim undoes a claim: the item is due again immediately and the
// attempt counted by ClaimBatch is given back.
func releaseClaim(item *models.PendingSyncItem, now time.Time) {
	item.Status = models.PendingStatusRetry
	if item.Attempts > 0 {
		item.Attempts--
	}
	item.NextAttemptAt = now
	item.UpdatedAt = now
}

// failAttempt applies a failed attempt to a PROCESSING item. supersededBy is
// the id of another active item for the same entity, if any; the item then
// finishes FAILED so the newer item keeps the entity's active slot.
func failAttempt(item *models.PendingSyncItem, msg, supersededBy string, now time.Time, backoff func(int) time.Duration) {
	item.LastError = msg
	item.UpdatedAt = now
	switch {
	case item.Attempts >= item.MaxAttempts:
		item.Status = models.PendingStatusFailed
	case supersededBy != "":
		item.Status = models.PendingStatusFailed
		item.LastError = "superseded by " + supersededBy + ": " + msg
	default:
		item.Status = models.PendingStatusRetry
		item.NextAttemptAt = now.Add(backoff(item.Attempts))
		return
	}
	item.ProcessedAt = &now
}
