// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

package models

import "time"

// PendingStatus is the state of a queued work item.
type PendingStatus string

const (
	PendingStatusPending    PendingStatus = "PENDING"
	PendingStatusProcessing PendingStatus = "PROCESSING"
	PendingStatusRetry      PendingStatus = "RETRY"
	PendingStatusCompleted  PendingStatus = "COMPLETED"
	PendingStatusFailed     PendingStatus = "FAILED"
)

// AllPendingStatuses lists every status in lifecycle order.
var AllPendingStatuses = []PendingStatus{
	PendingStatusPending,
	PendingStatusProcessing,
	PendingStatusRetry,
	PendingStatusCompleted,
	PendingStatusFailed,
}

// Active reports whether the status counts toward the one-per-entity rule.
func (s PendingStatus) Active() bool {
	return s == PendingStatusPending || s == PendingStatusRetry
}

// Terminal reports whether the item is eligible for the retention sweep.
func (s PendingStatus) Terminal() bool {
	return s == PendingStatusCompleted || s == PendingStatusFailed
}

// Entity types handled by the recovery job.
const (
	EntityAccountSync  = "account_sync"
	EntityOutboundPush = "outbound_push"
)

// Operations recorded on queued items.
const (
	OperationFetchTransactions = "fetch_transactions"
	OperationPush              = "push"
)

// SyncableEntity describes work to enqueue.
type SyncableEntity struct {
	TenantID   string
	EntityType string
	EntityID   string
	Operation  string
	Payload    []byte
}

// PendingSyncItem is one durable unit of retryable work.
type PendingSyncItem struct {
	ID          string        `json:"id" db:"id"`
	TenantID    string        `json:"tenant_id" db:"tenant_id"`
	EntityType  string        `json:"entity_type" db:"entity_type"`
	EntityID    string        `json:"entity_id" db:"entity_id"`
	Operation   string        `json:"operation" db:"operation"`
	Payload     []byte        `json:"payload,omitempty" db:"payload"`
	Status      PendingStatus `json:"status" db:"status"`
	Attempts    int           `json:"attempts" db:"attempts"`
	MaxAttempts int           `json:"max_attempts" db:"max_attempts"`
	LastError   string        `json:"last_error,omitempty" db:"last_error"`
	// NextAttemptAt holds a RETRY item back until its backoff has elapsed.
	NextAttemptAt time.Time  `json:"next_attempt_at" db:"next_attempt_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty" db:"processed_at"`
}

// QueueStats counts items by status for one tenant (or all tenants).
type QueueStats struct {
	TenantID string                `json:"tenant_id,omitempty"`
	ByStatus map[PendingStatus]int `json:"by_status"`
	Total    int                   `json:"total"`
}

// NewQueueStats returns stats with every status present at zero.
func NewQueueStats(tenantID string) QueueStats {
	s := QueueStats{TenantID: tenantID, ByStatus: make(map[PendingStatus]int, len(AllPendingStatuses))}
	for _, st := range AllPendingStatuses {
		s.ByStatus[st] = 0
	}
	return s
}
