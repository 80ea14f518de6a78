// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

package api

import (
	"context"
	"time"

	"github.com/tomtom215/ledgerlink/internal/breaker"
	"github.com/tomtom215/ledgerlink/internal/models"
	syncpkg "github.com/tomtom215/ledgerlink/internal/sync"
)

// AccountSyncer runs one account sync.
type AccountSyncer interface {
	SyncAccount(ctx context.Context, accountID string) (*models.SyncResult, error)
}

// EntityPusher sends one outbound entity.
type EntityPusher interface {
	Push(ctx context.Context, entity *models.OutboundEntity) (*syncpkg.PushResult, error)
}

// QueueAdmin is the part of the pending store the operator endpoints use.
type QueueAdmin interface {
	Stats(ctx context.Context, tenantID string) (models.QueueStats, error)
	RetryFailed(ctx context.Context, tenantID string) (int, error)
}

// Deps are the Handler's collaborators. Pusher and Ping may be nil.
type Deps struct {
	Syncer   AccountSyncer
	Pusher   EntityPusher
	Queue    QueueAdmin
	Breakers *breaker.Registry
	// Storage names the backend reported by the health endpoint.
	Storage string
	// Ping checks the storage backend.
	Ping func(ctx context.Context) error
}

// Handler contains dependencies for API handlers
//
// Handler methods are split across files:
//   - handlers_sync.go: sync and push triggers
//   - handlers_queue.go: pending queue inspection and retry
//   - handlers_breakers.go: breaker inspection and reset
//   - handlers_health.go: health endpoint
type Handler struct {
	syncer    AccountSyncer
	pusher    EntityPusher
	queue     QueueAdmin
	breakers  *breaker.Registry
	storage   string
	ping      func(ctx context.Context) error
	startTime time.Time
}

// NewHandler creates a Handler.
func NewHandler(d Deps) *Handler {
	return &Handler{
		syncer:    d.Syncer,
		pusher:    d.Pusher,
		queue:     d.Queue,
		breakers:  d.Breakers,
		storage:   d.Storage,
		ping:      d.Ping,
		startTime: time.Now(),
	}
}
