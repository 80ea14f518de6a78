// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/tomtom215/ledgerlink/internal/models"
	"github.com/tomtom215/ledgerlink/internal/pending"
	"github.com/tomtom215/ledgerlink/internal/provider"
)

func invoice(id string) *models.OutboundEntity {
	return &models.OutboundEntity{
		TenantID:  "t1",
		AccountID: "a1",
		Kind:      "invoice",
		EntityID:  id,
		Body:      []byte(`{"total":100}`),
	}
}

func TestPushSuccess(t *testing.T) {
	f := newFixture(t)
	result, err := f.orch.Push(context.Background(), invoice("inv-1"))
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if !result.Success || result.RemoteID != "remote-inv-1" {
		t.Errorf("Push() = %+v", result)
	}
	if len(f.remote.pushes) != 1 || f.remote.pushes[0].idempotencyKey != result.ItemID {
		t.Errorf("pushes = %+v, want item id as idempotency key", f.remote.pushes)
	}
	if stats := f.queueStats(t); stats.ByStatus[models.PendingStatusCompleted] != 1 {
		t.Errorf("queue = %+v, want one COMPLETED item", stats.ByStatus)
	}
}

func TestPushTransientFailureReplaysWithSameKey(t *testing.T) {
	f := newFixture(t)
	f.remote.pushErr = provider.NewError(provider.KindUnavailable, "push", "503", nil)

	result, err := f.orch.Push(context.Background(), invoice("inv-1"))
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if result.Success || !result.Queued || result.ErrorCode != models.CodeProviderUnavailable {
		t.Errorf("Push() = %+v, want queued failure", result)
	}

	items, err := f.queue.ClaimBatch(context.Background(), "t1", 10)
	if err != nil || len(items) != 1 {
		t.Fatalf("ClaimBatch() = %d items, %v", len(items), err)
	}
	if items[0].EntityType != models.EntityOutboundPush || items[0].ID != result.ItemID {
		t.Errorf("queued item = %+v", items[0])
	}

	f.remote.pushErr = nil
	if err := f.orch.ReplayPush(context.Background(), items[0]); err != nil {
		t.Fatalf("ReplayPush() error = %v", err)
	}
	if len(f.remote.pushes) != 2 || f.remote.pushes[0].idempotencyKey != f.remote.pushes[1].idempotencyKey {
		t.Errorf("pushes = %+v, want the same idempotency key twice", f.remote.pushes)
	}
}

func TestPushPermanentFailure(t *testing.T) {
	f := newFixture(t)
	f.remote.pushErr = provider.NewError(provider.KindRejected, "push", "422 invalid invoice", nil)

	result, err := f.orch.Push(context.Background(), invoice("inv-1"))
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if result.Success || result.Queued {
		t.Errorf("Push() = %+v, want unqueued failure", result)
	}
	if stats := f.queueStats(t); stats.ByStatus[models.PendingStatusFailed] != 1 {
		t.Errorf("queue = %+v, want one FAILED item", stats.ByStatus)
	}
}

func TestReplayPushErrors(t *testing.T) {
	f := newFixture(t)

	bad := &models.PendingSyncItem{ID: "i1", EntityType: models.EntityOutboundPush, Payload: []byte("not json")}
	if err := f.orch.ReplayPush(context.Background(), bad); !errors.Is(err, pending.ErrPermanent) {
		t.Errorf("ReplayPush(bad payload) error = %v, want permanent", err)
	}

	f.remote.pushErr = provider.NewError(provider.KindTimeout, "push", "", nil)
	item := &models.PendingSyncItem{ID: "i2", EntityType: models.EntityOutboundPush, Payload: []byte(`{"tenant_id":"t1","account_id":"a1","kind":"invoice","entity_id":"inv-2","body":{}}`)}
	err := f.orch.ReplayPush(context.Background(), item)
	if err == nil || errors.Is(err, pending.ErrPermanent) {
		t.Errorf("ReplayPush(timeout) error = %v, want retryable", err)
	}
}
