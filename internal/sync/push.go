// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/tomtom215/ledgerlink/internal/breaker"
	"github.com/tomtom215/ledgerlink/internal/ledger"
	"github.com/tomtom215/ledgerlink/internal/logging"
	"github.com/tomtom215/ledgerlink/internal/models"
	"github.com/tomtom215/ledgerlink/internal/pending"
	"github.com/tomtom215/ledgerlink/internal/provider"
	"github.com/tomtom215/ledgerlink/internal/token"
)

// ErrPushUnsupported is returned when the provider cannot receive entities.
var ErrPushUnsupported = errors.New("provider does not accept outbound entities")

// PushResult is the outcome of Push.
type PushResult struct {
	ItemID       string `json:"item_id"`
	Success      bool   `json:"success"`
	RemoteID     string `json:"remote_id,omitempty"`
	Queued       bool   `json:"queued,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Push sends entity to the accounting platform. The entity is queued first
// and the queue item id is the idempotency key, so a retry by the recovery
// job can never post it twice. A transient failure leaves the item queued.
func (o *Orchestrator) Push(ctx context.Context, entity *models.OutboundEntity) (*PushResult, error) {
	if o.pusher == nil {
		return nil, ErrPushUnsupported
	}
	payload, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("encode entity: %w", err)
	}
	item, err := o.queue.Enqueue(ctx, models.SyncableEntity{
		TenantID:   entity.TenantID,
		EntityType: models.EntityOutboundPush,
		EntityID:   entity.Kind + ":" + entity.EntityID,
		Operation:  models.OperationPush,
		Payload:    payload,
	})
	if err != nil {
		return nil, fmt.Errorf("queue push: %w", err)
	}

	result := &PushResult{ItemID: item.ID}
	remoteID, err := o.push(ctx, entity, item.ID)
	if err == nil {
		if err := o.queue.MarkCompleted(o.detached(ctx), item.ID); err != nil {
			return nil, fmt.Errorf("complete push: %w", err)
		}
		result.Success = true
		result.RemoteID = remoteID
		return result, nil
	}
	if errors.Is(err, token.ErrStore) {
		return nil, err
	}

	result.ErrorCode = failureCode(err)
	result.ErrorMessage = err.Error()
	if pushPermanent(err) {
		if err := o.queue.MarkFailedPermanent(o.detached(ctx), item.ID, err); err != nil {
			return nil, fmt.Errorf("fail push: %w", err)
		}
		return result, nil
	}
	result.Queued = true
	logging.Ctx(ctx).Warn().Err(err).Str("item_id", item.ID).Msg("Push failed, queued for retry")
	return result, nil
}

// ReplayPush re-sends a queued outbound_push item with its original
// idempotency key.
func (o *Orchestrator) ReplayPush(ctx context.Context, item *models.PendingSyncItem) error {
	if o.pusher == nil {
		return pending.Permanent(ErrPushUnsupported)
	}
	var entity models.OutboundEntity
	if err := json.Unmarshal(item.Payload, &entity); err != nil {
		return pending.Permanent(fmt.Errorf("decode entity: %w", err))
	}
	_, err := o.push(ctx, &entity, item.ID)
	if err != nil && pushPermanent(err) {
		return pending.Permanent(err)
	}
	return err
}

func (o *Orchestrator) push(ctx context.Context, entity *models.OutboundEntity, idempotencyKey string) (string, error) {
	account, err := o.accounts.GetAccount(ctx, entity.AccountID)
	if err != nil {
		return "", fmt.Errorf("%w: load account: %w", token.ErrStore, err)
	}
	if !account.Status.Usable() {
		return "", fmt.Errorf("%w: account %s is %s", token.ErrCredentialRevoked, account.ID, account.Status)
	}
	accessToken, err := o.tokens.AccessToken(ctx, account)
	if err != nil {
		return "", err
	}

	res := breaker.Execute(ctx, o.breaker, func(callCtx context.Context) (string, error) {
		return o.pusher.PushEntity(callCtx, accessToken, entity, idempotencyKey)
	}, nil)
	return res.Unwrap()
}

func pushPermanent(err error) bool {
	return provider.IsPermanent(err) ||
		errors.Is(err, provider.ErrRejected) ||
		errors.Is(err, ledger.ErrAccountNotFound) ||
		errors.Is(err, token.ErrCredentialRevoked) ||
		errors.Is(err, token.ErrCredentialUnreadable)
}
