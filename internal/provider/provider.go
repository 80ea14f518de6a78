// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

// Package provider is the boundary to the remote open-banking and accounting
// APIs. Adapters classify every failure into an ErrorKind before returning it.
package provider

import (
	"context"
	"time"

	"github.com/tomtom215/ledgerlink/internal/models"
)

// RemoteProvider is the capability the sync engine needs from an integration.
type RemoteProvider interface {
	// Name is the integration name; it doubles as the breaker name.
	Name() string

	// FetchTransactions lists transactions booked in [from, to].
	FetchTransactions(ctx context.Context, accessToken, accountRef string, from, to time.Time) ([]models.ProviderTransaction, error)

	// RefreshToken exchanges a refresh token for a new pair. A revoked or
	// invalid refresh token yields an *Error of KindCredentialRevoked.
	RefreshToken(ctx context.Context, refreshToken string) (*models.RefreshedToken, error)
}

// Pusher is implemented by providers that accept outbound documents. The
// idempotency key makes a retried push a no-op on the remote side.
type Pusher interface {
	PushEntity(ctx context.Context, accessToken string, entity *models.OutboundEntity, idempotencyKey string) (remoteID string, err error)
}
