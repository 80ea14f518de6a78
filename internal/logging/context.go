// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	accountIDKey contextKey = "account_id"
	tenantIDKey  contextKey = "tenant_id"
)

// NewRequestID returns a random request identifier.
func NewRequestID() string {
	return uuid.New().String()
}

// ContextWithRequestID stores a request id for Ctx to pick up.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the request id or "".
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithAccount tags every Ctx log line with the tenant and account.
func ContextWithAccount(ctx context.Context, tenantID, accountID string) context.Context {
	ctx = context.WithValue(ctx, tenantIDKey, tenantID)
	return context.WithValue(ctx, accountIDKey, accountID)
}

// Ctx returns the global logger enriched with ids found in ctx.
func Ctx(ctx context.Context) *zerolog.Logger {
	logCtx := Logger().With()
	if id := RequestIDFromContext(ctx); id != "" {
		logCtx = logCtx.Str("request_id", id)
	}
	if id, ok := ctx.Value(tenantIDKey).(string); ok && id != "" {
		logCtx = logCtx.Str("tenant_id", id)
	}
	if id, ok := ctx.Value(accountIDKey).(string); ok && id != "" {
		logCtx = logCtx.Str("account_id", id)
	}
	l := logCtx.Logger()
	return &l
}
