// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

package api

import "errors"

var (
	// ErrBodyTooLarge is returned when a request body exceeds maxBodyBytes.
	ErrBodyTooLarge = errors.New("request body too large")

	// ErrPushDisabled is returned when no pusher was configured.
	ErrPushDisabled = errors.New("outbound push is not configured")
)

// Error codes used in APIError.Code.
const (
	codeValidation      = "VALIDATION_ERROR"
	codeInvalidBody     = "INVALID_BODY"
	codeAccountNotFound = "ACCOUNT_NOT_FOUND"
	codeBreakerNotFound = "BREAKER_NOT_FOUND"
	codeSyncFailed      = "SYNC_FAILED"
	codePushFailed      = "PUSH_FAILED"
	codePushDisabled    = "PUSH_DISABLED"
	codeQueueError      = "QUEUE_ERROR"
	codeUnavailable     = "SERVICE_UNAVAILABLE"
)
