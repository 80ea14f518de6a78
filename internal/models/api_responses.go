// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

package models

import "time"

// APIResponse is the envelope for every JSON response:
//
//	{"status":"success","data":{...},"metadata":{"timestamp":"..."}}
//	{"status":"error","data":null,"error":{"code":"NOT_FOUND","message":"..."}}
type APIResponse struct {
	Status   string      `json:"status"`
	Data     interface{} `json:"data"`
	Metadata Metadata    `json:"metadata"`
	Error    *APIError   `json:"error,omitempty"`
}

// Metadata carries response bookkeeping.
type Metadata struct {
	Timestamp   time.Time `json:"timestamp"`
	QueryTimeMS int64     `json:"query_time_ms,omitempty"`
}

// APIError is a machine-readable error.
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// TriggerSyncResponse wraps a SyncResult with the request id that produced it.
type TriggerSyncResponse struct {
	RequestID string      `json:"request_id"`
	Result    *SyncResult `json:"result"`
}

// RetryFailedRequest is the body of POST /api/v1/queue/retry-failed.
type RetryFailedRequest struct {
	TenantID string `json:"tenant_id" validate:"omitempty,identifier"`
}

// RetryFailedResponse reports how many items were re-queued.
type RetryFailedResponse struct {
	Requeued int `json:"requeued"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status   string            `json:"status"`
	Storage  string            `json:"storage"`
	Breakers map[string]string `json:"breakers"`
	Uptime   float64           `json:"uptime_seconds"`
}
