// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

package api

import (
	"net/http"

	"github.com/tomtom215/ledgerlink/internal/logging"
	"github.com/tomtom215/ledgerlink/internal/models"
)

type queueStatsRequest struct {
	TenantID string `json:"tenant_id" validate:"omitempty,identifier"`
}

// QueueStats returns pending item counts by status. Without tenant_id the
// counts cover every tenant.
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	req := queueStatsRequest{TenantID: r.URL.Query().Get("tenant_id")}
	if apiErr := validateRequest(&req); apiErr != nil {
		respondAPIError(w, http.StatusBadRequest, apiErr, nil)
		return
	}

	stats, err := h.queue.Stats(r.Context(), req.TenantID)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, codeQueueError, "queue statistics unavailable", err)
		return
	}
	respondData(w, http.StatusOK, stats)
}

// RetryFailed moves FAILED items back to RETRY with zero attempts. An empty
// body or tenant_id covers every tenant.
func (h *Handler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	var req models.RetryFailedRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		respondError(w, r, bodyErrorStatus(err), codeInvalidBody, err.Error(), nil)
		return
	}
	if apiErr := validateRequest(&req); apiErr != nil {
		respondAPIError(w, http.StatusBadRequest, apiErr, nil)
		return
	}

	n, err := h.queue.RetryFailed(r.Context(), req.TenantID)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, codeQueueError, "failed items could not be retried", err)
		return
	}

	logging.Ctx(r.Context()).Info().
		Str("tenant_id", req.TenantID).
		Int("requeued", n).
		Msg("Operator retried failed pending items")
	respondData(w, http.StatusOK, models.RetryFailedResponse{Requeued: n})
}
