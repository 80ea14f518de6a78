// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/ledgerlink/internal/ledger"
	"github.com/tomtom215/ledgerlink/internal/logging"
	"github.com/tomtom215/ledgerlink/internal/models"
	syncpkg "github.com/tomtom215/ledgerlink/internal/sync"
)

type triggerSyncRequest struct {
	AccountID string `json:"account_id" validate:"required,identifier"`
}

// TriggerSync runs a sync for one account and returns its SyncResult.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	req := triggerSyncRequest{AccountID: chi.URLParam(r, "accountID")}
	if apiErr := validateRequest(&req); apiErr != nil {
		respondAPIError(w, http.StatusBadRequest, apiErr, nil)
		return
	}

	result, err := h.syncer.SyncAccount(r.Context(), req.AccountID)
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		respondError(w, r, http.StatusNotFound, codeAccountNotFound, "account not found", nil)
		return
	case err != nil:
		respondError(w, r, http.StatusInternalServerError, codeSyncFailed, "sync could not be completed", err)
		return
	}

	resp := models.TriggerSyncResponse{
		RequestID: logging.RequestIDFromContext(r.Context()),
		Result:    result,
	}
	if result.ErrorCode == models.CodeSyncInProgress {
		respondAPIError(w, http.StatusConflict, &models.APIError{
			Code:    result.ErrorCode,
			Message: result.ErrorMessage,
		}, resp)
		return
	}
	respondData(w, http.StatusOK, resp)
}

// Push queues and sends one outbound entity. 200 means the platform accepted
// it, 202 means it is queued for retry, 422 means it failed permanently.
func (h *Handler) Push(w http.ResponseWriter, r *http.Request) {
	if h.pusher == nil {
		respondError(w, r, http.StatusNotImplemented, codePushDisabled, ErrPushDisabled.Error(), nil)
		return
	}

	var entity models.OutboundEntity
	if err := decodeBody(w, r, &entity, false); err != nil {
		respondError(w, r, bodyErrorStatus(err), codeInvalidBody, err.Error(), nil)
		return
	}
	if apiErr := validateRequest(&entity); apiErr != nil {
		respondAPIError(w, http.StatusBadRequest, apiErr, nil)
		return
	}

	result, err := h.pusher.Push(r.Context(), &entity)
	switch {
	case errors.Is(err, syncpkg.ErrPushUnsupported):
		respondError(w, r, http.StatusNotImplemented, codePushDisabled, err.Error(), nil)
		return
	case err != nil:
		respondError(w, r, http.StatusInternalServerError, codePushFailed, "push could not be recorded", err)
		return
	}

	switch {
	case result.Success:
		respondData(w, http.StatusOK, result)
	case result.Queued:
		respondData(w, http.StatusAccepted, result)
	default:
		respondAPIError(w, http.StatusUnprocessableEntity, &models.APIError{
			Code:    result.ErrorCode,
			Message: result.ErrorMessage,
		}, result)
	}
}
