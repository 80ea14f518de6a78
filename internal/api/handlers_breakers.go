// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/ledgerlink/internal/logging"
)

// Breakers lists every circuit breaker with its counters.
func (h *Handler) Breakers(w http.ResponseWriter, _ *http.Request) {
	respondData(w, http.StatusOK, h.breakers.Snapshots())
}

// ResetBreaker forces the named breaker CLOSED and clears its counters.
func (h *Handler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	b, ok := h.breakers.Lookup(name)
	if !ok {
		respondError(w, r, http.StatusNotFound, codeBreakerNotFound, "no breaker named "+sanitizeLogValue(name), nil)
		return
	}

	before := b.State()
	b.Reset()
	logging.Ctx(r.Context()).Warn().
		Str("breaker", name).
		Str("from", before.String()).
		Msg("Circuit breaker reset by operator")

	respondData(w, http.StatusOK, b.Metrics())
}
