// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/tomtom215/ledgerlink/internal/breaker"
	"github.com/tomtom215/ledgerlink/internal/models"
)

const pingTimeout = 2 * time.Second

// Health reports storage reachability and breaker states.
//
// The response is 503 only when storage is unreachable. An OPEN breaker
// makes the status "degraded": the service still accepts work and queues it.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	storageOK := true
	if h.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		storageOK = h.ping(ctx) == nil
		cancel()
	}

	status := "healthy"
	states := make(map[string]string)
	for _, snap := range h.breakers.Snapshots() {
		states[snap.Name] = snap.State.String()
		if snap.State == breaker.StateOpen {
			status = "degraded"
		}
	}

	code := http.StatusOK
	if !storageOK {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	health := models.HealthResponse{
		Status:   status,
		Storage:  h.storage,
		Breakers: states,
		Uptime:   time.Since(h.startTime).Seconds(),
	}
	if code != http.StatusOK {
		respondAPIError(w, code, &models.APIError{
			Code:    codeUnavailable,
			Message: "storage backend unreachable",
		}, health)
		return
	}
	respondData(w, code, health)
}

// HealthLive returns 200 while the process is serving requests.
func (h *Handler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	respondData(w, http.StatusOK, map[string]interface{}{
		"alive":  true,
		"uptime": time.Since(h.startTime).Seconds(),
	})
}
