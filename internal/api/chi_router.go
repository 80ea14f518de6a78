// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/ledgerlink/internal/middleware"
)

// RouterConfig tunes the router.
type RouterConfig struct {
	// RateLimit applies per client IP to every /api/v1 route except health.
	RateLimit RateLimitConfig
}

// NewRouter configures all HTTP routes.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(APISecurityHeaders())
		r.Use(middleware.PrometheusMetrics)

		r.Group(func(r chi.Router) {
			r.Use(rateLimit(RateLimitHealth))
			r.Get("/health", h.Health)
			r.Get("/health/live", h.HealthLive)
		})

		r.Group(func(r chi.Router) {
			r.Use(rateLimit(cfg.RateLimit))

			r.Post("/accounts/{accountID}/sync", h.TriggerSync)
			r.Post("/push", h.Push)

			r.Get("/queue/stats", h.QueueStats)
			r.Post("/queue/retry-failed", h.RetryFailed)

			r.Get("/breakers", h.Breakers)
			r.Post("/breakers/{name}/reset", h.ResetBreaker)
		})
	})

	return r
}
