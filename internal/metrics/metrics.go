// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "Duration of API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "api_active_requests",
			Help: "Number of in-flight API requests",
		},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "result"}, // success, failure, timeout, excluded, rejected, fallback
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// Sync Metrics
	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "account_sync_duration_seconds",
			Help:    "Duration of account sync operations in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"result"},
	)

	SyncResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "account_sync_results_total",
			Help: "Account sync outcomes by result code",
		},
		[]string{"code"},
	)

	SyncRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "account_sync_records_total",
			Help: "Records fetched from the provider, split into new and duplicate",
		},
		[]string{"kind"},
	)

	// Pending Sync Queue Metrics
	PendingSyncEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pending_sync_enqueued_total",
			Help: "Work items written to the pending sync queue",
		},
		[]string{"entity_type"},
	)

	PendingSyncProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pending_sync_processed_total",
			Help: "Work items processed by the recovery job",
		},
		[]string{"entity_type", "result"}, // completed, retry, failed
	)

	PendingSyncQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pending_sync_queue_depth",
			Help: "Pending sync items by status",
		},
		[]string{"status"},
	)

	PendingSyncRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pending_sync_removed_total",
			Help: "Items deleted by the retention sweep or requeued after a lost claim",
		},
		[]string{"reason"}, // retention, stale_requeue
	)

	RecoveryCyclesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recovery_cycles_skipped_total",
			Help: "Recovery drain cycles skipped because the provider breaker was open",
		},
	)

	// Token Metrics
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_refreshes_total",
			Help: "Access token refresh attempts",
		},
		[]string{"result"}, // success, revoked, failure
	)

	// Provider Metrics
	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_request_duration_seconds",
			Help:    "Duration of outbound provider API calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "kind"},
	)
)

// RecordAPIRequest records an API request metric.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// TrackActiveRequest increments or decrements in-flight requests.
func TrackActiveRequest(inc bool) {
	if inc {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}

// RecordSyncResult records the outcome of one SyncAccount call. code is empty
// on success.
func RecordSyncResult(duration time.Duration, code string, newRecords, duplicates int) {
	result := "success"
	if code != "" {
		result = "failure"
	} else {
		code = "OK"
	}
	SyncDuration.WithLabelValues(result).Observe(duration.Seconds())
	SyncResults.WithLabelValues(code).Inc()
	SyncRecords.WithLabelValues("new").Add(float64(newRecords))
	SyncRecords.WithLabelValues("duplicate").Add(float64(duplicates))
}

// RecordPendingProcessed records the outcome of one recovery attempt.
func RecordPendingProcessed(entityType, result string) {
	PendingSyncProcessed.WithLabelValues(entityType, result).Inc()
}

// UpdateQueueDepth replaces the queue depth gauges.
func UpdateQueueDepth(byStatus map[string]int) {
	for status, n := range byStatus {
		PendingSyncQueueDepth.WithLabelValues(status).Set(float64(n))
	}
}

// RecordTokenRefresh records a token refresh outcome.
func RecordTokenRefresh(result string) {
	TokenRefreshes.WithLabelValues(result).Inc()
}

// RecordProviderCall records an outbound provider call. kind is "ok" or the
// classified error kind.
func RecordProviderCall(operation, kind string, duration time.Duration) {
	ProviderRequestDuration.WithLabelValues(operation, kind).Observe(duration.Seconds())
}
