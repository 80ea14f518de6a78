// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

// Package recovery drains the pending-sync queue in the background and
// sweeps finished items past their retention.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/ledgerlink/internal/breaker"
	"github.com/tomtom215/ledgerlink/internal/logging"
	"github.com/tomtom215/ledgerlink/internal/metrics"
	"github.com/tomtom215/ledgerlink/internal/models"
	"github.com/tomtom215/ledgerlink/internal/pending"
)

// ErrNoHandler is recorded on items whose entity type has no handler.
var ErrNoHandler = errors.New("no handler registered for entity type")

// Handler processes one claimed item. Returning an error wrapped with
// pending.Permanent fails the item without retry; any other error schedules
// a retry while attempts remain.
type Handler func(ctx context.Context, item *models.PendingSyncItem) error

// Config tunes a Job. Zero values take the defaults.
type Config struct {
	Interval       time.Duration
	BatchSize      int
	MaxBatches     int
	LeaseTimeout   time.Duration
	HandlerTimeout time.Duration
	// TenantID restricts the job to one tenant; empty drains all tenants.
	TenantID string
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxBatches <= 0 {
		c.MaxBatches = 10
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 10 * time.Minute
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 2 * time.Minute
	}
	return c
}

// Job is the recovery loop. While the provider breaker is OPEN it leaves the
// queue alone so retries do not burn attempts against a known outage.
type Job struct {
	queue   pending.Store
	breaker *breaker.Breaker
	cfg     Config

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewJob returns a Job. b may be nil to drain regardless of breaker state.
func NewJob(queue pending.Store, b *breaker.Breaker, cfg Config) *Job {
	return &Job{
		queue:    queue,
		breaker:  b,
		cfg:      cfg.withDefaults(),
		handlers: make(map[string]Handler),
	}
}

// Register sets the handler for entityType.
func (j *Job) Register(entityType string, h Handler) {
	j.mu.Lock()
	j.handlers[entityType] = h
	j.mu.Unlock()
}

func (j *Job) handler(entityType string) (Handler, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	h, ok := j.handlers[entityType]
	return h, ok
}

// RunWithContext runs a cycle every Interval until ctx is done.
func (j *Job) RunWithContext(ctx context.Context) error {
	logging.Info().
		Dur("interval", j.cfg.Interval).
		Int("batch_size", j.cfg.BatchSize).
		Msg("Recovery job started")

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("Recovery job stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := j.RunCycle(ctx); err != nil && ctx.Err() == nil {
				logging.Error().Err(err).Msg("Recovery cycle failed")
			}
		}
	}
}

// CycleStats summarizes one cycle.
type CycleStats struct {
	Skipped   bool
	Requeued  int
	Claimed   int
	Completed int
	Retried   int
	Failed    int
	// Released counts claims handed back unprocessed because the breaker
	// opened partway through a batch.
	Released int
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeRetry
	outcomeFailed
	outcomeUnhandled
	outcomeReleased
	outcomeError
)

var outcomeLabels = map[outcome]string{
	outcomeCompleted: "completed",
	outcomeRetry:     "retry",
	outcomeFailed:    "failed",
	outcomeUnhandled: "unhandled",
	outcomeReleased:  "released",
	outcomeError:     "store_error",
}

func (j *Job) breakerOpen() bool {
	return j.breaker != nil && j.breaker.State() == breaker.StateOpen
}

// RunCycle requeues lost claims, then drains due items in batches unless the
// breaker is OPEN. Store errors end the cycle early.
func (j *Job) RunCycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats
	defer j.updateQueueDepth(ctx)

	requeued, err := j.queue.RequeueStale(ctx, j.cfg.LeaseTimeout)
	if err != nil {
		return stats, fmt.Errorf("requeue stale claims: %w", err)
	}
	stats.Requeued = requeued
	if requeued > 0 {
		logging.Warn().Int("requeued", requeued).Msg("Requeued items with expired claims")
	}

	if j.breakerOpen() {
		metrics.RecoveryCyclesSkipped.Inc()
		logging.Debug().Msg("Recovery cycle skipped, provider circuit open")
		stats.Skipped = true
		return stats, nil
	}

	for batch := 0; batch < j.cfg.MaxBatches; batch++ {
		items, err := j.queue.ClaimBatch(ctx, j.cfg.TenantID, j.cfg.BatchSize)
		if err != nil {
			return stats, fmt.Errorf("claim batch: %w", err)
		}
		stats.Claimed += len(items)

		for i, item := range items {
			if j.breakerOpen() {
				stats.Released += j.release(ctx, items[i:])
				break
			}
			switch j.process(ctx, item) {
			case outcomeCompleted:
				stats.Completed++
			case outcomeRetry:
				stats.Retried++
			case outcomeFailed, outcomeUnhandled:
				stats.Failed++
			case outcomeReleased:
				stats.Released++
			}
		}

		if len(items) < j.cfg.BatchSize || j.breakerOpen() || ctx.Err() != nil {
			break
		}
	}

	if stats.Claimed > 0 {
		logging.Info().
			Int("claimed", stats.Claimed).
			Int("completed", stats.Completed).
			Int("retry", stats.Retried).
			Int("failed", stats.Failed).
			Int("released", stats.Released).
			Msg("Recovery cycle complete")
	}
	return stats, nil
}

// process runs the handler for one item and records the outcome.
func (j *Job) process(ctx context.Context, item *models.PendingSyncItem) outcome {
	o := j.processItem(ctx, item)
	metrics.RecordPendingProcessed(item.EntityType, outcomeLabels[o])
	return o
}

func (j *Job) processItem(ctx context.Context, item *models.PendingSyncItem) outcome {
	log := logging.Ctx(ctx).With().
		Str("item_id", item.ID).
		Str("entity_type", item.EntityType).
		Str("entity_id", item.EntityID).
		Int("attempt", item.Attempts).
		Logger()

	h, ok := j.handler(item.EntityType)
	if !ok {
		if err := j.queue.MarkFailedPermanent(ctx, item.ID, fmt.Errorf("%w: %s", ErrNoHandler, item.EntityType)); err != nil {
			log.Error().Err(err).Msg("Failed to mark unhandled item")
			return outcomeError
		}
		log.Error().Msg("No handler for queued item")
		return outcomeUnhandled
	}

	err := j.runHandler(ctx, h, item)
	if err == nil {
		if err := j.queue.MarkCompleted(ctx, item.ID); err != nil {
			log.Error().Err(err).Msg("Failed to mark item completed")
			return outcomeError
		}
		return outcomeCompleted
	}

	// The breaker rejected the call without reaching the provider; the
	// attempt is given back.
	if errors.Is(err, breaker.ErrCircuitOpen) {
		if relErr := j.queue.Release(ctx, item.ID); relErr != nil {
			log.Error().Err(relErr).Msg("Failed to release item")
			return outcomeError
		}
		log.Debug().Msg("Queued item released, provider circuit open")
		return outcomeReleased
	}

	if errors.Is(err, pending.ErrPermanent) {
		if markErr := j.queue.MarkFailedPermanent(ctx, item.ID, err); markErr != nil {
			log.Error().Err(markErr).Msg("Failed to mark item failed")
			return outcomeError
		}
		log.Warn().Err(err).Msg("Queued item failed permanently")
		return outcomeFailed
	}

	status, markErr := j.queue.MarkFailed(ctx, item.ID, err)
	if markErr != nil {
		log.Error().Err(markErr).Msg("Failed to record item failure")
		return outcomeError
	}
	if status == models.PendingStatusFailed {
		log.Warn().Err(err).Msg("Queued item exhausted its attempts")
		return outcomeFailed
	}
	log.Info().Err(err).Msg("Queued item will be retried")
	return outcomeRetry
}

// release hands unprocessed claims back to the queue and returns how many
// were released.
func (j *Job) release(ctx context.Context, items []*models.PendingSyncItem) int {
	released := 0
	for _, item := range items {
		if err := j.queue.Release(ctx, item.ID); err != nil {
			logging.Error().Err(err).Str("item_id", item.ID).Msg("Failed to release item")
			continue
		}
		metrics.RecordPendingProcessed(item.EntityType, outcomeLabels[outcomeReleased])
		released++
	}
	logging.Info().Int("released", released).Msg("Provider circuit opened, released remaining claims")
	return released
}

// runHandler bounds h by HandlerTimeout and turns a panic into an error.
func (j *Job) runHandler(ctx context.Context, h Handler, item *models.PendingSyncItem) (err error) {
	hctx, cancel := context.WithTimeout(ctx, j.cfg.HandlerTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(hctx, item)
}

func (j *Job) updateQueueDepth(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	stats, err := j.queue.Stats(ctx, j.cfg.TenantID)
	if err != nil {
		logging.Warn().Err(err).Msg("Failed to read queue depth")
		return
	}
	depth := make(map[string]int, len(stats.ByStatus))
	for status, n := range stats.ByStatus {
		depth[string(status)] = n
	}
	metrics.UpdateQueueDepth(depth)
}
