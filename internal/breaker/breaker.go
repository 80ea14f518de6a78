// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

// Package breaker protects calls to a remote integration with a circuit
// breaker built on sony/gobreaker.
//
// One Breaker exists per integration name and is shared by every tenant and
// account using that integration. Breakers live in a Registry owned by main;
// there is no package-level instance.
//
// The trip rule is percentage based: once at least VolumeThreshold calls
// completed inside the rolling window and ErrorThresholdPct of them failed, the
// breaker opens. After ResetTimeout the next call is a single half-open probe.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/tomtom215/ledgerlink/internal/logging"
	"github.com/tomtom215/ledgerlink/internal/metrics"
)

var (
	// ErrCircuitOpen is returned when the breaker rejects a call without
	// invoking the action.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrTimeout is returned when the action exceeds the per-call deadline.
	ErrTimeout = errors.New("circuit breaker call timed out")

	// ErrAbandoned wraps the caller's context error when the caller gave up
	// before the action finished. Abandoned calls are not counted.
	ErrAbandoned = errors.New("call abandoned by caller")

	// ErrActionPanic wraps a recovered panic from the action.
	ErrActionPanic = errors.New("action panicked")

	// errTripProbe is fed to gobreaker to force a trip decided after a success.
	errTripProbe = errors.New("trip threshold reached")
)

const (
	defaultTimeout           = 5 * time.Second
	defaultErrorThresholdPct = 50
	defaultVolumeThreshold   = 5
	defaultResetTimeout      = 30 * time.Second
	defaultRollingWindow     = 60 * time.Second
	rollingBuckets           = 10
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns CLOSED, HALF_OPEN or OPEN.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// MarshalText lets State render as its name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "CLOSED":
		*s = StateClosed
	case "HALF_OPEN":
		*s = StateHalfOpen
	case "OPEN":
		*s = StateOpen
	default:
		return fmt.Errorf("unknown breaker state %q", text)
	}
	return nil
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

// Settings configures a Breaker. Zero values take the defaults.
type Settings struct {
	Name              string
	Timeout           time.Duration
	ErrorThresholdPct int
	VolumeThreshold   int
	ResetTimeout      time.Duration
	RollingWindow     time.Duration

	// Exclude marks errors that say nothing about the remote's health, such as
	// a revoked credential. They count as neither success nor failure.
	//
	// The server excludes provider.IsAuthorization errors, so a refresh that
	// fails because the refresh token was revoked or consent expired does not
	// count toward tripping, although other refresh failures do.
	Exclude func(error) bool
}

func (s Settings) withDefaults() Settings {
	if s.Timeout <= 0 {
		s.Timeout = defaultTimeout
	}
	if s.ErrorThresholdPct <= 0 || s.ErrorThresholdPct > 100 {
		s.ErrorThresholdPct = defaultErrorThresholdPct
	}
	if s.VolumeThreshold <= 0 {
		s.VolumeThreshold = defaultVolumeThreshold
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = defaultResetTimeout
	}
	if s.RollingWindow <= 0 {
		s.RollingWindow = defaultRollingWindow
	}
	return s
}

// Transition describes one state change.
type Transition struct {
	Name      string    `json:"name"`
	Previous  State     `json:"previous"`
	Current   State     `json:"current"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// Snapshot is a point-in-time copy of a breaker's counters.
type Snapshot struct {
	Name          string     `json:"name"`
	State         State      `json:"state"`
	SuccessCount  uint64     `json:"success_count"`
	FailureCount  uint64     `json:"failure_count"`
	RejectCount   uint64     `json:"reject_count"`
	FallbackCount uint64     `json:"fallback_count"`
	TimeoutCount  uint64     `json:"timeout_count"`
	ExcludedCount uint64     `json:"excluded_count"`
	WindowTotal   uint32     `json:"window_total"`
	WindowFailed  uint32     `json:"window_failed"`
	LastOpenedAt  *time.Time `json:"last_opened_at,omitempty"`
	LastClosedAt  *time.Time `json:"last_closed_at,omitempty"`
}

type counters struct {
	success, failure, reject, fallback, timeout, excluded uint64
}

// Breaker is a circuit breaker for one integration. It is safe for concurrent
// use. The remote call itself never runs under the breaker's locks.
type Breaker struct {
	settings Settings

	mu           sync.Mutex
	cb           *gobreaker.CircuitBreaker[any]
	instance     uint64
	epoch        uint64
	counts       counters
	lastOpenedAt *time.Time
	lastClosedAt *time.Time
	pending      []Transition
	listeners    []func(Transition)

	// dispatchMu orders listener delivery. Held without mu.
	dispatchMu sync.Mutex
}

// New creates a CLOSED breaker.
func New(s Settings) *Breaker {
	b := &Breaker{settings: s.withDefaults()}
	b.cb = b.newEngine(0)
	metrics.CircuitBreakerState.WithLabelValues(b.settings.Name).Set(stateToFloat(gobreaker.StateClosed))
	return b
}

// Name returns the integration name.
func (b *Breaker) Name() string {
	return b.settings.Name
}

func (b *Breaker) newEngine(instance uint64) *gobreaker.CircuitBreaker[any] {
	s := b.settings
	window := s.RollingWindow
	var bucket time.Duration
	if window >= rollingBuckets*time.Millisecond {
		bucket = window / rollingBuckets
	}

	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:         s.Name,
		MaxRequests:  1,
		Interval:     window,
		BucketPeriod: bucket,
		Timeout:      s.ResetTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return tripCondition(c, s.VolumeThreshold, s.ErrorThresholdPct)
		},
		IsExcluded: b.excluded,
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.recordTransition(instance, from, to)
		},
	})
}

func tripCondition(c gobreaker.Counts, volume, pct int) bool {
	total := uint64(c.TotalSuccesses) + uint64(c.TotalFailures)
	if total < uint64(volume) {
		return false
	}
	return uint64(c.TotalFailures)*100 >= uint64(pct)*total
}

func (b *Breaker) excluded(err error) bool {
	if err == nil || errors.Is(err, errTripProbe) {
		return false
	}
	if errors.Is(err, ErrAbandoned) {
		return true
	}
	return b.settings.Exclude != nil && b.settings.Exclude(err)
}

// recordTransition runs inside gobreaker's lock. It only queues the
// transition; flush delivers it.
func (b *Breaker) recordTransition(instance uint64, from, to gobreaker.State) {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	if instance != b.instance {
		return
	}

	switch to {
	case gobreaker.StateOpen:
		b.lastOpenedAt = &now
	case gobreaker.StateClosed:
		b.lastClosedAt = &now
		b.epoch++
		b.counts = counters{}
	}

	b.pending = append(b.pending, Transition{
		Name:      b.settings.Name,
		Previous:  fromGobreaker(from),
		Current:   fromGobreaker(to),
		Timestamp: now,
		Reason:    transitionReason(from, to),
	})
}

func transitionReason(from, to gobreaker.State) string {
	switch {
	case from == gobreaker.StateClosed && to == gobreaker.StateOpen:
		return "failure threshold exceeded"
	case from == gobreaker.StateOpen && to == gobreaker.StateHalfOpen:
		return "reset timeout elapsed"
	case from == gobreaker.StateHalfOpen && to == gobreaker.StateClosed:
		return "probe succeeded"
	case from == gobreaker.StateHalfOpen && to == gobreaker.StateOpen:
		return "probe failed"
	default:
		return fmt.Sprintf("%s to %s", from, to)
	}
}

// flush delivers queued transitions in order, each exactly once. The caller
// that produced a transition returns only after it has been delivered.
func (b *Breaker) flush() {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	listeners := b.listeners
	b.mu.Unlock()

	for _, t := range batch {
		metrics.CircuitBreakerState.WithLabelValues(t.Name).Set(stateToFloat(toGobreaker(t.Current)))
		metrics.CircuitBreakerTransitions.WithLabelValues(t.Name, stateToString(toGobreaker(t.Previous)), stateToString(toGobreaker(t.Current))).Inc()

		event := logging.Warn()
		if t.Current == StateClosed {
			event = logging.Info()
		}
		event.Str("breaker", t.Name).
			Str("from", t.Previous.String()).
			Str("to", t.Current.String()).
			Str("reason", t.Reason).
			Msg("Circuit breaker state changed")

		for _, fn := range listeners {
			fn(t)
		}
	}
}

// OnStateChange registers fn to run on every transition. Listeners run
// synchronously on the goroutine whose call caused the transition and must not
// call back into Execute.
func (b *Breaker) OnStateChange(fn func(Transition)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

func (b *Breaker) engine() (*gobreaker.CircuitBreaker[any], uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cb, b.epoch
}

// State returns the current state. An OPEN breaker whose reset timeout has
// elapsed reports HALF_OPEN.
func (b *Breaker) State() State {
	cb, _ := b.engine()
	s := cb.State()
	b.flush()
	return fromGobreaker(s)
}

// Metrics returns a snapshot of the breaker's counters.
func (b *Breaker) Metrics() Snapshot {
	cb, _ := b.engine()
	state := cb.State()
	window := cb.Counts()
	b.flush()

	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:          b.settings.Name,
		State:         fromGobreaker(state),
		SuccessCount:  b.counts.success,
		FailureCount:  b.counts.failure,
		RejectCount:   b.counts.reject,
		FallbackCount: b.counts.fallback,
		TimeoutCount:  b.counts.timeout,
		ExcludedCount: b.counts.excluded,
		WindowTotal:   window.TotalSuccesses + window.TotalFailures,
		WindowFailed:  window.TotalFailures,
		LastOpenedAt:  copyTime(b.lastOpenedAt),
		LastClosedAt:  copyTime(b.lastClosedAt),
	}
}

// Reset forces the breaker CLOSED and zeroes its counters. Outcomes of calls
// that started before the reset are discarded.
func (b *Breaker) Reset() {
	cb, _ := b.engine()
	prev := cb.State()

	b.mu.Lock()
	b.instance++
	b.cb = b.newEngine(b.instance)
	b.epoch++
	b.counts = counters{}
	if prev != gobreaker.StateClosed {
		now := time.Now()
		b.lastClosedAt = &now
		b.pending = append(b.pending, Transition{
			Name:      b.settings.Name,
			Previous:  fromGobreaker(prev),
			Current:   StateClosed,
			Timestamp: now,
			Reason:    "manual reset",
		})
	}
	b.mu.Unlock()

	b.flush()
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeTimeout
	outcomeExcluded
	outcomeRejected
	outcomeFallback
)

var outcomeLabels = map[outcome]string{
	outcomeSuccess:  "success",
	outcomeFailure:  "failure",
	outcomeTimeout:  "timeout",
	outcomeExcluded: "excluded",
	outcomeRejected: "rejected",
	outcomeFallback: "fallback",
}

// record updates counters for an outcome observed in epoch. Rejections always
// count; call outcomes from before a close or reset do not.
func (b *Breaker) record(o outcome, epoch uint64) {
	b.mu.Lock()
	if o == outcomeRejected || o == outcomeFallback || epoch == b.epoch {
		switch o {
		case outcomeSuccess:
			b.counts.success++
		case outcomeFailure:
			b.counts.failure++
		case outcomeTimeout:
			b.counts.failure++
			b.counts.timeout++
		case outcomeExcluded:
			b.counts.excluded++
		case outcomeRejected:
			b.counts.reject++
		case outcomeFallback:
			b.counts.fallback++
		}
	}
	b.mu.Unlock()

	metrics.CircuitBreakerRequests.WithLabelValues(b.settings.Name, outcomeLabels[o]).Inc()
}

// tripAfterSuccess covers the one case gobreaker does not: a success that
// brings the window up to the volume threshold while the failure ratio is
// already at or above the limit. gobreaker only evaluates ReadyToTrip on
// failures, so a synthetic failing request is fed through it.
func (b *Breaker) tripAfterSuccess(cb *gobreaker.CircuitBreaker[any]) {
	if cb.State() != gobreaker.StateClosed {
		return
	}
	if !tripCondition(cb.Counts(), b.settings.VolumeThreshold, b.settings.ErrorThresholdPct) {
		return
	}
	_, _ = cb.Execute(func() (any, error) { return nil, errTripProbe })
}

type callResult struct {
	value any
	err   error
}

// call runs fn under the per-call deadline on its own goroutine so a hung
// action cannot hold up the caller past the timeout.
func (b *Breaker) call(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAbandoned, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.settings.Timeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: fmt.Errorf("%w: %v", ErrActionPanic, r)}
			}
		}()
		v, err := fn(callCtx)
		done <- callResult{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrAbandoned, ctx.Err())
		}
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %w", ErrTimeout, b.settings.Timeout, r.err)
		}
		return r.value, r.err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAbandoned, err)
		}
		return nil, fmt.Errorf("%w after %s", ErrTimeout, b.settings.Timeout)
	}
}

func classify(err error, excluded func(error) bool) outcome {
	switch {
	case err == nil:
		return outcomeSuccess
	case excluded(err):
		return outcomeExcluded
	case errors.Is(err, ErrTimeout):
		return outcomeTimeout
	default:
		return outcomeFailure
	}
}

func toGobreaker(s State) gobreaker.State {
	switch s {
	case StateHalfOpen:
		return gobreaker.StateHalfOpen
	case StateOpen:
		return gobreaker.StateOpen
	default:
		return gobreaker.StateClosed
	}
}

// stateToFloat converts circuit breaker state to float for Prometheus.
func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// stateToString converts circuit breaker state to a metric label.
func stateToString(state gobreaker.State) string {
	return state.String()
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
