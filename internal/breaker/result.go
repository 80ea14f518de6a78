// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

package breaker

import (
	"context"
	"errors"
	"fmt"

	"github.com/sony/gobreaker/v2"
)

// Kind tells which branch of Execute produced a Result.
type Kind int

const (
	// KindOK means the action ran and succeeded.
	KindOK Kind = iota
	// KindFallbackOK means the breaker was open and the fallback supplied Value.
	KindFallbackOK
	// KindRejected means the breaker was open and no usable fallback existed.
	// Err wraps ErrCircuitOpen.
	KindRejected
	// KindFailed means the action ran and returned Err unchanged.
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindFallbackOK:
		return "fallback_ok"
	case KindRejected:
		return "rejected"
	case KindFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the outcome of Execute.
type Result[T any] struct {
	Kind  Kind
	Value T
	Err   error
}

// Unwrap adapts a Result to the usual (value, error) pair.
func (r Result[T]) Unwrap() (T, error) {
	if r.Kind == KindOK || r.Kind == KindFallbackOK {
		return r.Value, nil
	}
	var zero T
	return zero, r.Err
}

// Rejected reports whether the breaker refused the call.
func (r Result[T]) Rejected() bool {
	return r.Kind == KindRejected
}

// Execute runs action through b.
//
// When b is OPEN, or HALF_OPEN with its single probe already in flight, action
// is not invoked: fallback supplies the value when given, otherwise the result
// is Rejected with ErrCircuitOpen. Otherwise action runs with a context that
// expires after the breaker's per-call timeout, and its error is returned
// unchanged in a Failed result.
func Execute[T any](ctx context.Context, b *Breaker, action func(context.Context) (T, error), fallback func() (T, error)) Result[T] {
	cb, epoch := b.engine()

	invoked := false
	v, err := cb.Execute(func() (any, error) {
		invoked = true
		return b.call(ctx, func(callCtx context.Context) (any, error) {
			return action(callCtx)
		})
	})
	b.flush()

	if !invoked {
		return reject(b, err, fallback)
	}

	o := classify(err, b.excluded)
	b.record(o, epoch)

	if o == outcomeSuccess {
		b.tripAfterSuccess(cb)
		b.flush()
		value, castErr := castResult[T](v)
		if castErr != nil {
			return Result[T]{Kind: KindFailed, Err: castErr}
		}
		return Result[T]{Kind: KindOK, Value: value}
	}
	return Result[T]{Kind: KindFailed, Err: err}
}

func reject[T any](b *Breaker, cause error, fallback func() (T, error)) Result[T] {
	rejectErr := ErrCircuitOpen
	if errors.Is(cause, gobreaker.ErrTooManyRequests) {
		rejectErr = fmt.Errorf("%w: half-open probe in flight", ErrCircuitOpen)
	}

	if fallback == nil {
		b.record(outcomeRejected, 0)
		return Result[T]{Kind: KindRejected, Err: rejectErr}
	}

	b.record(outcomeFallback, 0)
	value, err := fallback()
	if err != nil {
		return Result[T]{Kind: KindRejected, Err: errors.Join(rejectErr, err)}
	}
	return Result[T]{Kind: KindFallbackOK, Value: value}
}

// castResult safely casts the gobreaker result to T.
func castResult[T any](result any) (T, error) {
	var zero T
	if result == nil {
		return zero, nil
	}
	typed, ok := result.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected result type: got %T, want %T", result, zero)
	}
	return typed, nil
}
