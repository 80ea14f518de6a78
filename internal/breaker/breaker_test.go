// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errRemote = errors.New("remote unavailable")

func testSettings(name string) Settings {
	return Settings{
		Name:              name,
		Timeout:           200 * time.Millisecond,
		ErrorThresholdPct: 50,
		VolumeThreshold:   5,
		ResetTimeout:      time.Minute,
		RollingWindow:     time.Minute,
	}
}

func succeed(_ context.Context) (string, error) { return "ok", nil }
func fail(_ context.Context) (string, error)    { return "", errRemote }

func TestBreakerTripsOnFailureThreshold(t *testing.T) {
	b := New(testSettings("trip-failures"))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		r := Execute(ctx, b, fail, nil)
		if r.Kind != KindFailed || !errors.Is(r.Err, errRemote) {
			t.Fatalf("call %d: got %v / %v, want failed with remote error", i, r.Kind, r.Err)
		}
		if s := b.State(); s != StateClosed {
			t.Fatalf("call %d: state = %v, want CLOSED below volume threshold", i, s)
		}
	}

	Execute(ctx, b, fail, nil)
	if s := b.State(); s != StateOpen {
		t.Fatalf("state after fifth failure = %v, want OPEN", s)
	}

	var calls int32
	r := Execute(ctx, b, func(context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", nil
	}, nil)
	if r.Kind != KindRejected || !errors.Is(r.Err, ErrCircuitOpen) {
		t.Errorf("sixth call = %v / %v, want rejected with ErrCircuitOpen", r.Kind, r.Err)
	}
	if calls != 0 {
		t.Errorf("action invoked %d times while open", calls)
	}

	m := b.Metrics()
	if m.FailureCount != 5 || m.RejectCount != 1 || m.SuccessCount != 0 {
		t.Errorf("metrics = %+v, want 5 failures and 1 reject", m)
	}
	if m.LastOpenedAt == nil {
		t.Error("LastOpenedAt not recorded")
	}
}

func TestBreakerTripCondition(t *testing.T) {
	tests := []struct {
		name     string
		sequence []bool // true = success
		want     State
	}{
		{"all success", []bool{true, true, true, true, true}, StateClosed},
		{"below volume", []bool{false, false, false, false}, StateClosed},
		{"forty percent", []bool{false, false, true, true, true}, StateClosed},
		{"exactly half", []bool{true, false, true, false, true, false}, StateOpen},
		{"success reaches volume", []bool{false, false, false, true, true}, StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(testSettings("trip-" + tt.name))
			for _, ok := range tt.sequence {
				if ok {
					Execute(context.Background(), b, succeed, nil)
				} else {
					Execute(context.Background(), b, fail, nil)
				}
			}
			if got := b.State(); got != tt.want {
				t.Errorf("state = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBreakerOpenNeverInvokesAction(t *testing.T) {
	b := New(testSettings("open-spy"))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		Execute(ctx, b, fail, nil)
	}

	var calls int32
	spy := func(context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", nil
	}
	fallback := func() (string, error) { return "cached", nil }

	for i := 0; i < 100; i++ {
		Execute(ctx, b, spy, nil)
	}
	for i := 0; i < 100; i++ {
		r := Execute(ctx, b, spy, fallback)
		if r.Kind != KindFallbackOK || r.Value != "cached" {
			t.Fatalf("fallback result = %+v", r)
		}
	}

	if calls != 0 {
		t.Errorf("action invoked %d times while open", calls)
	}
	m := b.Metrics()
	if m.RejectCount != 100 || m.FallbackCount != 100 {
		t.Errorf("reject=%d fallback=%d, want 100/100", m.RejectCount, m.FallbackCount)
	}
	if m.SuccessCount != 0 || m.FailureCount != 5 {
		t.Errorf("success=%d failure=%d, want 0/5", m.SuccessCount, m.FailureCount)
	}
}

func TestBreakerFallbackError(t *testing.T) {
	b := New(testSettings("fallback-error"))
	for i := 0; i < 5; i++ {
		Execute(context.Background(), b, fail, nil)
	}

	errCache := errors.New("cache miss")
	r := Execute(context.Background(), b, succeed, func() (string, error) { return "", errCache })
	if r.Kind != KindRejected {
		t.Fatalf("kind = %v, want rejected", r.Kind)
	}
	if !errors.Is(r.Err, ErrCircuitOpen) || !errors.Is(r.Err, errCache) {
		t.Errorf("err = %v, want both ErrCircuitOpen and fallback error", r.Err)
	}
}

func tripFast(t *testing.T, name string) *Breaker {
	t.Helper()
	s := testSettings(name)
	s.ResetTimeout = 50 * time.Millisecond
	b := New(s)
	for i := 0; i < 5; i++ {
		Execute(context.Background(), b, fail, nil)
	}
	if b.State() != StateOpen {
		t.Fatal("breaker did not open")
	}
	time.Sleep(80 * time.Millisecond)
	return b
}

func TestBreakerHalfOpenProbeSuccessCloses(t *testing.T) {
	b := tripFast(t, "probe-success")

	if s := b.State(); s != StateHalfOpen {
		t.Fatalf("state after reset timeout = %v, want HALF_OPEN", s)
	}

	r := Execute(context.Background(), b, succeed, nil)
	if r.Kind != KindOK || r.Value != "ok" {
		t.Fatalf("probe result = %+v", r)
	}
	if s := b.State(); s != StateClosed {
		t.Fatalf("state after successful probe = %v, want CLOSED", s)
	}

	m := b.Metrics()
	if m.SuccessCount != 0 || m.FailureCount != 0 {
		t.Errorf("counters not zeroed after close: %+v", m)
	}
	if m.LastClosedAt == nil {
		t.Error("LastClosedAt not recorded")
	}
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	b := tripFast(t, "probe-failure")
	firstOpen := *b.Metrics().LastOpenedAt

	r := Execute(context.Background(), b, fail, nil)
	if r.Kind != KindFailed || !errors.Is(r.Err, errRemote) {
		t.Fatalf("probe result = %+v", r)
	}
	if s := b.State(); s != StateOpen {
		t.Fatalf("state after failed probe = %v, want OPEN", s)
	}
	if !b.Metrics().LastOpenedAt.After(firstOpen) {
		t.Error("reset timer not restarted on failed probe")
	}
}

func TestBreakerTimeout(t *testing.T) {
	s := testSettings("timeout")
	s.Timeout = 20 * time.Millisecond
	b := New(s)

	start := time.Now()
	r := Execute(context.Background(), b, func(ctx context.Context) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(5 * time.Second):
			return "late", nil
		}
	}, nil)

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Execute took %v, deadline not enforced", elapsed)
	}
	if r.Kind != KindFailed || !errors.Is(r.Err, ErrTimeout) {
		t.Fatalf("result = %v / %v, want failed with ErrTimeout", r.Kind, r.Err)
	}
	m := b.Metrics()
	if m.TimeoutCount != 1 || m.FailureCount != 1 {
		t.Errorf("timeout=%d failure=%d, want 1/1", m.TimeoutCount, m.FailureCount)
	}
}

func TestBreakerIgnoresContextForHungAction(t *testing.T) {
	s := testSettings("hung")
	s.Timeout = 20 * time.Millisecond
	b := New(s)

	release := make(chan struct{})
	defer close(release)

	r := Execute(context.Background(), b, func(context.Context) (string, error) {
		<-release
		return "", nil
	}, nil)
	if !errors.Is(r.Err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout for an action ignoring its context", r.Err)
	}
}

func TestBreakerExcludedErrors(t *testing.T) {
	errRevoked := errors.New("credential revoked")
	s := testSettings("excluded")
	s.Exclude = func(err error) bool { return errors.Is(err, errRevoked) }
	b := New(s)

	for i := 0; i < 10; i++ {
		r := Execute(context.Background(), b, func(context.Context) (string, error) {
			return "", errRevoked
		}, nil)
		if !errors.Is(r.Err, errRevoked) {
			t.Fatalf("err = %v, want revoked error unchanged", r.Err)
		}
	}

	if s := b.State(); s != StateClosed {
		t.Errorf("state = %v, excluded errors must not trip", s)
	}
	m := b.Metrics()
	if m.ExcludedCount != 10 || m.FailureCount != 0 || m.SuccessCount != 0 {
		t.Errorf("metrics = %+v, want 10 excluded only", m)
	}
}

func TestBreakerCallerCancellationNotCounted(t *testing.T) {
	b := New(testSettings("cancelled"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 10; i++ {
		r := Execute(ctx, b, succeed, nil)
		if !errors.Is(r.Err, ErrAbandoned) || !errors.Is(r.Err, context.Canceled) {
			t.Fatalf("err = %v, want abandoned wrapping context.Canceled", r.Err)
		}
	}
	if s := b.State(); s != StateClosed {
		t.Errorf("state = %v, caller cancellation must not trip", s)
	}
}

func TestBreakerActionPanicIsFailure(t *testing.T) {
	b := New(testSettings("panic"))
	r := Execute(context.Background(), b, func(context.Context) (string, error) {
		panic("boom")
	}, nil)
	if r.Kind != KindFailed || !errors.Is(r.Err, ErrActionPanic) {
		t.Fatalf("result = %v / %v, want failed with ErrActionPanic", r.Kind, r.Err)
	}
	if b.Metrics().FailureCount != 1 {
		t.Error("panic not counted as failure")
	}
}

func TestBreakerStateChangeCallbacks(t *testing.T) {
	s := testSettings("callbacks")
	s.ResetTimeout = 50 * time.Millisecond
	b := New(s)

	var mu sync.Mutex
	var got []Transition
	b.OnStateChange(func(tr Transition) {
		mu.Lock()
		got = append(got, tr)
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		Execute(context.Background(), b, fail, nil)
	}
	time.Sleep(80 * time.Millisecond)
	Execute(context.Background(), b, succeed, nil)
	for i := 0; i < 5; i++ {
		Execute(context.Background(), b, fail, nil)
	}
	b.Reset()

	want := []struct {
		from, to State
		reason   string
	}{
		{StateClosed, StateOpen, "failure threshold exceeded"},
		{StateOpen, StateHalfOpen, "reset timeout elapsed"},
		{StateHalfOpen, StateClosed, "probe succeeded"},
		{StateClosed, StateOpen, "failure threshold exceeded"},
		{StateOpen, StateClosed, "manual reset"},
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("got %d transitions %+v, want %d", len(got), got, len(want))
	}
	for i, w := range want {
		if got[i].Previous != w.from || got[i].Current != w.to || got[i].Reason != w.reason {
			t.Errorf("transition %d = %v->%v (%s), want %v->%v (%s)",
				i, got[i].Previous, got[i].Current, got[i].Reason, w.from, w.to, w.reason)
		}
		if got[i].Name != "callbacks" || got[i].Timestamp.IsZero() {
			t.Errorf("transition %d missing name or timestamp: %+v", i, got[i])
		}
	}
}

func TestBreakerConcurrentTripFiresOnce(t *testing.T) {
	b := New(testSettings("concurrent"))

	var opened int32
	b.OnStateChange(func(tr Transition) {
		if tr.Current == StateOpen {
			atomic.AddInt32(&opened, 1)
		}
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Execute(context.Background(), b, fail, nil)
		}()
	}
	wg.Wait()

	if opened != 1 {
		t.Errorf("open transitions = %d, want exactly 1", opened)
	}
	m := b.Metrics()
	if m.FailureCount+m.RejectCount != 50 {
		t.Errorf("failure(%d)+reject(%d) != 50", m.FailureCount, m.RejectCount)
	}
}

func TestBreakerReset(t *testing.T) {
	b := New(testSettings("reset"))
	for i := 0; i < 5; i++ {
		Execute(context.Background(), b, fail, nil)
	}
	Execute(context.Background(), b, succeed, nil)

	b.Reset()

	if s := b.State(); s != StateClosed {
		t.Fatalf("state after reset = %v, want CLOSED", s)
	}
	m := b.Metrics()
	if m.FailureCount != 0 || m.RejectCount != 0 || m.WindowTotal != 0 {
		t.Errorf("counters not zeroed: %+v", m)
	}
	if r := Execute(context.Background(), b, succeed, nil); r.Kind != KindOK {
		t.Errorf("call after reset = %v, want ok", r.Kind)
	}
}

func TestResultUnwrap(t *testing.T) {
	tests := []struct {
		name    string
		result  Result[int]
		want    int
		wantErr error
	}{
		{"ok", Result[int]{Kind: KindOK, Value: 7}, 7, nil},
		{"fallback", Result[int]{Kind: KindFallbackOK, Value: 3}, 3, nil},
		{"rejected", Result[int]{Kind: KindRejected, Value: 9, Err: ErrCircuitOpen}, 0, ErrCircuitOpen},
		{"failed", Result[int]{Kind: KindFailed, Err: errRemote}, 0, errRemote},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.result.Unwrap()
			if got != tt.want || !errors.Is(err, tt.wantErr) || (tt.wantErr == nil && err != nil) {
				t.Errorf("Unwrap() = %d, %v; want %d, %v", got, err, tt.want, tt.wantErr)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(testSettings(""))

	a := r.Get("bank-api")
	if r.Get("bank-api") != a {
		t.Error("Get returned a different breaker for the same name")
	}
	if a.Name() != "bank-api" {
		t.Errorf("Name() = %q", a.Name())
	}
	if _, ok := r.Lookup("ledger-api"); ok {
		t.Error("Lookup created a breaker")
	}
	r.Get("accounting-api")

	snaps := r.Snapshots()
	if len(snaps) != 2 || snaps[0].Name != "accounting-api" || snaps[1].Name != "bank-api" {
		t.Errorf("Snapshots() = %+v, want two sorted entries", snaps)
	}
}
