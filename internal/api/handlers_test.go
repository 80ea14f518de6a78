// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/ledgerlink/internal/breaker"
	"github.com/tomtom215/ledgerlink/internal/ledger"
	"github.com/tomtom215/ledgerlink/internal/middleware"
	"github.com/tomtom215/ledgerlink/internal/models"
	syncpkg "github.com/tomtom215/ledgerlink/internal/sync"
)

type fakeSyncer struct {
	result *models.SyncResult
	err    error
	got    string
}

func (f *fakeSyncer) SyncAccount(_ context.Context, accountID string) (*models.SyncResult, error) {
	f.got = accountID
	if f.err != nil {
		return nil, f.err
	}
	r := *f.result
	r.AccountID = accountID
	return &r, nil
}

type fakePusher struct {
	result *syncpkg.PushResult
	err    error
	got    *models.OutboundEntity
}

func (f *fakePusher) Push(_ context.Context, e *models.OutboundEntity) (*syncpkg.PushResult, error) {
	f.got = e
	return f.result, f.err
}

type fakeQueue struct {
	stats       models.QueueStats
	requeued    int
	err         error
	statsTenant string
	retryTenant string
}

func (f *fakeQueue) Stats(_ context.Context, tenantID string) (models.QueueStats, error) {
	f.statsTenant = tenantID
	return f.stats, f.err
}

func (f *fakeQueue) RetryFailed(_ context.Context, tenantID string) (int, error) {
	f.retryTenant = tenantID
	return f.requeued, f.err
}

type fixture struct {
	syncer   *fakeSyncer
	pusher   *fakePusher
	queue    *fakeQueue
	breakers *breaker.Registry
	pingErr  error
	router   http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		syncer:   &fakeSyncer{result: &models.SyncResult{Success: true, Fetched: 3, New: 2, Duplicate: 1}},
		pusher:   &fakePusher{result: &syncpkg.PushResult{ItemID: "item-1", Success: true, RemoteID: "r-9"}},
		queue:    &fakeQueue{stats: models.NewQueueStats("")},
		breakers: breaker.NewRegistry(breaker.Settings{VolumeThreshold: 1, ResetTimeout: time.Hour}),
	}
	h := NewHandler(Deps{
		Syncer:   f.syncer,
		Pusher:   f.pusher,
		Queue:    f.queue,
		Breakers: f.breakers,
		Storage:  "badger",
		Ping:     func(context.Context) error { return f.pingErr },
	})
	f.router = NewRouter(h, RouterConfig{})
	return f
}

type envelope struct {
	Status string           `json:"status"`
	Data   json.RawMessage  `json:"data"`
	Error  *models.APIError `json:"error"`
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, env
}

func tripBreaker(t *testing.T, b *breaker.Breaker) {
	t.Helper()
	breaker.Execute(context.Background(), b, func(context.Context) (int, error) {
		return 0, errors.New("boom")
	}, nil)
	if b.State() != breaker.StateOpen {
		t.Fatalf("breaker state = %s, want OPEN", b.State())
	}
}

func TestTriggerSync(t *testing.T) {
	tests := []struct {
		name       string
		accountID  string
		result     *models.SyncResult
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "success",
			accountID:  "acct-1",
			result:     &models.SyncResult{Success: true, New: 2},
			wantStatus: http.StatusOK,
		},
		{
			name:       "failure result is not an HTTP error",
			accountID:  "acct-1",
			result:     &models.SyncResult{ErrorCode: models.CodeCircuitOpen, Queued: true},
			wantStatus: http.StatusOK,
		},
		{
			name:       "in progress",
			accountID:  "acct-1",
			result:     &models.SyncResult{ErrorCode: models.CodeSyncInProgress, ErrorMessage: "busy"},
			wantStatus: http.StatusConflict,
			wantCode:   models.CodeSyncInProgress,
		},
		{
			name:       "unknown account",
			accountID:  "acct-404",
			err:        ledger.ErrAccountNotFound,
			wantStatus: http.StatusNotFound,
			wantCode:   codeAccountNotFound,
		},
		{
			name:       "store error",
			accountID:  "acct-1",
			err:        errors.New("disk full"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   codeSyncFailed,
		},
		{
			name:       "malformed id",
			accountID:  "acct%20one",
			result:     &models.SyncResult{Success: true},
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.syncer.result = tt.result
			f.syncer.err = tt.err

			rec, env := f.do(t, http.MethodPost, "/api/v1/accounts/"+tt.accountID+"/sync", "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantCode != "" {
				if env.Error == nil || env.Error.Code != tt.wantCode {
					t.Fatalf("error = %+v, want code %s", env.Error, tt.wantCode)
				}
				return
			}

			var resp models.TriggerSyncResponse
			if err := json.Unmarshal(env.Data, &resp); err != nil {
				t.Fatal(err)
			}
			if resp.Result.AccountID != tt.accountID {
				t.Errorf("account = %q, want %q", resp.Result.AccountID, tt.accountID)
			}
			if resp.RequestID == "" || resp.RequestID != rec.Header().Get(middleware.HeaderRequestID) {
				t.Errorf("request id %q does not match header %q", resp.RequestID, rec.Header().Get(middleware.HeaderRequestID))
			}
		})
	}
}

const validPush = `{"tenant_id":"t1","account_id":"acct-1","kind":"invoice","entity_id":"INV-1","body":{"total":100}}`

func TestPush(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		result     *syncpkg.PushResult
		err        error
		wantStatus int
		wantCode   string
	}{
		{"accepted", validPush, &syncpkg.PushResult{ItemID: "i1", Success: true}, nil, http.StatusOK, ""},
		{"queued", validPush, &syncpkg.PushResult{ItemID: "i1", Queued: true, ErrorCode: models.CodeProviderUnavailable}, nil, http.StatusAccepted, ""},
		{"permanent", validPush, &syncpkg.PushResult{ItemID: "i1", ErrorCode: models.CodeProviderError, ErrorMessage: "rejected"}, nil, http.StatusUnprocessableEntity, models.CodeProviderError},
		{"unsupported", validPush, nil, syncpkg.ErrPushUnsupported, http.StatusNotImplemented, codePushDisabled},
		{"store error", validPush, nil, errors.New("queue down"), http.StatusInternalServerError, codePushFailed},
		{"bad kind", strings.Replace(validPush, "invoice", "receipt", 1), nil, nil, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"not json", `{"tenant_id":`, nil, nil, http.StatusBadRequest, codeInvalidBody},
		{"empty", "", nil, nil, http.StatusBadRequest, codeInvalidBody},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.pusher.result = tt.result
			f.pusher.err = tt.err

			rec, env := f.do(t, http.MethodPost, "/api/v1/push", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantCode != "" && (env.Error == nil || env.Error.Code != tt.wantCode) {
				t.Fatalf("error = %+v, want code %s", env.Error, tt.wantCode)
			}
		})
	}
}

func TestPush_BodyTooLarge(t *testing.T) {
	f := newFixture(t)
	big := `{"tenant_id":"t1","account_id":"a","kind":"invoice","entity_id":"e","body":"` + strings.Repeat("x", maxBodyBytes) + `"}`

	rec, _ := f.do(t, http.MethodPost, "/api/v1/push", big)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
	if f.pusher.got != nil {
		t.Error("pusher should not be called")
	}
}

func TestPush_Disabled(t *testing.T) {
	h := NewHandler(Deps{Breakers: breaker.NewRegistry(breaker.Settings{})})
	rec := httptest.NewRecorder()
	h.Push(rec, httptest.NewRequest(http.MethodPost, "/api/v1/push", strings.NewReader(validPush)))
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", rec.Code)
	}
}

func TestQueueStats(t *testing.T) {
	f := newFixture(t)
	f.queue.stats = models.NewQueueStats("t1")
	f.queue.stats.ByStatus[models.PendingStatusFailed] = 2
	f.queue.stats.Total = 2

	rec, env := f.do(t, http.MethodGet, "/api/v1/queue/stats?tenant_id=t1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if f.queue.statsTenant != "t1" {
		t.Errorf("tenant = %q, want t1", f.queue.statsTenant)
	}
	var stats models.QueueStats
	if err := json.Unmarshal(env.Data, &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Total != 2 || stats.ByStatus[models.PendingStatusFailed] != 2 {
		t.Errorf("stats = %+v", stats)
	}

	rec, _ = f.do(t, http.MethodGet, "/api/v1/queue/stats?tenant_id=bad%0Aid", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed tenant: status = %d, want 400", rec.Code)
	}

	f.queue.err = errors.New("scan failed")
	rec, env = f.do(t, http.MethodGet, "/api/v1/queue/stats", "")
	if rec.Code != http.StatusInternalServerError || env.Error.Code != codeQueueError {
		t.Errorf("store error: status = %d, error = %+v", rec.Code, env.Error)
	}
}

func TestRetryFailed(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantTenant string
	}{
		{"one tenant", `{"tenant_id":"t1"}`, http.StatusOK, "t1"},
		{"empty body covers all tenants", "", http.StatusOK, ""},
		{"empty object covers all tenants", `{}`, http.StatusOK, ""},
		{"malformed tenant", `{"tenant_id":"t 1"}`, http.StatusBadRequest, ""},
		{"not json", `[`, http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.queue.requeued = 4
			f.queue.retryTenant = "unset"

			rec, env := f.do(t, http.MethodPost, "/api/v1/queue/retry-failed", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				if f.queue.retryTenant != "unset" {
					t.Error("RetryFailed should not be called")
				}
				return
			}
			if f.queue.retryTenant != tt.wantTenant {
				t.Errorf("tenant = %q, want %q", f.queue.retryTenant, tt.wantTenant)
			}
			var resp models.RetryFailedResponse
			if err := json.Unmarshal(env.Data, &resp); err != nil {
				t.Fatal(err)
			}
			if resp.Requeued != 4 {
				t.Errorf("requeued = %d, want 4", resp.Requeued)
			}
		})
	}
}

func TestBreakers_ListAndReset(t *testing.T) {
	f := newFixture(t)
	f.breakers.Get("open-banking")
	tripBreaker(t, f.breakers.Get("accounting"))

	rec, env := f.do(t, http.MethodGet, "/api/v1/breakers", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var snaps []breaker.Snapshot
	if err := json.Unmarshal(env.Data, &snaps); err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 2 || snaps[0].Name != "accounting" || snaps[0].State != breaker.StateOpen {
		t.Fatalf("snapshots = %+v", snaps)
	}

	rec, env = f.do(t, http.MethodPost, "/api/v1/breakers/accounting/reset", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d: %s", rec.Code, rec.Body.String())
	}
	var snap breaker.Snapshot
	if err := json.Unmarshal(env.Data, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.State != breaker.StateClosed || snap.FailureCount != 0 {
		t.Errorf("after reset = %+v", snap)
	}

	rec, env = f.do(t, http.MethodPost, "/api/v1/breakers/missing/reset", "")
	if rec.Code != http.StatusNotFound || env.Error.Code != codeBreakerNotFound {
		t.Errorf("missing breaker: status = %d, error = %+v", rec.Code, env.Error)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	f.breakers.Get("accounting")

	rec, env := f.do(t, http.MethodGet, "/api/v1/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var health models.HealthResponse
	if err := json.Unmarshal(env.Data, &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "healthy" || health.Storage != "badger" || health.Breakers["accounting"] != "CLOSED" {
		t.Errorf("health = %+v", health)
	}

	tripBreaker(t, f.breakers.Get("accounting"))
	_, env = f.do(t, http.MethodGet, "/api/v1/health", "")
	if err := json.Unmarshal(env.Data, &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "degraded" {
		t.Errorf("status with open breaker = %q, want degraded", health.Status)
	}

	f.pingErr = errors.New("closed")
	rec, env = f.do(t, http.MethodGet, "/api/v1/health", "")
	if rec.Code != http.StatusServiceUnavailable || env.Error.Code != codeUnavailable {
		t.Errorf("storage down: status = %d, error = %+v", rec.Code, env.Error)
	}
}

func TestRouter_SecurityHeadersAndMetrics(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodGet, "/api/v1/health/live", "")
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" || rec.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("missing security headers: %v", rec.Header())
	}

	rec, _ = f.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "api_requests_total") {
		t.Errorf("/metrics status = %d", rec.Code)
	}
}

func TestRouter_RateLimit(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(Deps{
		Syncer:   f.syncer,
		Queue:    f.queue,
		Breakers: f.breakers,
	})
	f.router = NewRouter(h, RouterConfig{RateLimit: RateLimitConfig{Requests: 2, Window: time.Minute}})

	for i := 0; i < 2; i++ {
		if rec, _ := f.do(t, http.MethodGet, "/api/v1/breakers", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}
	rec, env := f.do(t, http.MethodGet, "/api/v1/breakers", "")
	if rec.Code != http.StatusTooManyRequests || env.Error == nil || env.Error.Code != "RATE_LIMITED" {
		t.Errorf("third request: status = %d, error = %+v", rec.Code, env.Error)
	}

	if rec, _ := f.do(t, http.MethodGet, "/api/v1/health/live", ""); rec.Code != http.StatusOK {
		t.Errorf("health should use its own limit, got %d", rec.Code)
	}
}
