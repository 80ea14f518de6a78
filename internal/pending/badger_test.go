// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

package pending

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/ledgerlink/internal/database"
	"github.com/tomtom215/ledgerlink/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBadgerStore(t *testing.T) (*BadgerStore, *fakeClock) {
	t.Helper()
	db, err := database.OpenBadger(database.BadgerConfig{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("OpenBadger() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewBadgerStore(db, Options{
		MaxAttempts: 3,
		Backoff:     ExponentialBackoff(time.Second),
		Now:         clock.Now,
	})
	return store, clock
}

func entity(tenant, id string) models.SyncableEntity {
	return models.SyncableEntity{
		TenantID:   tenant,
		EntityType: models.EntityAccountSync,
		EntityID:   id,
		Operation:  models.OperationFetchTransactions,
		Payload:    []byte(`{"account_id":"` + id + `"}`),
	}
}

func mustGet(t *testing.T, s *BadgerStore, id string) *models.PendingSyncItem {
	t.Helper()
	var item *models.PendingSyncItem
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		item, err = getItem(txn, id)
		return err
	})
	if err != nil {
		t.Fatalf("getItem(%s) error = %v", id, err)
	}
	return item
}

func mustEnqueue(t *testing.T, s Store, e models.SyncableEntity) *models.PendingSyncItem {
	t.Helper()
	item, err := s.Enqueue(context.Background(), e)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	return item
}

func mustClaim(t *testing.T, s Store, tenant string, n int) []*models.PendingSyncItem {
	t.Helper()
	items, err := s.ClaimBatch(context.Background(), tenant, n)
	if err != nil {
		t.Fatalf("ClaimBatch() error = %v", err)
	}
	return items
}

func TestBadgerEnqueueIsIdempotentPerEntity(t *testing.T) {
	s, clock := newTestBadgerStore(t)
	ctx := context.Background()

	first := mustEnqueue(t, s, entity("t1", "acc-1"))
	if first.Status != models.PendingStatusPending || first.MaxAttempts != 3 {
		t.Fatalf("new item = %+v", first)
	}

	clock.Advance(time.Minute)
	update := entity("t1", "acc-1")
	update.Payload = []byte(`{"v":2}`)
	second := mustEnqueue(t, s, update)

	if second.ID != first.ID {
		t.Errorf("second enqueue created %s, want update of %s", second.ID, first.ID)
	}
	stored := mustGet(t, s, first.ID)
	if string(stored.Payload) != `{"v":2}` {
		t.Errorf("payload = %s, want updated payload", stored.Payload)
	}
	if !stored.CreatedAt.Equal(first.CreatedAt) || !stored.UpdatedAt.After(first.UpdatedAt) {
		t.Errorf("timestamps created=%v updated=%v", stored.CreatedAt, stored.UpdatedAt)
	}

	// A different tenant with the same entity id is a different tuple.
	other := mustEnqueue(t, s, entity("t2", "acc-1"))
	if other.ID == first.ID {
		t.Error("tenants must not share an active item")
	}

	stats, err := s.Stats(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 2 || stats.ByStatus[models.PendingStatusPending] != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestBadgerEnqueueRejectsIncompleteEntity(t *testing.T) {
	s, _ := newTestBadgerStore(t)
	tests := []models.SyncableEntity{
		{EntityType: "x", EntityID: "1"},
		{TenantID: "t", EntityID: "1"},
		{TenantID: "t", EntityType: "x"},
	}
	for _, e := range tests {
		if _, err := s.Enqueue(context.Background(), e); !errors.Is(err, ErrInvalidEntity) {
			t.Errorf("Enqueue(%+v) error = %v, want ErrInvalidEntity", e, err)
		}
	}
}

func TestBadgerClaimBatchOrderAndAttempts(t *testing.T) {
	s, clock := newTestBadgerStore(t)

	var ids []string
	for _, id := range []string{"a", "b", "c"} {
		ids = append(ids, mustEnqueue(t, s, entity("t1", id)).ID)
		clock.Advance(time.Second)
	}

	got := mustClaim(t, s, "", 2)
	if len(got) != 2 || got[0].ID != ids[0] || got[1].ID != ids[1] {
		t.Fatalf("first claim = %v, want oldest two", itemIDs(got))
	}
	for _, item := range got {
		if item.Status != models.PendingStatusProcessing || item.Attempts != 1 {
			t.Errorf("claimed item = %+v", item)
		}
	}

	got = mustClaim(t, s, "", 10)
	if len(got) != 1 || got[0].ID != ids[2] {
		t.Fatalf("second claim = %v, want [%s]", itemIDs(got), ids[2])
	}
	if got = mustClaim(t, s, "", 10); len(got) != 0 {
		t.Errorf("third claim = %v, want none", itemIDs(got))
	}
	if got = mustClaim(t, s, "", 0); got != nil {
		t.Errorf("zero batch = %v", itemIDs(got))
	}
}

func TestBadgerClaimBatchTenantFilter(t *testing.T) {
	s, _ := newTestBadgerStore(t)
	mustEnqueue(t, s, entity("t1", "a"))
	want := mustEnqueue(t, s, entity("t2", "b"))

	got := mustClaim(t, s, "t2", 10)
	if len(got) != 1 || got[0].ID != want.ID {
		t.Fatalf("claim(t2) = %v", itemIDs(got))
	}
	stats, _ := s.Stats(context.Background(), "t1")
	if stats.ByStatus[models.PendingStatusPending] != 1 {
		t.Errorf("t1 item should remain pending: %+v", stats)
	}
}

func TestBadgerRetryLifecycle(t *testing.T) {
	s, clock := newTestBadgerStore(t)
	ctx := context.Background()
	item := mustEnqueue(t, s, entity("t1", "a"))
	cause := errors.New("provider unavailable")

	// attempt 1 fails: RETRY after 1s·2^1
	mustClaim(t, s, "", 1)
	status, err := s.MarkFailed(ctx, item.ID, cause)
	if err != nil || status != models.PendingStatusRetry {
		t.Fatalf("MarkFailed() = %v, %v; want RETRY", status, err)
	}
	stored := mustGet(t, s, item.ID)
	if stored.LastError != cause.Error() {
		t.Errorf("LastError = %q", stored.LastError)
	}
	if want := clock.Now().Add(2 * time.Second); !stored.NextAttemptAt.Equal(want) {
		t.Errorf("NextAttemptAt = %v, want %v", stored.NextAttemptAt, want)
	}

	if got := mustClaim(t, s, "", 1); len(got) != 0 {
		t.Fatal("item claimed before its backoff elapsed")
	}
	clock.Advance(2 * time.Second)

	// attempt 2 fails: RETRY after 4s
	if got := mustClaim(t, s, "", 1); len(got) != 1 || got[0].Attempts != 2 {
		t.Fatalf("second claim = %+v", got)
	}
	if status, _ = s.MarkFailed(ctx, item.ID, cause); status != models.PendingStatusRetry {
		t.Fatalf("status after attempt 2 = %v", status)
	}
	clock.Advance(4 * time.Second)

	// attempt 3 exhausts maxAttempts
	if got := mustClaim(t, s, "", 1); len(got) != 1 || got[0].Attempts != 3 {
		t.Fatalf("third claim = %+v", got)
	}
	if status, _ = s.MarkFailed(ctx, item.ID, cause); status != models.PendingStatusFailed {
		t.Fatalf("status after attempt 3 = %v, want FAILED", status)
	}
	if stored = mustGet(t, s, item.ID); stored.ProcessedAt == nil {
		t.Error("FAILED item should have ProcessedAt")
	}

	// FAILED frees the active slot.
	next := mustEnqueue(t, s, entity("t1", "a"))
	if next.ID == item.ID {
		t.Error("enqueue after FAILED should create a new item")
	}
}

func TestBadgerMarkFailedRequiresClaim(t *testing.T) {
	s, _ := newTestBadgerStore(t)
	item := mustEnqueue(t, s, entity("t1", "a"))

	if _, err := s.MarkFailed(context.Background(), item.ID, errors.New("x")); !errors.Is(err, ErrNotProcessing) {
		t.Errorf("MarkFailed(pending) error = %v, want ErrNotProcessing", err)
	}
	if _, err := s.MarkFailed(context.Background(), "missing", errors.New("x")); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkFailed(missing) error = %v, want ErrNotFound", err)
	}
}

func TestBadgerEnqueueWhileProcessingSupersedes(t *testing.T) {
	s, _ := newTestBadgerStore(t)
	ctx := context.Background()

	old := mustEnqueue(t, s, entity("t1", "a"))
	mustClaim(t, s, "", 1)

	fresh := mustEnqueue(t, s, entity("t1", "a"))
	if fresh.ID == old.ID {
		t.Fatal("a PROCESSING item does not hold the active slot")
	}

	status, err := s.MarkFailed(ctx, old.ID, errors.New("timeout"))
	if err != nil {
		t.Fatal(err)
	}
	if status != models.PendingStatusFailed {
		t.Errorf("superseded item status = %v, want FAILED", status)
	}

	stats, _ := s.Stats(ctx, "t1")
	if stats.ByStatus[models.PendingStatusPending] != 1 || stats.ByStatus[models.PendingStatusRetry] != 0 {
		t.Errorf("stats = %+v, want exactly one active item", stats)
	}
}

func TestBadgerRelease(t *testing.T) {
	s, clock := newTestBadgerStore(t)
	ctx := context.Background()
	item := mustEnqueue(t, s, entity("t1", "a"))
	mustClaim(t, s, "", 1)
	clock.Advance(time.Second)

	if err := s.Release(ctx, item.ID); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	stored := mustGet(t, s, item.ID)
	if stored.Status != models.PendingStatusRetry || stored.Attempts != 0 {
		t.Errorf("released item = %s/%d, want RETRY/0", stored.Status, stored.Attempts)
	}
	if !stored.NextAttemptAt.Equal(clock.Now()) {
		t.Errorf("NextAttemptAt = %v, want now", stored.NextAttemptAt)
	}
	if got := mustClaim(t, s, "", 1); len(got) != 1 || got[0].Attempts != 1 {
		t.Errorf("claim after release = %+v", got)
	}

	if err := s.Release(ctx, mustEnqueue(t, s, entity("t1", "b")).ID); !errors.Is(err, ErrNotProcessing) {
		t.Errorf("Release(pending) error = %v, want ErrNotProcessing", err)
	}
}

func TestBadgerReleaseSuperseded(t *testing.T) {
	s, _ := newTestBadgerStore(t)
	ctx := context.Background()
	old := mustEnqueue(t, s, entity("t1", "a"))
	mustClaim(t, s, "", 1)
	fresh := mustEnqueue(t, s, entity("t1", "a"))

	if err := s.Release(ctx, old.ID); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if got := mustGet(t, s, old.ID).Status; got != models.PendingStatusFailed {
		t.Errorf("superseded item = %v, want FAILED", got)
	}
	if got := mustGet(t, s, fresh.ID).Status; got != models.PendingStatusPending {
		t.Errorf("newer item = %v, want PENDING", got)
	}
}

func TestErrorTextKeepsUTF8(t *testing.T) {
	tests := []struct {
		name string
		msg  string
	}{
		{"two-byte runes", "x" + strings.Repeat("é", 600)},
		{"four-byte runes", "ab" + strings.Repeat("😀", 300)},
		{"invalid input", strings.Repeat("a", 10) + "\xff\xfe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := errorText(errors.New(tt.msg))
			if !utf8.ValidString(got) {
				t.Errorf("errorText() is not valid UTF-8: %q", got)
			}
			if len(got) > maxErrorText {
				t.Errorf("len = %d, want <= %d", len(got), maxErrorText)
			}
		})
	}
}

func TestBadgerMarkCompleted(t *testing.T) {
	s, _ := newTestBadgerStore(t)
	ctx := context.Background()
	item := mustEnqueue(t, s, entity("t1", "a"))
	mustClaim(t, s, "", 1)

	if err := s.MarkCompleted(ctx, item.ID); err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}
	if err := s.MarkCompleted(ctx, item.ID); err != nil {
		t.Errorf("second MarkCompleted() error = %v, want nil", err)
	}
	if err := s.MarkFailedPermanent(ctx, item.ID, errors.New("x")); !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("MarkFailedPermanent(completed) error = %v", err)
	}
	if stored := mustGet(t, s, item.ID); stored.Status != models.PendingStatusCompleted || stored.ProcessedAt == nil {
		t.Errorf("stored = %+v", stored)
	}
}

func TestBadgerMarkFailedPermanent(t *testing.T) {
	s, _ := newTestBadgerStore(t)
	ctx := context.Background()
	item := mustEnqueue(t, s, entity("t1", "a"))

	if err := s.MarkFailedPermanent(ctx, item.ID, errors.New("malformed payload")); err != nil {
		t.Fatal(err)
	}
	if got := mustClaim(t, s, "", 10); len(got) != 0 {
		t.Errorf("permanently failed item was claimed: %v", itemIDs(got))
	}
	if err := s.MarkCompleted(ctx, item.ID); !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("MarkCompleted(failed) error = %v", err)
	}
}

func TestBadgerRetryFailed(t *testing.T) {
	s, clock := newTestBadgerStore(t)
	ctx := context.Background()

	// Two FAILED items for entity a, one for b in another tenant, and c which
	// is FAILED but has a newer active item.
	a1 := mustEnqueue(t, s, entity("t1", "a"))
	_ = s.MarkFailedPermanent(ctx, a1.ID, errors.New("x"))
	clock.Advance(time.Second)
	a2 := mustEnqueue(t, s, entity("t1", "a"))
	_ = s.MarkFailedPermanent(ctx, a2.ID, errors.New("x"))
	b := mustEnqueue(t, s, entity("t2", "b"))
	_ = s.MarkFailedPermanent(ctx, b.ID, errors.New("x"))
	c := mustEnqueue(t, s, entity("t1", "c"))
	_ = s.MarkFailedPermanent(ctx, c.ID, errors.New("x"))
	mustEnqueue(t, s, entity("t1", "c"))

	n, err := s.RetryFailed(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("RetryFailed(t1) = %d, want 1", n)
	}
	if got := mustGet(t, s, a2.ID); got.Status != models.PendingStatusRetry || got.Attempts != 0 {
		t.Errorf("newest failed item = %+v, want RETRY with 0 attempts", got)
	}
	if got := mustGet(t, s, a1.ID); got.Status != models.PendingStatusFailed {
		t.Errorf("older failed item = %v, want FAILED", got.Status)
	}
	if got := mustGet(t, s, b.ID); got.Status != models.PendingStatusFailed {
		t.Errorf("other tenant item = %v, want FAILED", got.Status)
	}

	n, _ = s.RetryFailed(ctx, "")
	if n != 1 {
		t.Errorf("RetryFailed(all) = %d, want 1 (tenant t2)", n)
	}
}

func TestBadgerCleanupOldItems(t *testing.T) {
	s, clock := newTestBadgerStore(t)
	ctx := context.Background()

	done := mustEnqueue(t, s, entity("t1", "done"))
	mustClaim(t, s, "", 1)
	_ = s.MarkCompleted(ctx, done.ID)
	failed := mustEnqueue(t, s, entity("t1", "failed"))
	_ = s.MarkFailedPermanent(ctx, failed.ID, errors.New("x"))
	mustEnqueue(t, s, entity("t1", "pending"))

	if n, _ := s.CleanupOldItems(ctx, 30); n != 0 {
		t.Errorf("cleanup of fresh items removed %d", n)
	}

	clock.Advance(31 * 24 * time.Hour)
	n, err := s.CleanupOldItems(ctx, 30)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("CleanupOldItems() = %d, want 2", n)
	}
	stats, _ := s.Stats(ctx, "")
	if stats.Total != 1 || stats.ByStatus[models.PendingStatusPending] != 1 {
		t.Errorf("stats after cleanup = %+v", stats)
	}
}

func TestBadgerRequeueStale(t *testing.T) {
	s, clock := newTestBadgerStore(t)
	ctx := context.Background()
	item := mustEnqueue(t, s, entity("t1", "a"))
	mustClaim(t, s, "", 1)

	if n, _ := s.RequeueStale(ctx, 10*time.Minute); n != 0 {
		t.Errorf("fresh claim requeued: %d", n)
	}

	clock.Advance(11 * time.Minute)
	n, err := s.RequeueStale(ctx, 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("RequeueStale() = %d, want 1", n)
	}
	got := mustGet(t, s, item.ID)
	if got.Status != models.PendingStatusRetry || got.LastError != "claim lease expired" {
		t.Errorf("requeued item = %+v", got)
	}
}

func TestBadgerConcurrentClaimsNeverShareItems(t *testing.T) {
	s, clock := newTestBadgerStore(t)
	const total = 40
	for i := 0; i < total; i++ {
		mustEnqueue(t, s, entity("t1", string(rune('A'+i%26))+string(rune('a'+i/26))))
		clock.Advance(time.Millisecond)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				items, err := s.ClaimBatch(context.Background(), "", 3)
				if err != nil {
					errs <- err
					return
				}
				if len(items) == 0 {
					return
				}
				mu.Lock()
				for _, it := range items {
					seen[it.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("ClaimBatch() error = %v", err)
	}

	if len(seen) != total {
		t.Errorf("claimed %d distinct items, want %d", len(seen), total)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("item %s claimed %d times", id, n)
		}
	}
}

func TestExponentialBackoff(t *testing.T) {
	backoff := ExponentialBackoff(30 * time.Second)
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 30 * time.Second},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, MaxBackoff},
		{100, MaxBackoff},
		{-1, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := backoff(tt.attempts); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func itemIDs(items []*models.PendingSyncItem) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}
