// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordSyncResult(t *testing.T) {
	tests := []struct {
		name       string
		code       string
		newRecords int
		duplicates int
		wantCode   string
	}{
		{"success", "", 3, 0, "OK"},
		{"rerun", "", 0, 3, "OK"},
		{"circuit open", "CIRCUIT_OPEN", 0, 0, "CIRCUIT_OPEN"},
		{"consent revoked", "CONSENT_REVOKED", 0, 0, "CONSENT_REVOKED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			beforeCode := testutil.ToFloat64(SyncResults.WithLabelValues(tt.wantCode))
			beforeNew := testutil.ToFloat64(SyncRecords.WithLabelValues("new"))
			beforeDup := testutil.ToFloat64(SyncRecords.WithLabelValues("duplicate"))

			RecordSyncResult(time.Second, tt.code, tt.newRecords, tt.duplicates)

			if got := testutil.ToFloat64(SyncResults.WithLabelValues(tt.wantCode)) - beforeCode; got != 1 {
				t.Errorf("SyncResults[%s] delta = %v, want 1", tt.wantCode, got)
			}
			if got := testutil.ToFloat64(SyncRecords.WithLabelValues("new")) - beforeNew; got != float64(tt.newRecords) {
				t.Errorf("new delta = %v, want %d", got, tt.newRecords)
			}
			if got := testutil.ToFloat64(SyncRecords.WithLabelValues("duplicate")) - beforeDup; got != float64(tt.duplicates) {
				t.Errorf("duplicate delta = %v, want %d", got, tt.duplicates)
			}
		})
	}
}

func TestUpdateQueueDepth(t *testing.T) {
	UpdateQueueDepth(map[string]int{"PENDING": 4, "FAILED": 1})

	if got := testutil.ToFloat64(PendingSyncQueueDepth.WithLabelValues("PENDING")); got != 4 {
		t.Errorf("PENDING depth = %v, want 4", got)
	}
	if got := testutil.ToFloat64(PendingSyncQueueDepth.WithLabelValues("FAILED")); got != 1 {
		t.Errorf("FAILED depth = %v, want 1", got)
	}
}

func TestTrackActiveRequest(t *testing.T) {
	before := testutil.ToFloat64(APIActiveRequests)
	TrackActiveRequest(true)
	TrackActiveRequest(true)
	TrackActiveRequest(false)
	if got := testutil.ToFloat64(APIActiveRequests) - before; got != 1 {
		t.Errorf("active request delta = %v, want 1", got)
	}
	TrackActiveRequest(false)
}

func TestConcurrentMetricRecording(t *testing.T) {
	before := testutil.ToFloat64(TokenRefreshes.WithLabelValues("success"))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			RecordTokenRefresh("success")
			RecordPendingProcessed("account_sync", "completed")
			RecordProviderCall("fetch_transactions", "ok", time.Millisecond)
			RecordAPIRequest("POST", "/api/v1/accounts/{accountID}/sync", "200", time.Millisecond)
		}()
	}
	wg.Wait()

	if got := testutil.ToFloat64(TokenRefreshes.WithLabelValues("success")) - before; got != 50 {
		t.Errorf("token refresh delta = %v, want 50", got)
	}
}

func TestMetricGathering(t *testing.T) {
	RecordTokenRefresh("failure")
	problems, err := testutil.GatherAndLint(prometheus.DefaultGatherer)
	if err != nil {
		t.Fatalf("GatherAndLint: %v", err)
	}
	for _, p := range problems {
		t.Errorf("metric %s: %s", p.Metric, p.Text)
	}
}
