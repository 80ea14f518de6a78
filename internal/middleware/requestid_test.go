// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func captureRequestID(t *testing.T, header string) (ctxID, respID string) {
	t.Helper()
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID = GetRequestID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	if header != "" {
		req.Header.Set(HeaderRequestID, header)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return ctxID, rec.Header().Get(HeaderRequestID)
}

func TestRequestID_GeneratesNewID(t *testing.T) {
	ctxID, respID := captureRequestID(t, "")

	if _, err := uuid.Parse(respID); err != nil {
		t.Errorf("response id %q is not a UUID: %v", respID, err)
	}
	if ctxID != respID {
		t.Errorf("context id %q != response id %q", ctxID, respID)
	}
}

func TestRequestID_UpstreamHeader(t *testing.T) {
	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{"uuid", "0b6f7a8e-4a43-4c33-9c11-8e4f0a1d2c3b", true},
		{"proxy token", "lb-7f3a.1700000000:42", true},
		{"newline injection", "abc\nlevel=error", false},
		{"space", "abc def", false},
		{"too long", strings.Repeat("a", 129), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctxID, respID := captureRequestID(t, tt.header)
			if tt.keep && respID != tt.header {
				t.Errorf("response id = %q, want %q", respID, tt.header)
			}
			if !tt.keep && respID == tt.header {
				t.Errorf("malformed id %q was passed through", tt.header)
			}
			if ctxID != respID {
				t.Errorf("context id %q != response id %q", ctxID, respID)
			}
		})
	}
}

func TestRequestID_UniquePerRequest(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		_, id := captureRequestID(t, "")
		if seen[id] {
			t.Fatalf("duplicate request id %q", id)
		}
		seen[id] = true
	}
}

func TestGetRequestID_WithoutID(t *testing.T) {
	if id := GetRequestID(context.Background()); id != "" {
		t.Errorf("GetRequestID() = %q, want empty", id)
	}
}
