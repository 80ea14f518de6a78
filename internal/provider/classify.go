// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

package provider

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

// RawResponse is what the adapter saw: either a transport error or an HTTP
// status with its body.
type RawResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Err        error
}

// errorBody covers the error envelopes used by open-banking and OAuth2 APIs.
type errorBody struct {
	Error            json.RawMessage `json:"error"`
	ErrorCode        string          `json:"error_code"`
	Code             string          `json:"code"`
	ErrorDescription string          `json:"error_description"`
	Message          string          `json:"message"`
}

var revokedCodes = map[string]bool{
	"invalid_grant":       true,
	"token_revoked":       true,
	"consent_revoked":     true,
	"access_revoked":      true,
	"item_login_required": true,
}

var consentExpiredCodes = map[string]bool{
	"consent_expired":          true,
	"access_expired":           true,
	"reauthorization_required": true,
}

// ClassifyError maps a raw provider response to an ErrorKind. It is pure and
// is called exactly once, at the adapter boundary.
func ClassifyError(raw RawResponse) ErrorKind {
	if raw.Err != nil {
		return classifyTransport(raw.Err)
	}

	if code := errorCode(raw.Body); code != "" {
		if revokedCodes[code] {
			return KindCredentialRevoked
		}
		if consentExpiredCodes[code] {
			return KindConsentExpired
		}
	}

	switch {
	case raw.StatusCode == http.StatusTooManyRequests:
		return KindRateLimited
	case raw.StatusCode == http.StatusRequestTimeout, raw.StatusCode == http.StatusGatewayTimeout:
		return KindTimeout
	case raw.StatusCode == http.StatusInternalServerError,
		raw.StatusCode == http.StatusBadGateway,
		raw.StatusCode == http.StatusServiceUnavailable:
		return KindUnavailable
	case raw.StatusCode == http.StatusUnprocessableEntity:
		return KindConversion
	case raw.StatusCode >= 400 && raw.StatusCode < 500:
		return KindRejected
	case raw.StatusCode >= 500:
		return KindUnavailable
	default:
		return KindUnknown
	}
}

func classifyTransport(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}

// errorCode extracts a lowercase machine code from an error body, if any.
func errorCode(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return ""
	}

	var code string
	if len(eb.Error) > 0 {
		// "error" is a string in OAuth2 and an object in some bank APIs.
		var s string
		if json.Unmarshal(eb.Error, &s) == nil {
			code = s
		} else {
			var nested struct {
				Code string `json:"code"`
			}
			if json.Unmarshal(eb.Error, &nested) == nil {
				code = nested.Code
			}
		}
	}
	if code == "" {
		code = eb.ErrorCode
	}
	if code == "" {
		code = eb.Code
	}
	return strings.ToLower(strings.TrimSpace(code))
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(h http.Header, now time.Time) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

// classifyResponse turns a raw response into an *Error.
func classifyResponse(op string, raw RawResponse) *Error {
	e := &Error{
		Kind:       ClassifyError(raw),
		Op:         op,
		StatusCode: raw.StatusCode,
		Err:        raw.Err,
	}
	if raw.Header != nil {
		e.RetryAfter = retryAfter(raw.Header, time.Now())
	}
	if raw.Err == nil {
		e.Message = truncate(string(raw.Body), 256)
	}
	return e
}

// truncate cuts s to at most n bytes on a rune boundary. Bodies are not
// guaranteed to be UTF-8, so invalid sequences are replaced.
func truncate(s string, n int) string {
	suffix := ""
	if len(s) > n {
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		s, suffix = s[:n], "..."
	}
	return strings.ToValidUTF8(s, "\uFFFD") + suffix
}
