// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

package provider

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the closed set of provider failure categories. Everything past
// the adapter boundary switches on the kind, never on response bodies.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindRateLimited
	KindUnavailable
	KindTimeout
	KindNetwork
	KindCredentialRevoked
	KindConsentExpired
	KindConversion
	KindRejected
)

var kindNames = map[ErrorKind]string{
	KindUnknown:           "unknown",
	KindRateLimited:       "rate_limited",
	KindUnavailable:       "unavailable",
	KindTimeout:           "timeout",
	KindNetwork:           "network",
	KindCredentialRevoked: "credential_revoked",
	KindConsentExpired:    "consent_expired",
	KindConversion:        "conversion",
	KindRejected:          "rejected",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Permanent reports whether retrying can never succeed without a human
// (re-consent) or different input.
func (k ErrorKind) Permanent() bool {
	return k == KindCredentialRevoked || k == KindConsentExpired || k == KindConversion
}

// Sentinels matched with errors.Is against any *Error of the same kind.
var (
	ErrRateLimited       = errors.New("provider rate limit exceeded")
	ErrUnavailable       = errors.New("provider unavailable")
	ErrTimeout           = errors.New("provider request timed out")
	ErrNetwork           = errors.New("provider network error")
	ErrCredentialRevoked = errors.New("provider credential revoked")
	ErrConsentExpired    = errors.New("provider consent expired")
	ErrConversion        = errors.New("provider payload could not be converted")
	ErrRejected          = errors.New("provider rejected the request")
	ErrUnknown           = errors.New("provider error")
)

var kindSentinels = map[ErrorKind]error{
	KindUnknown:           ErrUnknown,
	KindRateLimited:       ErrRateLimited,
	KindUnavailable:       ErrUnavailable,
	KindTimeout:           ErrTimeout,
	KindNetwork:           ErrNetwork,
	KindCredentialRevoked: ErrCredentialRevoked,
	KindConsentExpired:    ErrConsentExpired,
	KindConversion:        ErrConversion,
	KindRejected:          ErrRejected,
}

// Error is a classified provider failure.
type Error struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

// NewError builds an Error of kind for op.
func NewError(kind ErrorKind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: cause}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	errs := []error{kindSentinels[e.Kind]}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// IsPermanent reports whether err carries a permanent kind.
func IsPermanent(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind.Permanent()
}

// IsAuthorization reports whether err is a revoked credential or expired
// consent. Such failures are about one account, not the provider's health,
// and are excluded from breaker statistics.
func IsAuthorization(err error) bool {
	switch KindOf(err) {
	case KindCredentialRevoked, KindConsentExpired:
		return true
	default:
		return false
	}
}
