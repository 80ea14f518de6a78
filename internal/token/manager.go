// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

// Package token keeps provider access tokens fresh. Token pairs are stored
// only sealed by config.CredentialEncryptor, bound to the account id, and
// are opened transiently for each call.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"

	"github.com/tomtom215/ledgerlink/internal/breaker"
	"github.com/tomtom215/ledgerlink/internal/config"
	"github.com/tomtom215/ledgerlink/internal/ledger"
	"github.com/tomtom215/ledgerlink/internal/logging"
	"github.com/tomtom215/ledgerlink/internal/metrics"
	"github.com/tomtom215/ledgerlink/internal/models"
	"github.com/tomtom215/ledgerlink/internal/provider"
)

var (
	// ErrCredentialRevoked means the refresh token was rejected; the account
	// is now REVOKED and must be re-linked.
	ErrCredentialRevoked = errors.New("credential revoked")

	// ErrCredentialUnreadable means the stored credential could not be opened,
	// usually because the encryption key changed.
	ErrCredentialUnreadable = errors.New("stored credential unreadable")

	// ErrStore wraps account store failures met while refreshing.
	ErrStore = errors.New("account store")
)

const (
	defaultSkew          = 5 * time.Minute
	defaultTokenLifetime = time.Hour

	// refreshTimeout bounds a whole refresh: the account read, the exchange
	// and the credential write.
	refreshTimeout = 30 * time.Second
)

// Options tunes a Manager.
type Options struct {
	// Skew refreshes tokens this long before they expire.
	Skew time.Duration
	Now  func() time.Time
}

// Manager hands out usable access tokens for linked accounts.
type Manager struct {
	accounts ledger.AccountStore
	remote   provider.RemoteProvider
	breaker  *breaker.Breaker
	sealer   *config.CredentialEncryptor
	skew     time.Duration
	now      func() time.Time

	group singleflight.Group
}

// NewManager returns a Manager. Refreshes run through b, the same breaker
// that guards the provider's data calls.
func NewManager(accounts ledger.AccountStore, remote provider.RemoteProvider, b *breaker.Breaker, sealer *config.CredentialEncryptor, opts Options) *Manager {
	if opts.Skew <= 0 {
		opts.Skew = defaultSkew
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		accounts: accounts,
		remote:   remote,
		breaker:  b,
		sealer:   sealer,
		skew:     opts.Skew,
		now:      opts.Now,
	}
}

// Seal encrypts pair for storage on accountID.
func (m *Manager) Seal(accountID string, pair models.TokenPair) (string, error) {
	data, err := json.Marshal(pair)
	if err != nil {
		return "", fmt.Errorf("encode token pair: %w", err)
	}
	return m.sealer.Encrypt(data, accountID)
}

func (m *Manager) open(account *models.LinkedAccount) (models.TokenPair, error) {
	var pair models.TokenPair
	if account.Credential == "" {
		return pair, fmt.Errorf("%w: account %s has no credential", ErrCredentialUnreadable, account.ID)
	}
	data, err := m.sealer.Decrypt(account.Credential, account.ID)
	if err != nil {
		return pair, fmt.Errorf("%w: %w", ErrCredentialUnreadable, err)
	}
	if err := json.Unmarshal(data, &pair); err != nil {
		return pair, fmt.Errorf("%w: %w", ErrCredentialUnreadable, err)
	}
	return pair, nil
}

func (m *Manager) fresh(account *models.LinkedAccount) bool {
	return account.TokenExpiresAt.After(m.now().Add(m.skew))
}

// AccessToken returns a usable access token for account, refreshing it when
// it expires within the skew margin. Concurrent refreshes of one account
// share a single exchange with the provider.
func (m *Manager) AccessToken(ctx context.Context, account *models.LinkedAccount) (string, error) {
	if account.Status == models.AccountRevoked {
		return "", fmt.Errorf("%w: account %s", ErrCredentialRevoked, account.ID)
	}
	if m.fresh(account) {
		pair, err := m.open(account)
		if err != nil {
			return "", err
		}
		return pair.AccessToken, nil
	}

	// The refresh outlives a cancelled waiter so the other waiters and the
	// stored credential still get the result. It keeps its own deadline.
	ch := m.group.DoChan(account.ID, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return m.refresh(rctx, account.ID)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (m *Manager) refresh(ctx context.Context, accountID string) (string, error) {
	account, err := m.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrStore, err)
	}
	pair, err := m.open(account)
	if err != nil {
		return "", err
	}
	// Another process may have refreshed since the caller loaded the account.
	if m.fresh(account) {
		return pair.AccessToken, nil
	}

	log := logging.Ctx(ctx).With().Str("account_id", accountID).Logger()

	res := breaker.Execute(ctx, m.breaker, func(callCtx context.Context) (*models.RefreshedToken, error) {
		return m.remote.RefreshToken(callCtx, pair.RefreshToken)
	}, nil)
	refreshed, err := res.Unwrap()
	if err != nil {
		switch {
		case res.Rejected():
			metrics.RecordTokenRefresh("rejected")
			return "", err
		case errors.Is(err, provider.ErrCredentialRevoked):
			metrics.RecordTokenRefresh("revoked")
			log.Warn().Err(err).Msg("Refresh token rejected, marking account revoked")
			if markErr := m.MarkRevoked(ctx, accountID, "refresh token rejected"); markErr != nil {
				return "", markErr
			}
			return "", fmt.Errorf("%w: %w", ErrCredentialRevoked, err)
		case errors.Is(err, provider.ErrConsentExpired):
			metrics.RecordTokenRefresh("expired")
			if markErr := m.MarkExpired(ctx, accountID, "consent expired"); markErr != nil {
				return "", markErr
			}
			return "", err
		default:
			metrics.RecordTokenRefresh("failed")
			return "", fmt.Errorf("refresh token: %w", err)
		}
	}

	lifetime := refreshed.ExpiresIn
	if lifetime <= 0 {
		lifetime = defaultTokenLifetime
	}
	next := models.TokenPair{AccessToken: refreshed.AccessToken, RefreshToken: refreshed.RefreshToken}
	if next.RefreshToken == "" {
		next.RefreshToken = pair.RefreshToken
	}
	if err := m.StoreCredential(ctx, accountID, next, m.now().Add(lifetime)); err != nil {
		return "", err
	}

	metrics.RecordTokenRefresh("success")
	log.Debug().Dur("lifetime", lifetime).Msg("Access token refreshed")
	return next.AccessToken, nil
}

// StoreCredential seals pair onto the account and marks it ACTIVE. It is used
// for the initial link and after every refresh.
func (m *Manager) StoreCredential(ctx context.Context, accountID string, pair models.TokenPair, expiresAt time.Time) error {
	sealed, err := m.Seal(accountID, pair)
	if err != nil {
		return err
	}
	if err := m.accounts.UpdateCredential(ctx, accountID, sealed, expiresAt); err != nil {
		return fmt.Errorf("%w: store credential: %w", ErrStore, err)
	}
	return nil
}

// MarkRevoked sets the account REVOKED.
func (m *Manager) MarkRevoked(ctx context.Context, accountID, reason string) error {
	if err := m.accounts.SetStatus(ctx, accountID, models.AccountRevoked, reason); err != nil {
		return fmt.Errorf("%w: mark account revoked: %w", ErrStore, err)
	}
	return nil
}

// MarkExpired sets the account EXPIRED.
func (m *Manager) MarkExpired(ctx context.Context, accountID, reason string) error {
	if err := m.accounts.SetStatus(ctx, accountID, models.AccountExpired, reason); err != nil {
		return fmt.Errorf("%w: mark account expired: %w", ErrStore, err)
	}
	return nil
}
