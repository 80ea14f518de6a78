// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

/*
orchestrator.go - Account Synchronization

SyncAccount pulls transactions for one linked account and stores the ones not
seen before. It never lets a provider outage surface as an error: the caller
gets a failed SyncResult with a machine code and the work is queued for the
recovery job.

Flow:
 1. Per-account lock (second caller gets SYNC_IN_PROGRESS)
 2. Account state checks (revoked, expired consent)
 3. Access token, refreshed when close to expiry
 4. Fetch window [lastSyncedAt - overlap, now] through the circuit breaker
 5. Batched dedup against stored external references, bulk insert
 6. Advance lastSyncedAt

Only account and queue store failures are returned as errors.
*/

package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/ledgerlink/internal/breaker"
	"github.com/tomtom215/ledgerlink/internal/ledger"
	"github.com/tomtom215/ledgerlink/internal/lock"
	"github.com/tomtom215/ledgerlink/internal/logging"
	"github.com/tomtom215/ledgerlink/internal/metrics"
	"github.com/tomtom215/ledgerlink/internal/models"
	"github.com/tomtom215/ledgerlink/internal/pending"
	"github.com/tomtom215/ledgerlink/internal/provider"
	"github.com/tomtom215/ledgerlink/internal/token"
)

const (
	defaultOverlap       = 24 * time.Hour
	defaultInitialWindow = 90 * 24 * time.Hour
	defaultBudget        = 120 * time.Second

	// Bookkeeping writes after a failure get their own deadline so an expired
	// sync budget cannot drop them.
	bookkeepingTimeout = 10 * time.Second
)

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Accounts ledger.AccountStore
	Records  ledger.RecordStore
	Queue    pending.Store
	Tokens   *token.Manager
	Provider provider.RemoteProvider
	Breaker  *breaker.Breaker
	// Locker serializes syncs per account. Nil uses an in-process lock.
	Locker lock.Locker
}

// Options tunes an Orchestrator. Zero values take the defaults.
type Options struct {
	Overlap       time.Duration
	InitialWindow time.Duration
	Budget        time.Duration
	Now           func() time.Time
}

// Orchestrator runs account syncs and outbound pushes.
type Orchestrator struct {
	accounts ledger.AccountStore
	records  ledger.RecordStore
	queue    pending.Store
	tokens   *token.Manager
	remote   provider.RemoteProvider
	pusher   provider.Pusher
	breaker  *breaker.Breaker
	locker   lock.Locker
	opts     Options
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(deps Deps, opts Options) *Orchestrator {
	if opts.Overlap <= 0 {
		opts.Overlap = defaultOverlap
	}
	if opts.InitialWindow <= 0 {
		opts.InitialWindow = defaultInitialWindow
	}
	if opts.Budget <= 0 {
		opts.Budget = defaultBudget
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	locker := deps.Locker
	if locker == nil {
		locker = lock.NewLocal()
	}
	pusher, _ := deps.Provider.(provider.Pusher)

	return &Orchestrator{
		accounts: deps.Accounts,
		records:  deps.Records,
		queue:    deps.Queue,
		tokens:   deps.Tokens,
		remote:   deps.Provider,
		pusher:   pusher,
		breaker:  deps.Breaker,
		locker:   locker,
		opts:     opts,
	}
}

// accountPayload is the queued payload of an account_sync item.
type accountPayload struct {
	AccountID string `json:"account_id"`
}

// SyncAccount synchronizes one account. See the file comment for the flow.
func (o *Orchestrator) SyncAccount(ctx context.Context, accountID string) (*models.SyncResult, error) {
	return o.run(ctx, accountID, true)
}

// Replay re-runs a queued account_sync item without queueing it again. It
// returns nil on success, a pending.Permanent error when retrying cannot help,
// and any other error for a retryable failure.
func (o *Orchestrator) Replay(ctx context.Context, item *models.PendingSyncItem) error {
	accountID := item.EntityID
	if len(item.Payload) > 0 {
		var p accountPayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return pending.Permanent(fmt.Errorf("decode payload: %w", err))
		}
		if p.AccountID != "" {
			accountID = p.AccountID
		}
	}

	result, err := o.run(ctx, accountID, false)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return pending.Permanent(err)
	}
	if err != nil {
		return err
	}
	if result.Success {
		return nil
	}

	if result.ErrorCode == models.CodeCircuitOpen {
		return fmt.Errorf("%w: %s", breaker.ErrCircuitOpen, result.ErrorMessage)
	}
	failure := fmt.Errorf("%s: %s", result.ErrorCode, result.ErrorMessage)
	if permanentCode(result.ErrorCode) {
		return pending.Permanent(failure)
	}
	return failure
}

func permanentCode(code string) bool {
	switch code {
	case models.CodeConsentRevoked, models.CodeConsentExpired, models.CodeConversionError, models.CodeAccountUnusable:
		return true
	}
	return false
}

func (o *Orchestrator) run(ctx context.Context, accountID string, enqueue bool) (result *models.SyncResult, err error) {
	start := o.opts.Now()
	result = &models.SyncResult{AccountID: accountID}
	defer func() {
		elapsed := o.opts.Now().Sub(start)
		result.DurationMS = elapsed.Milliseconds()
		code := result.ErrorCode
		if err != nil && code == "" {
			code = models.CodeStoreError
		}
		metrics.RecordSyncResult(elapsed, code, result.New, result.Duplicate)
	}()

	release, err := o.locker.TryLock(ctx, accountID)
	if errors.Is(err, lock.ErrNotAcquired) {
		fail(result, models.CodeSyncInProgress, "a sync for this account is already running")
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("acquire account lock: %w", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, o.opts.Budget)
	defer cancel()

	return o.syncLocked(ctx, result, enqueue)
}

func fail(result *models.SyncResult, code, message string) {
	result.Success = false
	result.ErrorCode = code
	result.ErrorMessage = strings.ToValidUTF8(message, "\uFFFD")
}

func (o *Orchestrator) syncLocked(ctx context.Context, result *models.SyncResult, enqueue bool) (*models.SyncResult, error) {
	now := o.opts.Now().UTC()

	account, err := o.accounts.GetAccount(ctx, result.AccountID)
	if err != nil {
		return result, fmt.Errorf("load account: %w", err)
	}
	ctx = logging.ContextWithAccount(ctx, account.TenantID, account.ID)
	log := *logging.Ctx(ctx)

	switch {
	case account.Status == models.AccountRevoked:
		fail(result, models.CodeConsentRevoked, "account consent has been revoked; re-link required")
		return result, nil
	case account.Status == models.AccountExpired || account.ConsentExpired(now):
		if account.Status != models.AccountExpired {
			if err := o.tokens.MarkExpired(ctx, account.ID, "consent expired"); err != nil {
				return result, err
			}
		}
		fail(result, models.CodeConsentExpired, "account consent has expired; re-link required")
		return result, nil
	}

	accessToken, err := o.tokens.AccessToken(ctx, account)
	switch {
	case err == nil:
	case errors.Is(err, token.ErrStore):
		return result, err
	case errors.Is(err, token.ErrCredentialUnreadable):
		fail(result, models.CodeAccountUnusable, err.Error())
		return result, o.recordFailure(ctx, account, result)
	default:
		return o.providerFailure(ctx, log, account, result, err, enqueue)
	}

	from := now.Add(-o.opts.InitialWindow)
	if account.LastSyncedAt != nil {
		from = account.LastSyncedAt.Add(-o.opts.Overlap)
	}

	res := breaker.Execute(ctx, o.breaker, func(callCtx context.Context) ([]models.ProviderTransaction, error) {
		return o.remote.FetchTransactions(callCtx, accessToken, account.ExternalRef, from, now)
	}, nil)
	txs, err := res.Unwrap()
	if err != nil {
		return o.providerFailure(ctx, log, account, result, err, enqueue)
	}
	result.Fetched = len(txs)

	inserted, duplicates, err := o.storeNew(ctx, account, txs, now)
	if err != nil {
		log.Error().Err(err).Msg("Failed to store fetched transactions")
		fail(result, models.CodeStoreError, err.Error())
		return result, o.recordAndQueue(ctx, account, result, enqueue)
	}
	result.New = inserted
	result.Duplicate = duplicates

	if err := o.accounts.RecordSyncSuccess(ctx, account.ID, now); err != nil {
		return result, fmt.Errorf("record sync success: %w", err)
	}
	result.Success = true

	log.Info().
		Int("fetched", result.Fetched).
		Int("new", result.New).
		Int("duplicate", result.Duplicate).
		Msg("Account synced")
	return result, nil
}

// storeNew persists the records of txs not stored before and returns the
// inserted and duplicate counts.
func (o *Orchestrator) storeNew(ctx context.Context, account *models.LinkedAccount, txs []models.ProviderTransaction, now time.Time) (int, int, error) {
	if len(txs) == 0 {
		return 0, 0, nil
	}
	candidates := uniqueRecords(account, txs, now)
	refs := make([]string, len(candidates))
	for i := range candidates {
		refs[i] = candidates[i].ExternalRef
	}

	existing, err := o.records.ExistingRefs(ctx, account.ID, refs)
	if err != nil {
		return 0, 0, err
	}
	fresh := candidates[:0]
	for _, r := range candidates {
		if _, ok := existing[r.ExternalRef]; !ok {
			fresh = append(fresh, r)
		}
	}

	inserted, err := o.records.InsertRecords(ctx, fresh)
	if err != nil {
		return 0, 0, err
	}
	return inserted, len(txs) - inserted, nil
}

// providerFailure turns a token or fetch error into a failed result. Permanent
// credential problems change the account status; everything else is queued.
func (o *Orchestrator) providerFailure(ctx context.Context, log zerolog.Logger, account *models.LinkedAccount, result *models.SyncResult, cause error, enqueue bool) (*models.SyncResult, error) {
	code := failureCode(cause)
	fail(result, code, cause.Error())

	switch code {
	case models.CodeConsentRevoked:
		log.Warn().Err(cause).Msg("Account credential revoked")
		if !errors.Is(cause, token.ErrCredentialRevoked) {
			if err := o.tokens.MarkRevoked(o.detached(ctx), account.ID, "provider revoked access"); err != nil {
				return result, err
			}
		}
		return result, nil
	case models.CodeConsentExpired:
		log.Warn().Err(cause).Msg("Account consent expired")
		if err := o.tokens.MarkExpired(o.detached(ctx), account.ID, "consent expired"); err != nil {
			return result, err
		}
		return result, nil
	}

	log.Warn().Err(cause).Str("code", code).Msg("Account sync failed")
	return result, o.recordAndQueue(ctx, account, result, enqueue)
}

// recordAndQueue queues the sync when enqueue is set, then records the
// failure on the account. The queue write comes first so a failing account
// write cannot drop the retry. Conversion failures are queued already FAILED
// so operators see them without the job retrying.
func (o *Orchestrator) recordAndQueue(ctx context.Context, account *models.LinkedAccount, result *models.SyncResult, enqueue bool) error {
	var queueErr error
	if enqueue {
		queueErr = o.queueSync(ctx, account, result)
	}
	if err := o.recordFailure(ctx, account, result); err != nil {
		return errors.Join(queueErr, err)
	}
	return queueErr
}

func (o *Orchestrator) queueSync(ctx context.Context, account *models.LinkedAccount, result *models.SyncResult) error {
	bctx, cancel := context.WithTimeout(o.detached(ctx), bookkeepingTimeout)
	defer cancel()

	payload, err := json.Marshal(accountPayload{AccountID: account.ID})
	if err != nil {
		return fmt.Errorf("encode sync payload: %w", err)
	}
	item, err := o.queue.Enqueue(bctx, models.SyncableEntity{
		TenantID:   account.TenantID,
		EntityType: models.EntityAccountSync,
		EntityID:   account.ID,
		Operation:  models.OperationFetchTransactions,
		Payload:    payload,
	})
	if err != nil {
		return fmt.Errorf("queue account sync: %w", err)
	}
	result.Queued = true

	if result.ErrorCode == models.CodeConversionError {
		if err := o.queue.MarkFailedPermanent(bctx, item.ID, errors.New(result.ErrorMessage)); err != nil {
			return fmt.Errorf("fail queued sync: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) recordFailure(ctx context.Context, account *models.LinkedAccount, result *models.SyncResult) error {
	bctx, cancel := context.WithTimeout(o.detached(ctx), bookkeepingTimeout)
	defer cancel()
	if err := o.accounts.RecordSyncFailure(bctx, account.ID, result.ErrorMessage); err != nil {
		return fmt.Errorf("record sync failure: %w", err)
	}
	return nil
}

func (o *Orchestrator) detached(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// failureCode maps a token or fetch failure to a result code.
func failureCode(err error) string {
	switch {
	case errors.Is(err, breaker.ErrCircuitOpen):
		return models.CodeCircuitOpen
	case errors.Is(err, token.ErrCredentialRevoked), errors.Is(err, provider.ErrCredentialRevoked):
		return models.CodeConsentRevoked
	case errors.Is(err, provider.ErrConsentExpired):
		return models.CodeConsentExpired
	case errors.Is(err, provider.ErrConversion):
		return models.CodeConversionError
	case errors.Is(err, provider.ErrRateLimited):
		return models.CodeRateLimited
	case errors.Is(err, breaker.ErrTimeout),
		errors.Is(err, provider.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return models.CodeTimeout
	case errors.Is(err, provider.ErrUnavailable), errors.Is(err, provider.ErrNetwork):
		return models.CodeProviderUnavailable
	default:
		return models.CodeProviderError
	}
}
