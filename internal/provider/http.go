// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

/*
http.go - JSON REST provider adapter

Endpoints used:
  - GET  {base}/accounts/{ref}/transactions?from=&to=&cursor=  (paginated)
  - POST {base}/{kind}s with an Idempotency-Key header
  - POST {token_url} OAuth2 refresh_token grant

Outbound calls share one token-bucket limiter so the provider's published
rate limit is respected across all accounts.
*/

package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/tomtom215/ledgerlink/internal/metrics"
	"github.com/tomtom215/ledgerlink/internal/models"
)

const maxBodyBytes = 10 << 20

// HTTPConfig configures an HTTPProvider.
type HTTPConfig struct {
	Name         string
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	RateLimit    float64
	RateBurst    int
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// HTTPProvider talks to a JSON REST provider.
type HTTPProvider struct {
	name       string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	oauth      *oauth2.Config
}

var (
	_ RemoteProvider = (*HTTPProvider)(nil)
	_ Pusher         = (*HTTPProvider)(nil)
)

// NewHTTPProvider creates an adapter. TokenURL defaults to {base}/oauth2/token.
func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = baseURL + "/oauth2/token"
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.RateBurst
	if burst < 1 {
		burst = 1
	}

	return &HTTPProvider{
		name:       cfg.Name,
		baseURL:    baseURL,
		httpClient: client,
		limiter:    rate.NewLimiter(limit, burst),
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
	}
}

// Name implements RemoteProvider.
func (p *HTTPProvider) Name() string {
	return p.name
}

type transactionPage struct {
	Transactions []json.RawMessage `json:"transactions"`
	NextCursor   string            `json:"next_cursor"`
}

type wireTransaction struct {
	ID          string `json:"id"`
	AmountMinor *int64 `json:"amount_minor"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
	BookedAt    string `json:"booked_at"`
}

// FetchTransactions implements RemoteProvider. All pages are fetched before
// returning so a failure midway yields no partial result.
func (p *HTTPProvider) FetchTransactions(ctx context.Context, accessToken, accountRef string, from, to time.Time) ([]models.ProviderTransaction, error) {
	const op = "fetch_transactions"
	start := time.Now()

	var out []models.ProviderTransaction
	cursor := ""
	for {
		q := url.Values{}
		q.Set("from", from.UTC().Format(time.RFC3339))
		q.Set("to", to.UTC().Format(time.RFC3339))
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		endpoint := fmt.Sprintf("%s/accounts/%s/transactions?%s", p.baseURL, url.PathEscape(accountRef), q.Encode())

		body, err := p.do(ctx, op, http.MethodGet, endpoint, accessToken, nil, nil)
		if err != nil {
			metrics.RecordProviderCall(op, KindOf(err).String(), time.Since(start))
			return nil, err
		}

		var page transactionPage
		if err := json.Unmarshal(body, &page); err != nil {
			metrics.RecordProviderCall(op, KindConversion.String(), time.Since(start))
			return nil, NewError(KindConversion, op, "malformed transaction page", err)
		}

		for _, raw := range page.Transactions {
			tx, err := decodeTransaction(raw)
			if err != nil {
				metrics.RecordProviderCall(op, KindConversion.String(), time.Since(start))
				return nil, NewError(KindConversion, op, "malformed transaction", err)
			}
			out = append(out, tx)
		}

		if page.NextCursor == "" || page.NextCursor == cursor {
			break
		}
		cursor = page.NextCursor
	}

	metrics.RecordProviderCall(op, "ok", time.Since(start))
	return out, nil
}

func decodeTransaction(raw json.RawMessage) (models.ProviderTransaction, error) {
	var w wireTransaction
	if err := json.Unmarshal(raw, &w); err != nil {
		return models.ProviderTransaction{}, err
	}
	if w.AmountMinor == nil {
		return models.ProviderTransaction{}, errors.New("amount_minor missing")
	}
	if len(w.Currency) != 3 {
		return models.ProviderTransaction{}, fmt.Errorf("invalid currency %q", w.Currency)
	}
	booked, err := time.Parse(time.RFC3339, w.BookedAt)
	if err != nil {
		booked, err = time.Parse(time.DateOnly, w.BookedAt)
		if err != nil {
			return models.ProviderTransaction{}, fmt.Errorf("invalid booked_at %q", w.BookedAt)
		}
	}
	return models.ProviderTransaction{
		ID:          w.ID,
		Amount:      *w.AmountMinor,
		Currency:    strings.ToUpper(w.Currency),
		Description: w.Description,
		BookedAt:    booked.UTC(),
		Raw:         append(json.RawMessage(nil), raw...),
	}, nil
}

// RefreshToken implements RemoteProvider using the OAuth2 refresh_token grant.
func (p *HTTPProvider) RefreshToken(ctx context.Context, refreshToken string) (*models.RefreshedToken, error) {
	const op = "refresh_token"
	start := time.Now()

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, limiterError(op, err)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	src := p.oauth.TokenSource(ctx, &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Unix(1, 0),
	})

	tok, err := src.Token()
	if err != nil {
		perr := classifyTokenError(op, err)
		metrics.RecordProviderCall(op, perr.Kind.String(), time.Since(start))
		return nil, perr
	}
	metrics.RecordProviderCall(op, "ok", time.Since(start))

	out := &models.RefreshedToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if out.RefreshToken == "" {
		// Providers without rotation keep the old refresh token valid.
		out.RefreshToken = refreshToken
	}
	if !tok.Expiry.IsZero() {
		out.ExpiresIn = time.Until(tok.Expiry)
	}
	return out, nil
}

func classifyTokenError(op string, err error) *Error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return classifyResponse(op, RawResponse{Err: err})
	}
	if re.ErrorCode == "invalid_grant" {
		return &Error{Kind: KindCredentialRevoked, Op: op, Message: re.ErrorDescription, Err: err}
	}
	raw := RawResponse{Body: re.Body}
	if re.Response != nil {
		raw.StatusCode = re.Response.StatusCode
		raw.Header = re.Response.Header
	}
	perr := classifyResponse(op, raw)
	perr.Err = err
	return perr
}

type pushResponse struct {
	ID string `json:"id"`
}

// PushEntity implements Pusher. A 409 Conflict means the idempotency key was
// already applied and counts as success.
func (p *HTTPProvider) PushEntity(ctx context.Context, accessToken string, entity *models.OutboundEntity, idempotencyKey string) (string, error) {
	const op = "push_entity"
	start := time.Now()

	endpoint := fmt.Sprintf("%s/%ss", p.baseURL, url.PathEscape(entity.Kind))
	headers := map[string]string{"Idempotency-Key": idempotencyKey}

	body, err := p.do(ctx, op, http.MethodPost, endpoint, accessToken, headers, entity.Body)
	var perr *Error
	if errors.As(err, &perr) && perr.StatusCode == http.StatusConflict {
		var resp pushResponse
		_ = json.Unmarshal([]byte(perr.Message), &resp)
		metrics.RecordProviderCall(op, "ok", time.Since(start))
		return resp.ID, nil
	}
	if err != nil {
		metrics.RecordProviderCall(op, KindOf(err).String(), time.Since(start))
		return "", err
	}

	var resp pushResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &resp); err != nil {
			metrics.RecordProviderCall(op, KindConversion.String(), time.Since(start))
			return "", NewError(KindConversion, op, "malformed push response", err)
		}
	}
	metrics.RecordProviderCall(op, "ok", time.Since(start))
	return resp.ID, nil
}

// do runs one rate-limited request and returns the body of a 2xx response or
// a classified *Error.
func (p *HTTPProvider) do(ctx context.Context, op, method, endpoint, accessToken string, headers map[string]string, payload []byte) ([]byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, limiterError(op, err)
	}

	var reqBody io.Reader = http.NoBody
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, classifyResponse(op, RawResponse{Err: err})
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, classifyResponse(op, RawResponse{Err: err})
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyResponse(op, RawResponse{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       body,
		})
	}
	return body, nil
}

// limiterError reports a limiter wait that could not complete before the
// caller's deadline as a timeout.
func limiterError(op string, err error) *Error {
	if errors.Is(err, context.Canceled) {
		return classifyResponse(op, RawResponse{Err: err})
	}
	return NewError(KindTimeout, op, "rate limiter wait", err)
}
