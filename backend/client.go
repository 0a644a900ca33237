// Package backend is the HTTP client for the merchant backend: login
// challenges, payment-request records, settlement and redemption reports,
// checkout prices and receipt metadata.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"loopofwork/identity"
	"loopofwork/observability"
	"loopofwork/observability/logging"
	telemetry "loopofwork/observability/otel"
)

var (
	// ErrNetwork wraps transport failures reaching the backend.
	ErrNetwork = errors.New("backend: network error")
	// ErrNotFound is returned for records the backend does not know.
	ErrNotFound = errors.New("backend: not found")
	// ErrNoTokenSource is returned by authenticated routes when no session
	// provider was configured.
	ErrNoTokenSource = errors.New("backend: no token source configured")
)

const maxErrorBody = 4 << 10

// IdempotencyHeader carries the key that lets the backend deduplicate
// retried POSTs.
const IdempotencyHeader = "Idempotency-Key"

// StatusError is a non-2xx backend response.
type StatusError struct {
	Route  string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("backend %s: status %d", e.Route, e.Status)
	}
	return fmt.Sprintf("backend %s: status %d: %s", e.Route, e.Status, body)
}

// Unwrap maps well known statuses to sentinels.
func (e *StatusError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized:
		return identity.ErrSessionInvalid
	}
	return nil
}

// IsStatus reports whether err is a StatusError with one of the statuses.
func IsStatus(err error, statuses ...int) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	for _, s := range statuses {
		if se.Status == s {
			return true
		}
	}
	return false
}

// TokenSource supplies bearer tokens. Invalidate is called after the backend
// rejects a token so the next Token call re-authenticates.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate(token string)
}

// Config configures the client.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64
	Burst     int
	HTTP      *http.Client
	Logger    *slog.Logger
	Metrics   *observability.PaymentMetrics
}

// Client talks to the merchant backend.
type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *observability.PaymentMetrics

	mu     sync.RWMutex
	tokens TokenSource
}

var _ identity.AuthAPI = (*Client)(nil)

// New constructs a backend client.
func New(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("backend: base url required")
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("backend: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend: unsupported scheme %q", base.Scheme)
	}
	client := cfg.HTTP
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = telemetry.HTTPClient(nil, timeout)
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.Payments()
	}
	return &Client{
		base:    base,
		http:    client,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logging.Component(logger, "backend"),
		metrics: metrics,
	}, nil
}

// SetTokenSource wires the session provider used by authenticated routes.
func (c *Client) SetTokenSource(ts TokenSource) {
	c.mu.Lock()
	c.tokens = ts
	c.mu.Unlock()
}

func (c *Client) tokenSource() TokenSource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens
}

// Challenge fetches a login nonce for publicKey.
func (c *Client) Challenge(ctx context.Context, publicKey string) (string, error) {
	q := url.Values{}
	q.Set("publicKey", publicKey)
	var out struct {
		Nonce string `json:"nonce"`
	}
	if err := c.do(ctx, request{route: "auth_challenge", method: http.MethodGet, path: "/auth/challenge", query: q}, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Nonce) == "" {
		return "", fmt.Errorf("backend: empty challenge nonce")
	}
	return out.Nonce, nil
}

// Verify submits the signed challenge. A rejected login wraps
// identity.ErrAuthenticationFailed.
func (c *Client) Verify(ctx context.Context, publicKey, signature, nonce string) (string, time.Time, error) {
	body := map[string]string{"publicKey": publicKey, "signature": signature, "nonce": nonce}
	var out struct {
		SessionID string `json:"sessionId"`
		ExpiresAt int64  `json:"expiresAt"`
	}
	err := c.do(ctx, request{route: "auth_verify", method: http.MethodPost, path: "/auth/verify", body: body}, &out)
	if err != nil {
		if IsStatus(err, http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden) {
			return "", time.Time{}, fmt.Errorf("%w: %v", identity.ErrAuthenticationFailed, err)
		}
		return "", time.Time{}, err
	}
	var expires time.Time
	if out.ExpiresAt > 0 {
		expires = time.UnixMilli(out.ExpiresAt).UTC()
	}
	return out.SessionID, expires, nil
}

// CheckSession probes token liveness. A 401 unwraps to identity.ErrSessionInvalid.
func (c *Client) CheckSession(ctx context.Context, token string) error {
	return c.do(ctx, request{route: "auth_check", method: http.MethodGet, path: "/auth/check", token: token}, nil)
}

// NextNonce reserves the next derivation nonce for the merchant.
func (c *Client) NextNonce(ctx context.Context) (uint32, error) {
	var out struct {
		Nonce json.Number `json:"nonce"`
	}
	if err := c.do(ctx, request{route: "payment_request_nonce", method: http.MethodGet, path: "/payment-request-nonce", auth: true}, &out); err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(out.Nonce.String(), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("backend: invalid nonce %q: %w", out.Nonce, err)
	}
	return uint32(n), nil
}

// CreatePaymentRequest stores a new request and returns its id.
func (c *Client) CreatePaymentRequest(ctx context.Context, in CreatePaymentRequest) (string, error) {
	var out struct {
		PaymentRequestID string `json:"paymentRequestId"`
	}
	req := request{route: "payment_request_create", method: http.MethodPost, path: "/payment-request", body: in, auth: true, idempotencyKey: in.IdempotencyKey}
	if err := c.do(ctx, req, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.PaymentRequestID) == "" {
		return "", fmt.Errorf("backend: empty payment request id")
	}
	return out.PaymentRequestID, nil
}

// ListPaymentRequests returns every request owned by the merchant.
func (c *Client) ListPaymentRequests(ctx context.Context) ([]PaymentRequest, error) {
	var out struct {
		PaymentRequests []PaymentRequest `json:"paymentRequests"`
	}
	if err := c.do(ctx, request{route: "payment_request_list", method: http.MethodGet, path: "/payment-requests", auth: true}, &out); err != nil {
		return nil, err
	}
	return out.PaymentRequests, nil
}

// GetPaymentRequest reads a single request. Unknown ids return ErrNotFound.
func (c *Client) GetPaymentRequest(ctx context.Context, id string) (*PaymentRequest, error) {
	var out struct {
		PaymentRequest *PaymentRequest `json:"paymentRequest"`
	}
	if err := c.do(ctx, request{route: "payment_request_get", method: http.MethodGet, path: "/payment-request/" + url.PathEscape(id)}, &out); err != nil {
		return nil, err
	}
	if out.PaymentRequest == nil {
		return nil, ErrNotFound
	}
	return out.PaymentRequest, nil
}

// DeletePaymentRequest removes a request.
func (c *Client) DeletePaymentRequest(ctx context.Context, id string) error {
	return c.do(ctx, request{route: "payment_request_delete", method: http.MethodDelete, path: "/payment-request/" + url.PathEscape(id), auth: true}, nil)
}

// Settle reports the settling transaction of a request.
func (c *Client) Settle(ctx context.Context, id, txID string) error {
	path := "/payment-request/" + url.PathEscape(id) + "/settle/" + url.PathEscape(txID)
	return c.do(ctx, request{route: "payment_request_settle", method: http.MethodPost, path: path, auth: true}, nil)
}

// Redeem reports a burn transaction for a request. The backend verifies the
// burn before recording it.
func (c *Client) Redeem(ctx context.Context, id, txID string) error {
	path := "/payment-request/" + url.PathEscape(id) + "/redeem/" + url.PathEscape(txID)
	return c.do(ctx, request{route: "payment_request_redeem", method: http.MethodPost, path: path}, nil)
}

// Price returns the checkout price quoted by the backend.
func (c *Client) Price(ctx context.Context, id string) (PriceQuote, error) {
	var out wirePrice
	if err := c.do(ctx, request{route: "payment_request_price", method: http.MethodGet, path: "/payment-request/" + url.PathEscape(id) + "/price"}, &out); err != nil {
		return PriceQuote{}, err
	}
	quote := PriceQuote{BTC: out.BTC}
	if out.EndTime > 0 {
		quote.EndTime = time.UnixMilli(out.EndTime).UTC()
	}
	return quote, nil
}

// GetReceipt returns the receipt metadata for a mint transaction, or nil when
// none has been attached.
func (c *Client) GetReceipt(ctx context.Context, txID string) (*Receipt, error) {
	var out struct {
		Receipt *Receipt `json:"receipt"`
	}
	err := c.do(ctx, request{route: "receipt_get", method: http.MethodGet, path: "/receipt/" + url.PathEscape(txID), auth: true}, &out)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out.Receipt, nil
}

// PatchReceipt attaches or replaces receipt metadata.
func (c *Client) PatchReceipt(ctx context.Context, txID string, patch ReceiptPatch) error {
	body, err := patch.wire()
	if err != nil {
		return err
	}
	return c.do(ctx, request{route: "receipt_patch", method: http.MethodPatch, path: "/receipt/" + url.PathEscape(txID), body: body, auth: true}, nil)
}

type request struct {
	route  string
	method string
	path   string
	query  url.Values
	body   interface{}
	auth   bool
	token  string

	// idempotencyKey is fixed per call so the re-login retry reuses it.
	idempotencyKey string
}

// do runs the request, retrying authenticated routes once with a fresh token
// after a 401.
func (c *Client) do(ctx context.Context, req request, out interface{}) error {
	if req.method == http.MethodPost && strings.TrimSpace(req.idempotencyKey) == "" {
		req.idempotencyKey = uuid.NewString()
	}
	if !req.auth {
		return c.send(ctx, req, req.token, out)
	}
	ts := c.tokenSource()
	if ts == nil {
		return ErrNoTokenSource
	}
	for attempt := 0; ; attempt++ {
		token, err := ts.Token(ctx)
		if err != nil {
			return err
		}
		err = c.send(ctx, req, token, out)
		if !IsStatus(err, http.StatusUnauthorized) {
			return err
		}
		ts.Invalidate(token)
		if attempt > 0 {
			return err
		}
		c.logger.Info("session rejected, retrying", slog.String("route", req.route))
	}
}

func (c *Client) send(ctx context.Context, req request, token string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	target := *c.base
	target.Path = strings.TrimRight(c.base.Path, "/") + req.path
	target.RawPath = ""
	if len(req.query) > 0 {
		target.RawQuery = req.query.Encode()
	}
	var payload io.Reader
	if req.body != nil {
		buf, err := json.Marshal(req.body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(buf)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, target.String(), payload)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	if req.idempotencyKey != "" {
		httpReq.Header.Set(IdempotencyHeader, req.idempotencyKey)
	}
	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.metrics.ObserveBackend(req.route, 0, time.Since(start))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s %s: %v", ErrNetwork, req.method, req.route, err)
	}
	defer resp.Body.Close()
	c.metrics.ObserveBackend(req.route, resp.StatusCode, time.Since(start))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Route: req.route, Status: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("backend %s: decode response: %w", req.route, err)
	}
	return nil
}
