package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcutil"
	"github.com/shopspring/decimal"

	"loopofwork/backend"
	"loopofwork/observability"
	"loopofwork/observability/logging"
)

var satsPerBTC = decimal.NewFromInt(btcutil.SatoshiPerBitcoin)

// Quote is a time-bounded conversion of a fiat amount into sats.
type Quote struct {
	RequestID string          `json:"requestId,omitempty"`
	Due       decimal.Decimal `json:"due"`
	Currency  string          `json:"currency"`
	Rate      decimal.Decimal `json:"rate"`
	Sats      btcutil.Amount  `json:"sats"`
	QuotedAt  time.Time       `json:"quotedAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// BTC returns the quoted amount in whole coins.
func (q Quote) BTC() decimal.Decimal {
	return decimal.NewFromInt(int64(q.Sats)).Shift(-8)
}

// Fresh reports whether the quote may still be displayed or accepted.
func (q Quote) Fresh(now time.Time) bool {
	return !q.ExpiresAt.IsZero() && now.Before(q.ExpiresAt)
}

// QuoteSats converts due fiat into sats at rate fiat per BTC, truncating to
// whole sats. It never rounds up.
func QuoteSats(due, rate decimal.Decimal) (btcutil.Amount, error) {
	if !rate.IsPositive() {
		return 0, fmt.Errorf("%w: non-positive rate %s", ErrPriceUnavailable, rate)
	}
	if due.IsNegative() {
		return 0, fmt.Errorf("%w: negative amount %s", ErrInvalidRequest, due)
	}
	q, _ := due.Mul(satsPerBTC).QuoRem(rate, 0)
	return btcutil.Amount(q.IntPart()), nil
}

// QuoteOption customises the engine.
type QuoteOption func(*QuoteEngine)

// WithQuoteTTL sets the quote lifetime.
func WithQuoteTTL(ttl time.Duration) QuoteOption {
	return func(e *QuoteEngine) { e.ttl = ttl }
}

// WithCurrency sets the fiat currency.
func WithCurrency(currency string) QuoteOption {
	return func(e *QuoteEngine) { e.currency = strings.ToUpper(strings.TrimSpace(currency)) }
}

// WithQuoteClock sets the clock used for quote expiry.
func WithQuoteClock(now func() time.Time) QuoteOption {
	return func(e *QuoteEngine) { e.now = now }
}

// WithQuoteLogger overrides the logger.
func WithQuoteLogger(logger *slog.Logger) QuoteOption {
	return func(e *QuoteEngine) { e.logger = logger }
}

// WithQuoteMetrics overrides the metrics registry.
func WithQuoteMetrics(m *observability.PaymentMetrics) QuoteOption {
	return func(e *QuoteEngine) { e.metrics = m }
}

// QuoteEngine prices fiat amounts in sats.
type QuoteEngine struct {
	source   RateSource
	currency string
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
	metrics  *observability.PaymentMetrics
}

// NewQuoteEngine constructs an engine sampling source.
func NewQuoteEngine(source RateSource, opts ...QuoteOption) *QuoteEngine {
	e := &QuoteEngine{
		source:   source,
		currency: "USD",
		ttl:      5 * time.Minute,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = logging.Component(e.logger, "quote")
	if e.metrics == nil {
		e.metrics = observability.Payments()
	}
	return e
}

// Currency returns the fiat currency quoted.
func (e *QuoteEngine) Currency() string { return e.currency }

// Quote prices due for requestID at the current rate.
func (e *QuoteEngine) Quote(ctx context.Context, requestID string, due decimal.Decimal) (Quote, error) {
	if e.source == nil {
		return Quote{}, fmt.Errorf("%w: no rate source", ErrPriceUnavailable)
	}
	rate, err := e.source.Rate(ctx, e.currency)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Quote{}, ctxErr
		}
		e.metrics.RecordQuote(0, err)
		if errors.Is(err, ErrPriceUnavailable) {
			return Quote{}, err
		}
		return Quote{}, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	sats, err := QuoteSats(due, rate)
	if err != nil {
		e.metrics.RecordQuote(0, err)
		return Quote{}, err
	}
	rateFloat, _ := rate.Float64()
	e.metrics.RecordQuote(rateFloat, nil)
	now := e.now().UTC()
	return Quote{
		RequestID: requestID,
		Due:       due,
		Currency:  e.currency,
		Rate:      rate,
		Sats:      sats,
		QuotedAt:  now,
		ExpiresAt: now.Add(e.ttl),
	}, nil
}

// QuoteRequest prices the effective due of req.
func (e *QuoteEngine) QuoteRequest(ctx context.Context, req Request) (Quote, error) {
	return e.Quote(ctx, req.ID, req.EffectiveDue())
}

// NewReader returns an independent last-write-wins reader.
func (e *QuoteEngine) NewReader() *QuoteReader {
	return &QuoteReader{engine: e}
}

// QuoteReader is one consumer's view of a quote. Only the most recently
// started refresh may replace the current quote; a failed refresh keeps the
// prior quote.
type QuoteReader struct {
	engine *QuoteEngine

	mu      sync.Mutex
	seq     uint64
	current *Quote
}

// Refresh fetches a new quote. A refresh overtaken by a later one returns
// ErrQuoteSuperseded and leaves the newer result in place.
func (r *QuoteReader) Refresh(ctx context.Context, requestID string, due decimal.Decimal) (Quote, error) {
	r.mu.Lock()
	r.seq++
	mine := r.seq
	r.mu.Unlock()

	q, err := r.engine.Quote(ctx, requestID, due)

	r.mu.Lock()
	defer r.mu.Unlock()
	if mine != r.seq {
		return Quote{}, ErrQuoteSuperseded
	}
	if err != nil {
		if r.current != nil {
			return *r.current, err
		}
		return Quote{}, err
	}
	r.current = &q
	return q, nil
}

// Get returns the current quote when it is fresh and prices the same amount,
// refreshing otherwise.
func (r *QuoteReader) Get(ctx context.Context, requestID string, due decimal.Decimal) (Quote, error) {
	r.mu.Lock()
	cur := r.current
	r.mu.Unlock()
	if cur != nil && cur.RequestID == requestID && cur.Due.Equal(due) && cur.Fresh(r.engine.now()) {
		return *cur, nil
	}
	return r.Refresh(ctx, requestID, due)
}

// Current returns the last accepted quote and whether it is still fresh.
func (r *QuoteReader) Current() (Quote, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return Quote{}, false
	}
	return *r.current, r.current.Fresh(r.engine.now())
}

// PriceSource reads the checkout price published by the backend.
type PriceSource interface {
	Price(ctx context.Context, id string) (backend.PriceQuote, error)
}

// RemoteQuote returns the checkout quote of a request as priced by the
// backend.
func RemoteQuote(ctx context.Context, src PriceSource, requestID string) (Quote, error) {
	price, err := src.Price(ctx, requestID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Quote{}, ctxErr
		}
		return Quote{}, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	if price.BTC.IsNegative() {
		return Quote{}, fmt.Errorf("%w: negative price", ErrPriceUnavailable)
	}
	sats := price.BTC.Mul(satsPerBTC).Floor()
	return Quote{
		RequestID: requestID,
		Currency:  "BTC",
		Sats:      btcutil.Amount(sats.IntPart()),
		QuotedAt:  time.Now().UTC(),
		ExpiresAt: price.EndTime,
	}, nil
}
