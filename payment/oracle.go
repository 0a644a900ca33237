package payment

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"loopofwork/wallet"
)

// RateSource returns fiat per BTC for a currency.
type RateSource interface {
	Rate(ctx context.Context, currency string) (decimal.Decimal, error)
}

// RateSourceFunc adapts a function to RateSource.
type RateSourceFunc func(ctx context.Context, currency string) (decimal.Decimal, error)

// Rate implements RateSource.
func (f RateSourceFunc) Rate(ctx context.Context, currency string) (decimal.Decimal, error) {
	return f(ctx, currency)
}

// WalletRates samples the wallet's fiat rate listing.
type WalletRates struct {
	Wallet wallet.Wallet
}

// Rate implements RateSource.
func (s WalletRates) Rate(ctx context.Context, currency string) (decimal.Decimal, error) {
	rates, err := s.Wallet.FiatRates(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	rate, ok := rates[strings.ToUpper(strings.TrimSpace(currency))]
	if !ok || !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: no %s rate", ErrPriceUnavailable, currency)
	}
	return rate, nil
}

// PriceSample captures a single rate observation.
type PriceSample struct {
	Value     decimal.Decimal
	Timestamp time.Time
}

const defaultBreakerConfirmations = 3

// Oracle maintains a set of rate feeds per currency and exposes a median
// rate. Stale samples are ignored, outliers beyond the deviation cap are
// discarded and a jump beyond the breaker from the last accepted rate trips.
// A tripped level is accepted once it persists for the configured number of
// consecutive readings, or once the last accepted rate is older than the TTL.
type Oracle struct {
	mu            sync.Mutex
	ttl           time.Duration
	maxDeviation  decimal.Decimal
	breaker       decimal.Decimal
	confirmations int
	feeds         map[string]map[string]PriceSample
	lastAccepted  map[string]PriceSample
	trips         map[string]*breakerTrip

	sources map[string]RateSource
	now     func() time.Time
	logger  *slog.Logger
}

type breakerTrip struct {
	level decimal.Decimal
	count int
}

// OracleOption customises an Oracle.
type OracleOption func(*Oracle)

// WithBreakerConfirmations sets how many consecutive readings at a tripped
// level re-base the breaker.
func WithBreakerConfirmations(n int) OracleOption {
	return func(o *Oracle) {
		if n > 0 {
			o.confirmations = n
		}
	}
}

// WithOracleLogger overrides the logger.
func WithOracleLogger(logger *slog.Logger) OracleOption {
	return func(o *Oracle) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewOracle creates a median oracle.
func NewOracle(ttl time.Duration, maxDeviation, breaker float64, opts ...OracleOption) *Oracle {
	o := &Oracle{
		ttl:           ttl,
		maxDeviation:  decimal.NewFromFloat(maxDeviation),
		breaker:       decimal.NewFromFloat(breaker),
		confirmations: defaultBreakerConfirmations,
		feeds:         make(map[string]map[string]PriceSample),
		lastAccepted:  make(map[string]PriceSample),
		trips:         make(map[string]*breakerTrip),
		sources:       make(map[string]RateSource),
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// AddFeed registers a named source sampled on every Rate call.
func (o *Oracle) AddFeed(name string, src RateSource) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sources[name] = src
}

// Update records a new rate observation for a feed.
func (o *Oracle) Update(currency, feed string, value decimal.Decimal, observed time.Time) {
	currency = strings.ToUpper(currency)
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.feeds[currency]; !ok {
		o.feeds[currency] = make(map[string]PriceSample)
	}
	if observed.IsZero() {
		observed = o.now().UTC()
	}
	o.feeds[currency][feed] = PriceSample{Value: value, Timestamp: observed}
}

// Rate samples every registered feed and returns the median. Individual feed
// failures are logged and skipped.
func (o *Oracle) Rate(ctx context.Context, currency string) (decimal.Decimal, error) {
	o.mu.Lock()
	sources := make(map[string]RateSource, len(o.sources))
	for name, src := range o.sources {
		sources[name] = src
	}
	o.mu.Unlock()
	for name, src := range sources {
		value, err := src.Rate(ctx, currency)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return decimal.Zero, ctxErr
			}
			o.logger.Warn("rate feed failed", slog.String("feed", name), slog.Any("error", err))
			continue
		}
		o.Update(currency, name, value, o.now().UTC())
	}
	return o.Price(currency, o.now().UTC())
}

// Price computes the median rate for currency from fresh samples.
func (o *Oracle) Price(currency string, now time.Time) (decimal.Decimal, error) {
	currency = strings.ToUpper(currency)
	o.mu.Lock()
	defer o.mu.Unlock()
	feeds, ok := o.feeds[currency]
	if !ok || len(feeds) == 0 {
		return decimal.Zero, ErrPriceUnavailable
	}
	if now.IsZero() {
		now = o.now().UTC()
	}
	var values []decimal.Decimal
	for _, sample := range feeds {
		if o.ttl > 0 && now.Sub(sample.Timestamp) > o.ttl {
			continue
		}
		values = append(values, sample.Value)
	}
	if len(values) == 0 {
		return decimal.Zero, ErrPriceUnavailable
	}
	median := medianOf(values)
	if !median.IsPositive() {
		return decimal.Zero, ErrPriceUnavailable
	}
	if o.maxDeviation.IsPositive() {
		filtered := make([]decimal.Decimal, 0, len(values))
		for _, v := range values {
			if v.Sub(median).Div(median).Abs().LessThanOrEqual(o.maxDeviation) {
				filtered = append(filtered, v)
			}
		}
		if len(filtered) == 0 {
			return decimal.Zero, ErrPriceUnavailable
		}
		median = medianOf(filtered)
	}
	if prev, ok := o.lastAccepted[currency]; ok && o.beyondBreaker(prev.Value, median) {
		expired := o.ttl > 0 && now.Sub(prev.Timestamp) > o.ttl
		if !expired && !o.confirmTrip(currency, median) {
			return decimal.Zero, fmt.Errorf("%w: %s moved beyond breaker", ErrPriceUnavailable, currency)
		}
		o.logger.Warn("rate breaker re-based",
			slog.String("currency", currency),
			slog.String("previous", prev.Value.String()),
			slog.String("rate", median.String()))
	}
	delete(o.trips, currency)
	o.lastAccepted[currency] = PriceSample{Value: median, Timestamp: now}
	return median, nil
}

func (o *Oracle) beyondBreaker(prev, next decimal.Decimal) bool {
	if !o.breaker.IsPositive() || !prev.IsPositive() {
		return false
	}
	return next.Sub(prev).Div(prev).Abs().GreaterThan(o.breaker)
}

// confirmTrip counts consecutive readings near the same tripped level and
// reports whether the level has persisted long enough to accept.
func (o *Oracle) confirmTrip(currency string, level decimal.Decimal) bool {
	trip, ok := o.trips[currency]
	if !ok || o.beyondBreaker(trip.level, level) {
		trip = &breakerTrip{level: level}
		o.trips[currency] = trip
	}
	trip.count++
	return trip.count >= o.confirmations
}

func medianOf(values []decimal.Decimal) decimal.Decimal {
	sorted := append([]decimal.Decimal(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
	}
	return sorted[mid]
}
