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
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"loopofwork/backend"
	"loopofwork/observability"
	"loopofwork/observability/logging"
	telemetry "loopofwork/observability/otel"
	"loopofwork/storage/journal"
	"loopofwork/storage/settlelog"
	"loopofwork/wallet"
)

// Backend is the full backend surface a merchant session uses.
type Backend interface {
	NonceSource
	SettlementAPI
	ReceiptAPI
	PriceSource
	Redeem(ctx context.Context, id, txID string) error
	CreatePaymentRequest(ctx context.Context, in backend.CreatePaymentRequest) (string, error)
	ListPaymentRequests(ctx context.Context) ([]backend.PaymentRequest, error)
}

// MerchantConfig holds the session settings.
type MerchantConfig struct {
	FiatCurrency string
	// ActivationFee is charged in fiat before each request is created. Zero
	// disables it.
	ActivationFee decimal.Decimal
	FeeSink       string
	BurnSink      string
	PollInterval  time.Duration
	QuoteTTL      time.Duration
	// OverviewConcurrency bounds concurrent sub-account reconciliation.
	OverviewConcurrency int
}

// MerchantOption customises the merchant.
type MerchantOption func(*Merchant)

// WithJournal enables the activation fee journal.
func WithJournal(j *journal.Journal) MerchantOption {
	return func(m *Merchant) { m.journal = j }
}

// WithSettleLog enables the local settlement log.
func WithSettleLog(l *settlelog.Log) MerchantOption {
	return func(m *Merchant) { m.settled = l }
}

// WithRateSource replaces the wallet's fiat rates as price source.
func WithRateSource(src RateSource) MerchantOption {
	return func(m *Merchant) { m.rates = src }
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) MerchantOption {
	return func(m *Merchant) { m.logger = logger }
}

// WithMetrics overrides the metrics registry.
func WithMetrics(metrics *observability.PaymentMetrics) MerchantOption {
	return func(m *Merchant) { m.metrics = metrics }
}

// WithClock sets the function used to derive timestamps.
func WithClock(now func() time.Time) MerchantOption {
	return func(m *Merchant) { m.now = now }
}

// WithAutoWatch starts a watcher for every request CreateRequest registers.
// onSettled may be nil.
func WithAutoWatch(onSettled func(Request)) MerchantOption {
	return func(m *Merchant) {
		m.autoWatch = true
		m.onSettled = onSettled
	}
}

// Merchant is one authenticated merchant session. It owns the components of
// the request lifecycle and every watcher started through it; Close stops
// them all.
type Merchant struct {
	cfg     MerchantConfig
	main    wallet.Wallet
	api     Backend
	journal *journal.Journal
	settled *settlelog.Log
	rates   RateSource
	logger  *slog.Logger
	metrics *observability.PaymentMetrics
	now     func() time.Time

	autoWatch bool
	onSettled func(Request)

	deriver    *Deriver
	quotes     *QuoteEngine
	watcher    *Watcher
	reconciler *Reconciler
	redemption *RedemptionLedger
	claims     *ClaimManager
	receipts   *ReceiptIssuer

	// createMu serializes nonce allocation through request registration.
	createMu sync.Mutex

	mu      sync.Mutex
	watches map[string]*watch
	wg      sync.WaitGroup
	closed  bool
}

type watch struct {
	cancel context.CancelFunc
}

// NewMerchant assembles a merchant session over the main wallet and an
// authenticated backend.
func NewMerchant(main wallet.Wallet, api Backend, cfg MerchantConfig, opts ...MerchantOption) (*Merchant, error) {
	if main == nil {
		return nil, fmt.Errorf("payment: main wallet required")
	}
	if api == nil {
		return nil, fmt.Errorf("payment: backend required")
	}
	if main.AccountNumber() != 0 {
		return nil, fmt.Errorf("payment: main wallet must be account 0, got %d", main.AccountNumber())
	}
	m := &Merchant{
		cfg:     cfg,
		main:    main,
		api:     api,
		now:     time.Now,
		watches: make(map[string]*watch),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.FiatCurrency == "" {
		m.cfg.FiatCurrency = "USD"
	}
	if m.cfg.OverviewConcurrency <= 0 {
		m.cfg.OverviewConcurrency = 4
	}
	if m.cfg.ActivationFee.IsPositive() && strings.TrimSpace(m.cfg.FeeSink) == "" {
		return nil, fmt.Errorf("payment: fee sink required when an activation fee is set")
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.metrics == nil {
		m.metrics = observability.Payments()
	}
	if m.rates == nil {
		m.rates = WalletRates{Wallet: main}
	}

	m.deriver = NewDeriver(main, api, WithMemoization(true))
	quoteOpts := []QuoteOption{
		WithCurrency(m.cfg.FiatCurrency),
		WithQuoteClock(m.now),
		WithQuoteLogger(m.logger),
		WithQuoteMetrics(m.metrics),
	}
	if m.cfg.QuoteTTL > 0 {
		quoteOpts = append(quoteOpts, WithQuoteTTL(m.cfg.QuoteTTL))
	}
	m.quotes = NewQuoteEngine(m.rates, quoteOpts...)
	m.watcher = NewWatcher(api, m.settled, m.deriver,
		WithPollInterval(m.cfg.PollInterval),
		WithWatcherLogger(m.logger),
		WithWatcherMetrics(m.metrics),
		WithWatcherClock(m.now))
	m.reconciler = NewReconciler(m.logger, m.metrics)
	m.redemption = NewRedemptionLedger(api, m.cfg.BurnSink, m.logger, m.metrics)
	m.claims = NewClaimManager(main, m.deriver, m.reconciler, api, m.logger, m.metrics)
	m.receipts = NewReceiptIssuer(main, api, m.logger, m.metrics)
	m.logger = logging.Component(m.logger, "merchant")
	return m, nil
}

// Open reconciles the main wallet's pending deposits.
func (m *Merchant) Open(ctx context.Context) (ReconcileResult, error) {
	res, err := m.reconciler.Reconcile(ctx, m.main)
	if err != nil {
		return res, err
	}
	if len(res.Failures) > 0 {
		m.logger.Warn("startup reconciliation incomplete", slog.Int("failed", len(res.Failures)))
	}
	return res, nil
}

// Quotes exposes the quote engine, e.g. to create independent readers.
func (m *Merchant) Quotes() *QuoteEngine { return m.quotes }

// Receipts exposes the receipt issuer.
func (m *Merchant) Receipts() *ReceiptIssuer { return m.receipts }

// Redemptions exposes the redemption ledger.
func (m *Merchant) Redemptions() *RedemptionLedger { return m.redemption }

// CreateRequestInput describes a new payment request.
type CreateRequestInput struct {
	Amount       decimal.Decimal
	Description  string
	DiscountRate decimal.Decimal
	// TokenID defaults to the merchant's issuer token when a discount is set.
	TokenID string
}

// Validate checks the input without any I/O.
func (in CreateRequestInput) Validate() error {
	if !in.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if in.DiscountRate.IsNegative() || in.DiscountRate.GreaterThan(hundred) {
		return fmt.Errorf("%w: discount rate must be within 0..100", ErrInvalidRequest)
	}
	if len(in.Description) > 1024 {
		return fmt.Errorf("%w: description too long", ErrInvalidRequest)
	}
	return nil
}

// CreateRequest pays the activation fee, allocates a nonce, derives the
// request's sub-account and registers its addresses with the backend. A
// fee paid for a creation that failed is reused by the next call. A fee
// transfer declined by the wallet owner returns ErrCancelled.
func (m *Merchant) CreateRequest(ctx context.Context, in CreateRequestInput) (Request, error) {
	ctx, span := startSpan(ctx, "create_request", "", attribute.String("request.amount", in.Amount.String()))
	req, err := m.createRequest(ctx, in)
	span.SetAttributes(attribute.String("request.id", req.ID))
	telemetry.Finish(span, err)
	return req, err
}

func (m *Merchant) createRequest(ctx context.Context, in CreateRequestInput) (Request, error) {
	if err := in.Validate(); err != nil {
		return Request{}, err
	}
	in.Description = strings.TrimSpace(in.Description)
	if in.DiscountRate.IsPositive() && strings.TrimSpace(in.TokenID) == "" {
		meta, err := m.receipts.Token(ctx)
		if err != nil {
			return Request{}, fmt.Errorf("discount token: %w", err)
		}
		in.TokenID = meta.TokenID
	}

	m.createMu.Lock()
	defer m.createMu.Unlock()
	fee, err := m.payActivationFee(ctx)
	if err != nil {
		return Request{}, err
	}
	key := ""
	if fee != nil {
		key = "fee-" + fee.ID.String()
	}
	id, err := m.register(ctx, in, key)
	if err != nil {
		m.releaseFee(fee)
		return Request{}, err
	}
	if fee != nil && m.journal != nil {
		if err := m.journal.Bind(ctx, fee.ID, id); err != nil {
			m.logger.Error("bind activation fee", slog.String("fee", fee.ID.String()), slog.String("request", id), slog.Any("error", err))
		}
	}
	m.logger.Info("payment request created",
		slog.String("request", id),
		slog.String("amount", in.Amount.String()),
		slog.String("discountRate", in.DiscountRate.String()))
	req, err := m.watcher.Fetch(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if m.autoWatch {
		// The watcher outlives the creating call; Close stops it.
		if err := m.Watch(context.WithoutCancel(ctx), id, m.onSettled); err != nil {
			m.logger.Warn("watch new request", slog.String("request", id), slog.Any("error", err))
		}
	}
	return req, nil
}

// register derives the next sub-account and stores the request. key, when
// set, ties the backend record to the activation fee paying for it.
func (m *Merchant) register(ctx context.Context, in CreateRequestInput, key string) (string, error) {
	nonce, err := m.deriver.AllocateNonce(ctx)
	if err != nil {
		return "", err
	}
	sub, err := m.deriver.Derive(ctx, nonce)
	if err != nil {
		return "", err
	}
	addrs, err := wallet.ReceiveAddresses(ctx, sub)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDerivationFailed, err)
	}
	id, err := m.api.CreatePaymentRequest(ctx, backend.CreatePaymentRequest{
		Amount:       in.Amount,
		Description:  in.Description,
		BTCAddress:   addrs.Onchain,
		SparkAddress: addrs.Spark,
		LNAddress:    addrs.Lightning,
		TokenID:      in.TokenID,
		DiscountRate: in.DiscountRate,
		Nonce:        nonce,

		IdempotencyKey: key,
	})
	if err != nil {
		return "", fmt.Errorf("create payment request: %w", err)
	}
	return id, nil
}

// payActivationFee returns a reserved fee, paying a new one only when no
// earlier payment is waiting to be bound.
func (m *Merchant) payActivationFee(ctx context.Context) (*journal.FeePayment, error) {
	if !m.cfg.ActivationFee.IsPositive() {
		return nil, nil
	}
	if m.journal != nil {
		fee, err := m.journal.Reserve(ctx)
		if err != nil {
			return nil, fmt.Errorf("reserve activation fee: %w", err)
		}
		if fee != nil {
			m.logger.Info("reusing unbound activation fee", slog.String("fee", fee.ID.String()), slog.String("tx", fee.TxID))
			return fee, nil
		}
	}

	q, err := m.quotes.Quote(ctx, "", m.cfg.ActivationFee)
	if err != nil {
		return nil, err
	}
	if q.Sats <= 0 {
		return nil, fmt.Errorf("%w: activation fee quotes to zero sats", ErrPriceUnavailable)
	}
	send := wallet.SendRequest{Rail: wallet.RailSpark, Recipient: m.cfg.FeeSink, Sats: q.Sats}
	fee := &journal.FeePayment{
		FiatAmount: m.cfg.ActivationFee.String(),
		Currency:   q.Currency,
		AmountSats: int64(q.Sats),
		Recipient:  m.cfg.FeeSink,
	}
	if m.journal != nil {
		if fee, err = m.journal.Begin(ctx, *fee); err != nil {
			return nil, fmt.Errorf("journal activation fee: %w", err)
		}
	}
	transferFee, err := m.main.TransferFee(ctx, send)
	if err != nil {
		transferFee = 0
	}
	txID, err := m.main.Send(ctx, send)
	if err != nil {
		if m.journal != nil {
			if jerr := m.journal.MarkFailed(context.WithoutCancel(ctx), fee.ID, err.Error()); jerr != nil {
				m.logger.Error("mark activation fee failed", slog.String("fee", fee.ID.String()), slog.Any("error", jerr))
			}
		}
		if errors.Is(err, wallet.ErrUserRejected) {
			return nil, ErrCancelled
		}
		return nil, fmt.Errorf("pay activation fee: %w", err)
	}
	fee.TxID = txID
	fee.FeeSats = int64(transferFee)
	m.logger.Info("activation fee paid", slog.String("tx", txID), slog.Int64("sats", int64(q.Sats)))
	if m.journal == nil {
		return fee, nil
	}
	bg := context.WithoutCancel(ctx)
	if err := m.journal.MarkSent(bg, fee.ID, txID, fee.FeeSats); err != nil {
		return nil, fmt.Errorf("journal activation fee %s: %w", fee.ID, err)
	}
	if err := m.journal.ReserveFee(bg, fee.ID); err != nil {
		return nil, fmt.Errorf("reserve activation fee %s: %w", fee.ID, err)
	}
	fee.Status = journal.StatusReserved
	return fee, nil
}

func (m *Merchant) releaseFee(fee *journal.FeePayment) {
	if fee == nil || m.journal == nil {
		return
	}
	if err := m.journal.Release(context.Background(), fee.ID); err != nil {
		m.logger.Error("release activation fee", slog.String("fee", fee.ID.String()), slog.Any("error", err))
		return
	}
	m.logger.Warn("request creation failed, activation fee kept for reuse", slog.String("fee", fee.ID.String()), slog.String("tx", fee.TxID))
}

// UnboundFees lists fee payments not yet attached to a request.
func (m *Merchant) UnboundFees(ctx context.Context) ([]journal.FeePayment, error) {
	if m.journal == nil {
		return nil, nil
	}
	return m.journal.Unbound(ctx)
}

// Request reads one request.
func (m *Merchant) Request(ctx context.Context, id string) (Request, error) {
	return m.watcher.Fetch(ctx, id)
}

// Requests lists every request of the merchant.
func (m *Merchant) Requests(ctx context.Context) ([]Request, error) {
	recs, err := m.api.ListPaymentRequests(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Request, 0, len(recs))
	for _, rec := range recs {
		req, err := m.watcher.Observe(ctx, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

// RequestView is a request together with its freshly reconciled claimable
// balance.
type RequestView struct {
	Request   Request        `json:"request"`
	Claimable btcutil.Amount `json:"claimableSats"`
	Failures  []ClaimFailure `json:"-"`
	Error     string         `json:"error,omitempty"`
}

// Overview lists every request and reconciles each sub-account before
// reading its balance. A failing sub-account is reported in its view and
// does not fail the listing.
func (m *Merchant) Overview(ctx context.Context) ([]RequestView, error) {
	reqs, err := m.Requests(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]RequestView, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.OverviewConcurrency)
	for i, req := range reqs {
		views[i].Request = req
		if req.Nonce == 0 {
			continue
		}
		i, req := i, req
		g.Go(func() error {
			amount, rec, err := m.claims.Claimable(gctx, req)
			views[i].Claimable = amount
			views[i].Failures = rec.Failures
			if err != nil {
				views[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return views, nil
}

// Claimable returns the reconciled claimable balance of a request.
func (m *Merchant) Claimable(ctx context.Context, id string) (btcutil.Amount, ReconcileResult, error) {
	req, err := m.watcher.Fetch(ctx, id)
	if err != nil {
		return 0, ReconcileResult{}, err
	}
	return m.claims.Claimable(ctx, req)
}

// Claim sweeps a request's balance to the main wallet.
func (m *Merchant) Claim(ctx context.Context, id string) (ClaimResult, error) {
	req, err := m.watcher.Fetch(ctx, id)
	if err != nil {
		return ClaimResult{RequestID: id}, err
	}
	return m.claims.ClaimRequest(ctx, req)
}

// Quote prices the effective due of a request.
func (m *Merchant) Quote(ctx context.Context, id string) (Quote, error) {
	req, err := m.watcher.Fetch(ctx, id)
	if err != nil {
		return Quote{}, err
	}
	return m.quotes.QuoteRequest(ctx, req)
}

// CheckoutQuote returns the price the backend shows to the payer.
func (m *Merchant) CheckoutQuote(ctx context.Context, id string) (Quote, error) {
	return RemoteQuote(ctx, m.api, id)
}

// Redeem burns chosen tokens from payer for a discount on request id.
func (m *Merchant) Redeem(ctx context.Context, payer wallet.Wallet, id string, chosen decimal.Decimal) (Request, error) {
	req, err := m.watcher.Fetch(ctx, id)
	if err != nil {
		return Request{}, err
	}
	return m.redemption.Redeem(ctx, payer, req, chosen)
}

// SubmitRedemption resubmits a burn that already reached the sink, see
// BurnSubmitError.
func (m *Merchant) SubmitRedemption(ctx context.Context, id, txID string) (Request, error) {
	return m.redemption.Submit(ctx, id, txID)
}

// Confirm reports a settlement transaction for a request.
func (m *Merchant) Confirm(ctx context.Context, id, txID string) (Request, error) {
	return m.watcher.Confirm(ctx, id, txID)
}

// Remove deletes an unpaid, empty request and stops watching it.
func (m *Merchant) Remove(ctx context.Context, id string) error {
	if err := m.watcher.Remove(ctx, id); err != nil {
		return err
	}
	m.StopWatch(id)
	m.logger.Info("payment request removed", slog.String("request", id))
	return nil
}

// IssueReceipt mints a receipt worth fiatValue, optionally linked to a
// request.
func (m *Merchant) IssueReceipt(ctx context.Context, fiatValue decimal.Decimal, description string, recipient *backend.Recipient, paymentID string) (*Receipt, error) {
	return m.receipts.Issue(ctx, fiatValue, description, recipient, paymentID)
}

// Watch starts a background watcher for request id. onSettled runs once,
// from the watcher goroutine, when settlement is observed. Watching an
// already watched request is a no-op.
func (m *Merchant) Watch(ctx context.Context, id string, onSettled func(Request)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("payment: merchant closed")
	}
	if _, ok := m.watches[id]; ok {
		return nil
	}
	wctx, cancel := context.WithCancel(ctx)
	w := &watch{cancel: cancel}
	m.watches[id] = w
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.forget(id, w)
		req, err := m.watcher.Watch(wctx, id)
		switch {
		case err == nil:
			if onSettled != nil {
				onSettled(req)
			}
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		default:
			m.logger.Warn("watch ended", slog.String("request", id), slog.Any("error", err))
		}
	}()
	return nil
}

// WatchPending starts watchers for every request awaiting payment and
// returns how many were started. A nil onSettled falls back to the
// WithAutoWatch hook.
func (m *Merchant) WatchPending(ctx context.Context, onSettled func(Request)) (int, error) {
	if onSettled == nil {
		onSettled = m.onSettled
	}
	reqs, err := m.Requests(ctx)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, req := range reqs {
		if req.Status() != StatusAwaitingPayment {
			continue
		}
		if err := m.Watch(ctx, req.ID, onSettled); err != nil {
			return started, err
		}
		started++
	}
	return started, nil
}

// Watching reports the number of active watchers.
func (m *Merchant) Watching() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watches)
}

// StopWatch cancels the watcher of request id, if any.
func (m *Merchant) StopWatch(id string) {
	m.mu.Lock()
	w, ok := m.watches[id]
	delete(m.watches, id)
	m.mu.Unlock()
	if ok {
		w.cancel()
	}
}

func (m *Merchant) forget(id string, w *watch) {
	m.mu.Lock()
	if m.watches[id] == w {
		delete(m.watches, id)
	}
	m.mu.Unlock()
	w.cancel()
}

// Close stops every watcher and waits for them to exit. The journal and
// settlement log are owned by the caller and stay open.
func (m *Merchant) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancels := make([]context.CancelFunc, 0, len(m.watches))
	for id, w := range m.watches {
		cancels = append(cancels, w.cancel)
		delete(m.watches, id)
	}
	m.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	m.wg.Wait()
	m.deriver.Reset()
}
