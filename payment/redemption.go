package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"loopofwork/backend"
	"loopofwork/observability"
	"loopofwork/observability/logging"
	telemetry "loopofwork/observability/otel"
	"loopofwork/wallet"
)

// RedemptionAPI is the backend surface used for discount redemption.
type RedemptionAPI interface {
	GetPaymentRequest(ctx context.Context, id string) (*backend.PaymentRequest, error)
	Redeem(ctx context.Context, id, txID string) error
}

// BurnSubmitError reports a burn that reached the sink but was not recorded
// by the backend. Resubmit TxID with Submit instead of burning again.
type BurnSubmitError struct {
	RequestID string
	TxID      string
	Err       error
}

func (e *BurnSubmitError) Error() string {
	return fmt.Sprintf("submit burn %s for %s: %v", e.TxID, e.RequestID, e.Err)
}

func (e *BurnSubmitError) Unwrap() error { return e.Err }

// RedemptionLedger applies proof-of-burn discounts to requests. The backend
// verifies the burn; the ledger only accepts what the backend recorded.
type RedemptionLedger struct {
	api     RedemptionAPI
	sink    string
	logger  *slog.Logger
	metrics *observability.PaymentMetrics
}

// NewRedemptionLedger constructs a ledger burning to sink.
func NewRedemptionLedger(api RedemptionAPI, sink string, logger *slog.Logger, metrics *observability.PaymentMetrics) *RedemptionLedger {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.Payments()
	}
	return &RedemptionLedger{
		api:     api,
		sink:    strings.TrimSpace(sink),
		logger:  logging.Component(logger, "redemption"),
		metrics: metrics,
	}
}

// Sink returns the burn address.
func (l *RedemptionLedger) Sink() string { return l.sink }

// Check validates a redemption of chosen whole tokens without any I/O.
func (l *RedemptionLedger) Check(req Request, chosen decimal.Decimal) error {
	if req.Status() != StatusAwaitingPayment {
		return fmt.Errorf("%w: request is %s", ErrRedemptionRejected, req.Status())
	}
	if req.Redeemed() {
		return fmt.Errorf("%w: discount already redeemed", ErrRedemptionRejected)
	}
	if !req.DiscountRate.IsPositive() {
		return fmt.Errorf("%w: request has no discount", ErrRedemptionRejected)
	}
	if strings.TrimSpace(req.TokenID) == "" {
		return fmt.Errorf("%w: request has no loyalty token", ErrRedemptionRejected)
	}
	if !chosen.IsPositive() || !chosen.IsInteger() {
		return fmt.Errorf("%w: amount must be a positive whole number of tokens", ErrRedemptionRejected)
	}
	if limit := req.MaxRedeemable(); chosen.GreaterThan(limit) {
		return fmt.Errorf("%w: %s exceeds the maximum of %s", ErrRedemptionRejected, chosen, limit)
	}
	return nil
}

// Redeem burns chosen tokens from payer to the sink and submits the burn.
// The returned request carries the backend-recorded discount. A burn the
// payer declines returns the request unchanged and no error.
func (l *RedemptionLedger) Redeem(ctx context.Context, payer wallet.Wallet, req Request, chosen decimal.Decimal) (Request, error) {
	ctx, span := startSpan(ctx, "redeem", req.ID, attribute.String("redeem.tokens", chosen.String()))
	out, err := l.redeem(ctx, payer, req, chosen)
	telemetry.Finish(span, err)
	return out, err
}

func (l *RedemptionLedger) redeem(ctx context.Context, payer wallet.Wallet, req Request, chosen decimal.Decimal) (Request, error) {
	if err := l.Check(req, chosen); err != nil {
		l.metrics.RecordRedemption("rejected")
		return req, err
	}
	if l.sink == "" {
		return req, fmt.Errorf("%w: burn sink not configured", ErrRedemptionRejected)
	}
	// req may be stale; nothing is burned for a request the backend already
	// settled or discounted.
	current, err := l.api.GetPaymentRequest(ctx, req.ID)
	if err != nil {
		return req, fmt.Errorf("reload request: %w", err)
	}
	req = FromRecord(*current)
	if err := l.Check(req, chosen); err != nil {
		l.metrics.RecordRedemption("rejected")
		return req, err
	}
	meta, err := payer.TokenMetadata(ctx, req.TokenID)
	if err != nil {
		return req, fmt.Errorf("token metadata: %w", err)
	}
	if meta == nil {
		l.metrics.RecordRedemption("rejected")
		return req, fmt.Errorf("%w: unknown token %s", ErrRedemptionRejected, req.TokenID)
	}
	txID, err := payer.Send(ctx, wallet.SendRequest{
		Rail:        wallet.RailSpark,
		Recipient:   l.sink,
		TokenID:     req.TokenID,
		TokenAmount: meta.BaseUnits(uint64(chosen.IntPart())),
	})
	if err != nil {
		if errors.Is(err, wallet.ErrUserRejected) {
			l.metrics.RecordRedemption("cancelled")
			l.logger.Info("burn declined by payer", slog.String("request", req.ID))
			return req, nil
		}
		l.metrics.RecordRedemption("burn_failed")
		return req, fmt.Errorf("burn tokens: %w", err)
	}
	l.logger.Info("burn submitted", slog.String("request", req.ID), slog.String("tx", txID), slog.String("amount", chosen.String()))
	return l.submit(ctx, req, txID)
}

// Submit records an already broadcast burn against request id. It is the
// recovery path for a BurnSubmitError and never moves tokens. Submitting the
// burn the backend already holds returns the recorded request.
func (l *RedemptionLedger) Submit(ctx context.Context, id, txID string) (Request, error) {
	ctx, span := startSpan(ctx, "submit_burn", id, attribute.String("redeem.tx", txID))
	out, err := l.resubmit(ctx, id, txID)
	telemetry.Finish(span, err)
	return out, err
}

func (l *RedemptionLedger) resubmit(ctx context.Context, id, txID string) (Request, error) {
	txID = strings.TrimSpace(txID)
	if txID == "" {
		return Request{}, fmt.Errorf("%w: burn transaction required", ErrRedemptionRejected)
	}
	current, err := l.api.GetPaymentRequest(ctx, id)
	if err != nil {
		return Request{}, fmt.Errorf("reload request: %w", err)
	}
	req := FromRecord(*current)
	if req.RedeemTx == txID {
		return l.verifyRecorded(req, txID)
	}
	if req.Redeemed() {
		l.metrics.RecordRedemption("rejected")
		return req, fmt.Errorf("%w: discount already redeemed by %s", ErrRedemptionRejected, req.RedeemTx)
	}
	if req.Status() != StatusAwaitingPayment {
		l.metrics.RecordRedemption("rejected")
		return req, fmt.Errorf("%w: request is %s", ErrRedemptionRejected, req.Status())
	}
	l.logger.Info("resubmitting burn", slog.String("request", id), slog.String("tx", txID))
	return l.submit(ctx, req, txID)
}

func (l *RedemptionLedger) submit(ctx context.Context, req Request, txID string) (Request, error) {
	if err := l.api.Redeem(ctx, req.ID, txID); err != nil {
		var se *backend.StatusError
		if errors.As(err, &se) && se.Status >= 400 && se.Status < 500 {
			l.metrics.RecordRedemption("rejected")
			return req, fmt.Errorf("%w: %v", ErrRedemptionRejected, err)
		}
		l.metrics.RecordRedemption("error")
		l.logger.Warn("burn not recorded", slog.String("request", req.ID), slog.String("tx", txID), slog.Any("error", err))
		return req, &BurnSubmitError{RequestID: req.ID, TxID: txID, Err: err}
	}

	rec, err := l.api.GetPaymentRequest(ctx, req.ID)
	if err != nil {
		return req, fmt.Errorf("reload request: %w", err)
	}
	return l.verifyRecorded(FromRecord(*rec), txID)
}

// verifyRecorded accepts the backend's record only for txID and within the
// redemption bound.
func (l *RedemptionLedger) verifyRecorded(updated Request, txID string) (Request, error) {
	if updated.RedeemTx != txID {
		l.metrics.RecordRedemption("rejected")
		return updated, fmt.Errorf("%w: backend recorded %q, submitted %q", ErrRedemptionRejected, updated.RedeemTx, txID)
	}
	if !updated.RedeemAmount.IsPositive() || updated.RedeemAmount.GreaterThan(updated.MaxRedeemable()) {
		l.metrics.RecordRedemption("rejected")
		return updated, fmt.Errorf("%w: backend recorded out of bounds amount %s", ErrRedemptionRejected, updated.RedeemAmount)
	}
	l.metrics.RecordRedemption("accepted")
	return updated, nil
}
