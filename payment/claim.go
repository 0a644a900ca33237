package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcutil"
	"go.opentelemetry.io/otel/attribute"

	"loopofwork/backend"
	"loopofwork/observability"
	"loopofwork/observability/logging"
	telemetry "loopofwork/observability/otel"
	"loopofwork/wallet"
)

// RequestReader reads a single request from the backend.
type RequestReader interface {
	GetPaymentRequest(ctx context.Context, id string) (*backend.PaymentRequest, error)
}

// ClaimResult reports one sweep.
type ClaimResult struct {
	RequestID string         `json:"requestId"`
	Rail      wallet.Rail    `json:"rail"`
	Recipient string         `json:"recipient,omitempty"`
	Swept     btcutil.Amount `json:"sweptSats"`
	Fee       btcutil.Amount `json:"feeSats"`
	TxID      string         `json:"txId,omitempty"`
	// Remaining is the claimable balance read after the sweep.
	Remaining btcutil.Amount  `json:"remainingSats"`
	Reconcile ReconcileResult `json:"-"`
}

// Claimed reports whether a transfer was issued.
func (r ClaimResult) Claimed() bool { return r.TxID != "" }

// ClaimManager sweeps sub-account balances to the main wallet.
type ClaimManager struct {
	main       wallet.Wallet
	deriver    *Deriver
	reconciler *Reconciler
	api        RequestReader
	logger     *slog.Logger
	metrics    *observability.PaymentMetrics
}

// NewClaimManager constructs a claim manager.
func NewClaimManager(main wallet.Wallet, deriver *Deriver, reconciler *Reconciler, api RequestReader, logger *slog.Logger, metrics *observability.PaymentMetrics) *ClaimManager {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.Payments()
	}
	if reconciler == nil {
		reconciler = NewReconciler(logger, metrics)
	}
	return &ClaimManager{
		main:       main,
		deriver:    deriver,
		reconciler: reconciler,
		api:        api,
		logger:     logging.Component(logger, "claim"),
		metrics:    metrics,
	}
}

// Claimable reconciles the request's sub-account and returns its spendable
// balance. It is recomputed on every call.
func (c *ClaimManager) Claimable(ctx context.Context, req Request) (btcutil.Amount, ReconcileResult, error) {
	sub, err := c.deriver.Derive(ctx, req.Nonce)
	if err != nil {
		return 0, ReconcileResult{}, err
	}
	return c.claimable(ctx, sub)
}

func (c *ClaimManager) claimable(ctx context.Context, sub wallet.Wallet) (btcutil.Amount, ReconcileResult, error) {
	rec, err := c.reconciler.Reconcile(ctx, sub)
	if err != nil {
		c.logger.Warn("reconcile before balance read failed", slog.Uint64("account", uint64(sub.AccountNumber())), slog.Any("error", err))
	}
	bal, err := sub.Balance(ctx)
	if err != nil {
		return 0, rec, fmt.Errorf("read balance: %w", err)
	}
	return bal.Sats, rec, nil
}

// Claim sweeps the balance of the request with id.
func (c *ClaimManager) Claim(ctx context.Context, id string) (ClaimResult, error) {
	rec, err := c.api.GetPaymentRequest(ctx, id)
	if err != nil {
		return ClaimResult{RequestID: id}, err
	}
	return c.ClaimRequest(ctx, FromRecord(*rec))
}

// ClaimRequest sends the full claimable balance of req, less the transfer
// fee, to the main wallet on the request's settlement rail. A zero balance is
// a successful no-op.
func (c *ClaimManager) ClaimRequest(ctx context.Context, req Request) (ClaimResult, error) {
	ctx, span := startSpan(ctx, "claim", req.ID)
	res, err := c.claimRequest(ctx, req)
	span.SetAttributes(attribute.Int64("claim.swept_sats", int64(res.Swept)))
	telemetry.Finish(span, err)
	return res, err
}

func (c *ClaimManager) claimRequest(ctx context.Context, req Request) (ClaimResult, error) {
	rail := req.SettlementMode
	if rail == "" {
		rail = wallet.RailSpark
	}
	result := ClaimResult{RequestID: req.ID, Rail: rail}
	sub, err := c.deriver.Derive(ctx, req.Nonce)
	if err != nil {
		return result, err
	}
	balance, rec, err := c.claimable(ctx, sub)
	result.Reconcile = rec
	if err != nil {
		return result, err
	}
	result.Remaining = balance
	if balance <= 0 {
		c.metrics.RecordSweep(string(rail), "empty")
		return result, nil
	}

	dest, err := receiveAddress(ctx, c.main, rail)
	if err != nil {
		return result, err
	}
	result.Recipient = dest
	send := wallet.SendRequest{Rail: rail, Recipient: dest, Sats: balance}
	fee, err := sub.TransferFee(ctx, send)
	if err != nil {
		return result, fmt.Errorf("transfer fee: %w", err)
	}
	if fee >= balance {
		c.metrics.RecordSweep(string(rail), "dust")
		c.logger.Info("balance does not cover transfer fee",
			slog.String("request", req.ID), slog.Int64("balance", int64(balance)), slog.Int64("fee", int64(fee)))
		return result, nil
	}
	send.Sats = balance - fee
	txID, err := sub.Send(ctx, send)
	if err != nil {
		if errors.Is(err, wallet.ErrUserRejected) {
			c.metrics.RecordSweep(string(rail), "cancelled")
			return result, nil
		}
		c.metrics.RecordSweep(string(rail), "error")
		return result, fmt.Errorf("sweep %s: %w", req.ID, err)
	}
	result.TxID = txID
	result.Swept = send.Sats
	result.Fee = fee
	c.metrics.RecordSweep(string(rail), "swept")
	c.logger.Info("request balance swept",
		slog.String("request", req.ID),
		slog.String("rail", string(rail)),
		slog.Int64("sats", int64(send.Sats)),
		slog.String("tx", txID))

	if after, err := sub.Balance(ctx); err == nil {
		result.Remaining = after.Sats
	}
	return result, nil
}

func receiveAddress(ctx context.Context, w wallet.Wallet, rail wallet.Rail) (string, error) {
	var (
		addr string
		err  error
	)
	switch rail {
	case wallet.RailOnchain:
		addr, err = w.BitcoinAddress(ctx)
	case wallet.RailLightning:
		addr, err = w.LightningAddress(ctx)
	default:
		addr, err = w.SparkAddress(ctx)
	}
	if err != nil {
		return "", fmt.Errorf("main %s address: %w", rail, err)
	}
	return addr, nil
}
