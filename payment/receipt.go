package payment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"loopofwork/backend"
	"loopofwork/observability"
	"loopofwork/observability/logging"
	telemetry "loopofwork/observability/otel"
	"loopofwork/wallet"
)

// ReceiptAPI is the backend receipt metadata surface.
type ReceiptAPI interface {
	GetReceipt(ctx context.Context, txID string) (*backend.Receipt, error)
	PatchReceipt(ctx context.Context, txID string, patch backend.ReceiptPatch) error
}

// Receipt is a minted loyalty token batch with its metadata.
type Receipt struct {
	MintTxID    string             `json:"mintTxId"`
	Amount      uint64             `json:"amount"`
	BaseUnits   *uint256.Int       `json:"baseUnits"`
	Description string             `json:"description,omitempty"`
	Recipient   *backend.Recipient `json:"recipient,omitempty"`
	PaymentID   string             `json:"paymentId,omitempty"`
	MintedAt    time.Time          `json:"mintedAt"`
}

// IssuanceStats summarises issuer token activity.
type IssuanceStats struct {
	TokenID      string
	Minted       *uint256.Int
	Burned       *uint256.Int
	Transactions []wallet.TokenTransaction
}

// ReceiptIssuer mints receipts from the merchant's issuer token.
type ReceiptIssuer struct {
	issuer  wallet.Wallet
	api     ReceiptAPI
	logger  *slog.Logger
	metrics *observability.PaymentMetrics
}

// NewReceiptIssuer constructs an issuer.
func NewReceiptIssuer(issuer wallet.Wallet, api ReceiptAPI, logger *slog.Logger, metrics *observability.PaymentMetrics) *ReceiptIssuer {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.Payments()
	}
	return &ReceiptIssuer{issuer: issuer, api: api, logger: logging.Component(logger, "receipt"), metrics: metrics}
}

// CreateToken deploys the merchant's loyalty token.
func (r *ReceiptIssuer) CreateToken(ctx context.Context, spec wallet.TokenSpec) (*wallet.TokenMetadata, error) {
	if strings.TrimSpace(spec.Name) == "" || strings.TrimSpace(spec.Ticker) == "" {
		return nil, fmt.Errorf("%w: token name and ticker required", ErrInvalidRequest)
	}
	if existing, err := r.issuer.TokenMetadata(ctx, ""); err == nil && existing != nil {
		return nil, fmt.Errorf("%w: token %s already issued", ErrInvalidRequest, existing.TokenID)
	}
	tokenID, err := r.issuer.CreateToken(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("create token: %w", err)
	}
	meta, err := r.issuer.TokenMetadata(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("%w: created token %s has no metadata", ErrNoIssuerToken, tokenID)
	}
	r.logger.Info("token created", slog.String("token", tokenID), slog.String("ticker", meta.Ticker))
	return meta, nil
}

// Token returns the issuer token metadata.
func (r *ReceiptIssuer) Token(ctx context.Context) (*wallet.TokenMetadata, error) {
	meta, err := r.issuer.TokenMetadata(ctx, "")
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, ErrNoIssuerToken
	}
	return meta, nil
}

// Issue mints floor(fiatValue) whole tokens and attaches the metadata to the
// mint transaction. paymentID only links the receipt to a request; the
// request itself is not touched. When the metadata patch fails the minted
// receipt is still returned together with the error.
func (r *ReceiptIssuer) Issue(ctx context.Context, fiatValue decimal.Decimal, description string, recipient *backend.Recipient, paymentID string) (*Receipt, error) {
	ctx, span := startSpan(ctx, "issue_receipt", paymentID, attribute.String("receipt.value", fiatValue.String()))
	receipt, err := r.issue(ctx, fiatValue, description, recipient, paymentID)
	telemetry.Finish(span, err)
	return receipt, err
}

func (r *ReceiptIssuer) issue(ctx context.Context, fiatValue decimal.Decimal, description string, recipient *backend.Recipient, paymentID string) (*Receipt, error) {
	mintable := fiatValue.Floor()
	if !mintable.IsPositive() {
		return nil, fmt.Errorf("%w: receipt value %s mints no tokens", ErrInvalidRequest, fiatValue)
	}
	meta, err := r.Token(ctx)
	if err != nil {
		return nil, err
	}
	whole := uint64(mintable.IntPart())
	units := meta.BaseUnits(whole)
	res, err := r.issuer.MintTokens(ctx, units)
	if err != nil {
		return nil, fmt.Errorf("mint tokens: %w", err)
	}
	r.metrics.RecordReceipt()
	receipt := &Receipt{
		MintTxID:    res.TxID,
		Amount:      whole,
		BaseUnits:   units,
		Description: strings.TrimSpace(description),
		Recipient:   recipient,
		PaymentID:   strings.TrimSpace(paymentID),
		MintedAt:    res.At,
	}
	r.logger.Info("receipt minted", slog.String("tx", res.TxID), slog.Uint64("amount", whole), slog.String("payment", receipt.PaymentID))
	if err := r.UpdateMetadata(ctx, receipt.MintTxID, receipt.Description, recipient, receipt.PaymentID); err != nil {
		return receipt, err
	}
	return receipt, nil
}

// Get returns the metadata of a mint transaction, or nil when none exists.
func (r *ReceiptIssuer) Get(ctx context.Context, txID string) (*backend.Receipt, error) {
	return r.api.GetReceipt(ctx, txID)
}

// Receipt joins the stored metadata of mint transaction tx with the minted
// amount. It returns nil for burns and for mints without metadata.
func (r *ReceiptIssuer) Receipt(ctx context.Context, tx wallet.TokenTransaction) (*Receipt, error) {
	if tx.Kind != wallet.TokenMint {
		return nil, nil
	}
	stored, err := r.api.GetReceipt(ctx, tx.TxID)
	if err != nil || stored == nil {
		return nil, err
	}
	meta, err := r.Token(ctx)
	if err != nil {
		return nil, err
	}
	receipt := &Receipt{
		MintTxID:    tx.TxID,
		Description: stored.Description,
		Recipient:   stored.Recipient,
		PaymentID:   stored.PaymentID,
		MintedAt:    tx.At,
	}
	switch {
	case tx.Amount != nil:
		receipt.BaseUnits = new(uint256.Int).Set(tx.Amount)
		receipt.Amount = meta.WholeUnits(tx.Amount)
	case stored.Amount > 0:
		receipt.Amount = uint64(stored.Amount)
		receipt.BaseUnits = meta.BaseUnits(receipt.Amount)
	}
	if receipt.MintedAt.IsZero() && stored.CreatedAt > 0 {
		receipt.MintedAt = time.Unix(stored.CreatedAt, 0).UTC()
	}
	return receipt, nil
}

// UpdateMetadata replaces the metadata of a mint transaction.
func (r *ReceiptIssuer) UpdateMetadata(ctx context.Context, txID, description string, recipient *backend.Recipient, paymentID string) error {
	if strings.TrimSpace(txID) == "" {
		return fmt.Errorf("%w: mint tx required", ErrInvalidRequest)
	}
	if err := r.api.PatchReceipt(ctx, txID, backend.ReceiptPatch{
		Description: description,
		Recipient:   recipient,
		PaymentID:   paymentID,
	}); err != nil {
		return fmt.Errorf("patch receipt %s: %w", txID, err)
	}
	return nil
}

// Stats totals the issuer token's mints and burns over the latest limit
// transactions.
func (r *ReceiptIssuer) Stats(ctx context.Context, limit int) (IssuanceStats, error) {
	meta, err := r.Token(ctx)
	if err != nil {
		return IssuanceStats{}, err
	}
	txs, err := r.issuer.ListTokenTransactions(ctx, meta.TokenID, 0, limit)
	if err != nil {
		return IssuanceStats{}, fmt.Errorf("list token transactions: %w", err)
	}
	stats := IssuanceStats{
		TokenID:      meta.TokenID,
		Minted:       new(uint256.Int),
		Burned:       new(uint256.Int),
		Transactions: txs,
	}
	for _, tx := range txs {
		if tx.Amount == nil {
			continue
		}
		switch tx.Kind {
		case wallet.TokenMint:
			stats.Minted.Add(stats.Minted, tx.Amount)
		case wallet.TokenBurn:
			stats.Burned.Add(stats.Burned, tx.Amount)
		}
	}
	return stats, nil
}
