// Package payment is the payment-request lifecycle: sub-account derivation,
// quoting, settlement watching, deposit reconciliation, discount redemption,
// claiming and receipt issuance.
package payment

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"loopofwork/backend"
	"loopofwork/wallet"
)

// Status is the lifecycle state of a request.
type Status string

const (
	StatusCreated         Status = "created"
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusSettled         Status = "settled"
)

var hundred = decimal.NewFromInt(100)

// Request is a merchant payment request.
type Request struct {
	ID             string           `json:"id"`
	Amount         decimal.Decimal  `json:"amount"`
	Description    string           `json:"description,omitempty"`
	DiscountRate   decimal.Decimal  `json:"discountRate"`
	Nonce          uint32           `json:"nonce"`
	CreatedAt      time.Time        `json:"createdAt"`
	SettledTx      string           `json:"settledTx,omitempty"`
	SettlementMode wallet.Rail      `json:"settlementMode,omitempty"`
	RedeemAmount   decimal.Decimal  `json:"redeemAmount"`
	RedeemTx       string           `json:"redeemTx,omitempty"`
	Addresses      wallet.Addresses `json:"addresses"`
	TokenID        string           `json:"tokenId,omitempty"`
}

// Status derives the lifecycle state.
func (r Request) Status() Status {
	switch {
	case strings.TrimSpace(r.SettledTx) != "":
		return StatusSettled
	case strings.TrimSpace(r.ID) == "":
		return StatusCreated
	default:
		return StatusAwaitingPayment
	}
}

// Redeemed reports whether a discount has been recorded.
func (r Request) Redeemed() bool {
	return strings.TrimSpace(r.RedeemTx) != "" || r.RedeemAmount.IsPositive()
}

// MaxRedeemable is the largest whole-token discount the request allows.
func (r Request) MaxRedeemable() decimal.Decimal {
	return MaxRedeemable(r.Amount, r.DiscountRate)
}

// EffectiveDue is the fiat amount left to pay after the discount.
func (r Request) EffectiveDue() decimal.Decimal {
	due := r.Amount.Sub(r.RedeemAmount)
	if due.IsNegative() {
		return decimal.Zero
	}
	return due
}

// MaxRedeemable returns floor(max(0, amount × rate / 100)).
func MaxRedeemable(amount, rate decimal.Decimal) decimal.Decimal {
	v := amount.Mul(rate).Div(hundred)
	if !v.IsPositive() {
		return decimal.Zero
	}
	return v.Floor()
}

// FromRecord converts the backend representation.
func FromRecord(rec backend.PaymentRequest) Request {
	req := Request{
		ID:           rec.ID,
		Amount:       rec.Amount,
		Description:  rec.Description,
		DiscountRate: rec.DiscountRate,
		Nonce:        rec.Nonce,
		CreatedAt:    rec.CreatedTime(),
		SettledTx:    strings.TrimSpace(rec.SettledTx),
		RedeemAmount: rec.RedeemAmount,
		RedeemTx:     strings.TrimSpace(rec.RedeemTx),
		Addresses: wallet.Addresses{
			Spark:     rec.SparkAddress,
			Onchain:   rec.BTCAddress,
			Lightning: rec.LNAddress,
		},
		TokenID: rec.TokenID,
	}
	if mode := strings.TrimSpace(rec.SettlementMode); mode != "" {
		if rail, err := wallet.ParseRail(mode); err == nil {
			req.SettlementMode = rail
		}
	}
	return req
}
