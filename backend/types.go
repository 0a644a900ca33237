package backend

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentRequest mirrors the backend payment-request record.
type PaymentRequest struct {
	ID             string          `json:"id"`
	Amount         decimal.Decimal `json:"amount"`
	Description    string          `json:"description"`
	BTCAddress     string          `json:"btc_address"`
	SparkAddress   string          `json:"spark_address"`
	LNAddress      string          `json:"ln_address"`
	SettledTx      string          `json:"settled_tx"`
	DiscountRate   decimal.Decimal `json:"discount_rate"`
	TokenID        string          `json:"token_id"`
	CreatedAt      int64           `json:"created_at"`
	RedeemAmount   decimal.Decimal `json:"redeem_amount"`
	RedeemTx       string          `json:"redeem_tx"`
	Nonce          uint32          `json:"nonce"`
	SettlementMode string          `json:"settlement_mode"`
}

// CreatedTime converts the epoch seconds timestamp.
func (p PaymentRequest) CreatedTime() time.Time {
	if p.CreatedAt == 0 {
		return time.Time{}
	}
	return time.Unix(p.CreatedAt, 0).UTC()
}

// CreatePaymentRequest is the body of POST /payment-request.
type CreatePaymentRequest struct {
	Amount       decimal.Decimal `json:"amount"`
	Description  string          `json:"description"`
	BTCAddress   string          `json:"btcAddress"`
	SparkAddress string          `json:"sparkAddress"`
	LNAddress    string          `json:"lnAddress"`
	TokenID      string          `json:"tokenId"`
	DiscountRate decimal.Decimal `json:"discountRate"`
	Nonce        uint32          `json:"nonce"`

	// IdempotencyKey is sent as a header; a retried creation with the same
	// key returns the request created the first time. Empty picks a fresh key.
	IdempotencyKey string `json:"-"`
}

// PriceQuote is the checkout price of a request.
type PriceQuote struct {
	BTC     decimal.Decimal
	EndTime time.Time
}

type wirePrice struct {
	BTC     decimal.Decimal `json:"btc"`
	EndTime int64           `json:"endtime"`
}

// Recipient is the optional receipt recipient.
type Recipient struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Receipt is the off-chain metadata attached to a mint transaction.
type Receipt struct {
	TxID        string     `json:"tx_id"`
	Description string     `json:"description"`
	Recipient   *Recipient `json:"-"`
	PaymentID   string     `json:"payment_id"`
	Amount      int64      `json:"amount"`
	CreatedAt   int64      `json:"created_at"`
}

type wireReceipt struct {
	TxID        string          `json:"tx_id"`
	Description string          `json:"description"`
	Recipient   json.RawMessage `json:"recipient"`
	PaymentID   string          `json:"payment_id"`
	Amount      int64           `json:"amount"`
	CreatedAt   int64           `json:"created_at"`
}

// UnmarshalJSON accepts the recipient either as an object or as the JSON
// encoded string the PATCH endpoint stores.
func (r *Receipt) UnmarshalJSON(data []byte) error {
	var w wireReceipt
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Receipt{
		TxID:        w.TxID,
		Description: w.Description,
		PaymentID:   w.PaymentID,
		Amount:      w.Amount,
		CreatedAt:   w.CreatedAt,
	}
	recipient, err := decodeRecipient(w.Recipient)
	if err != nil {
		return err
	}
	r.Recipient = recipient
	return nil
}

// MarshalJSON emits the recipient as an object.
func (r Receipt) MarshalJSON() ([]byte, error) {
	w := wireReceipt{
		TxID:        r.TxID,
		Description: r.Description,
		PaymentID:   r.PaymentID,
		Amount:      r.Amount,
		CreatedAt:   r.CreatedAt,
	}
	if r.Recipient != nil {
		raw, err := json.Marshal(r.Recipient)
		if err != nil {
			return nil, err
		}
		w.Recipient = raw
	}
	return json.Marshal(w)
}

func decodeRecipient(raw json.RawMessage) (*Recipient, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" || trimmed == `""` {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, err
		}
		if strings.TrimSpace(inner) == "" {
			return nil, nil
		}
		raw = json.RawMessage(inner)
	}
	var rec Recipient
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode recipient: %w", err)
	}
	return &rec, nil
}

// ReceiptPatch is the body of PATCH /receipt/{txId}.
type ReceiptPatch struct {
	Description string
	Recipient   *Recipient
	PaymentID   string
}

func (p ReceiptPatch) wire() (map[string]string, error) {
	body := map[string]string{
		"description": p.Description,
		"paymentId":   p.PaymentID,
		"recipient":   "",
	}
	if p.Recipient != nil {
		raw, err := json.Marshal(p.Recipient)
		if err != nil {
			return nil, err
		}
		body["recipient"] = string(raw)
	}
	return body, nil
}
