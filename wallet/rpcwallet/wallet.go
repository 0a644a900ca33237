package rpcwallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcutil"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"loopofwork/wallet"
)

// Wallet is a handle bound to one account of the daemon.
type Wallet struct {
	client  *Client
	account uint32
}

var _ wallet.Wallet = (*Wallet)(nil)

type accountParams struct {
	Account uint32 `json:"account"`
}

type wireDeposit struct {
	TxID       string `json:"txid"`
	Vout       uint32 `json:"vout"`
	AmountSats int64  `json:"amountSats"`
	ClaimError string `json:"claimError,omitempty"`
}

func (d wireDeposit) deposit() wallet.Deposit {
	return wallet.Deposit{TxID: d.TxID, Vout: d.Vout, Amount: btcAmount(d.AmountSats), ClaimError: d.ClaimError}
}

type wireTokenMetadata struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
	Ticker     string `json:"ticker"`
	Decimals   uint8  `json:"decimals"`
	MaxSupply  string `json:"maxSupply"`
}

func (m wireTokenMetadata) metadata() (wallet.TokenMetadata, error) {
	supply, err := parseUint256(m.MaxSupply)
	if err != nil {
		return wallet.TokenMetadata{}, fmt.Errorf("max supply: %w", err)
	}
	return wallet.TokenMetadata{
		TokenID:   m.Identifier,
		Name:      m.Name,
		Ticker:    m.Ticker,
		Decimals:  m.Decimals,
		MaxSupply: supply,
	}, nil
}

type wireSend struct {
	Account     uint32 `json:"account"`
	Method      string `json:"method"`
	Recipient   string `json:"recipient"`
	AmountSats  int64  `json:"amountSats,omitempty"`
	TokenID     string `json:"tokenIdentifier,omitempty"`
	TokenAmount string `json:"tokenAmount,omitempty"`
}

func (w *Wallet) sendParams(req wallet.SendRequest) wireSend {
	params := wireSend{
		Account:   w.account,
		Method:    string(req.Rail),
		Recipient: strings.TrimSpace(req.Recipient),
	}
	if req.IsToken() {
		params.TokenID = req.TokenID
		if req.TokenAmount != nil {
			params.TokenAmount = req.TokenAmount.Dec()
		}
	} else {
		params.AmountSats = int64(req.Sats)
	}
	return params
}

func btcAmount(sats int64) btcutil.Amount {
	return btcutil.Amount(sats)
}

func parseUint256(raw string) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return new(uint256.Int), nil
	}
	return uint256.FromDecimal(raw)
}

func (w *Wallet) AccountNumber() uint32 { return w.account }

func (w *Wallet) Network() string { return w.client.network }

func (w *Wallet) address(ctx context.Context, method string) (string, error) {
	var out struct {
		Address string `json:"address"`
	}
	if err := w.client.call(ctx, method, accountParams{w.account}, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Address) == "" {
		return "", fmt.Errorf("%s returned empty address", method)
	}
	return out.Address, nil
}

func (w *Wallet) SparkAddress(ctx context.Context) (string, error) {
	return w.address(ctx, "wallet_sparkAddress")
}

func (w *Wallet) BitcoinAddress(ctx context.Context) (string, error) {
	return w.address(ctx, "wallet_bitcoinAddress")
}

func (w *Wallet) LightningAddress(ctx context.Context) (string, error) {
	return w.address(ctx, "wallet_lightningAddress")
}

func (w *Wallet) CreateLightningInvoice(ctx context.Context, amount btcutil.Amount, memo string) (*wallet.Invoice, error) {
	params := struct {
		Account     uint32 `json:"account"`
		AmountSats  int64  `json:"amountSats"`
		Description string `json:"description,omitempty"`
	}{w.account, int64(amount), memo}
	var out struct {
		Invoice string `json:"invoice"`
		FeeSats int64  `json:"feeSats"`
	}
	if err := w.client.call(ctx, "wallet_createLightningInvoice", params, &out); err != nil {
		return nil, err
	}
	return &wallet.Invoice{Encoded: out.Invoice, Fee: btcAmount(out.FeeSats)}, nil
}

func (w *Wallet) Balance(ctx context.Context) (*wallet.Balance, error) {
	var out struct {
		BalanceSats   int64 `json:"balanceSats"`
		TokenBalances map[string]struct {
			Balance       string            `json:"balance"`
			TokenMetadata wireTokenMetadata `json:"tokenMetadata"`
		} `json:"tokenBalances"`
	}
	if err := w.client.call(ctx, "wallet_getBalance", accountParams{w.account}, &out); err != nil {
		return nil, err
	}
	bal := &wallet.Balance{Sats: btcAmount(out.BalanceSats), Tokens: make(map[string]wallet.TokenBalance, len(out.TokenBalances))}
	for id, tb := range out.TokenBalances {
		amount, err := parseUint256(tb.Balance)
		if err != nil {
			return nil, fmt.Errorf("token %s balance: %w", id, err)
		}
		meta, err := tb.TokenMetadata.metadata()
		if err != nil {
			return nil, fmt.Errorf("token %s: %w", id, err)
		}
		if meta.TokenID == "" {
			meta.TokenID = id
		}
		bal.Tokens[id] = wallet.TokenBalance{Balance: amount, Metadata: meta}
	}
	return bal, nil
}

func (w *Wallet) Send(ctx context.Context, req wallet.SendRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	var out struct {
		PaymentID string `json:"paymentId"`
	}
	if err := w.client.call(ctx, "wallet_send", w.sendParams(req), &out); err != nil {
		return "", err
	}
	if out.PaymentID == "" {
		return "", fmt.Errorf("wallet_send returned empty payment id")
	}
	return out.PaymentID, nil
}

func (w *Wallet) TransferFee(ctx context.Context, req wallet.SendRequest) (btcutil.Amount, error) {
	var out struct {
		FeeSats int64 `json:"feeSats"`
	}
	if err := w.client.call(ctx, "wallet_getTransferFee", w.sendParams(req), &out); err != nil {
		return 0, err
	}
	return btcAmount(out.FeeSats), nil
}

func (w *Wallet) CreateToken(ctx context.Context, spec wallet.TokenSpec) (string, error) {
	supply := "0"
	if spec.MaxSupply != nil {
		supply = spec.MaxSupply.Dec()
	}
	params := struct {
		Account     uint32 `json:"account"`
		Name        string `json:"name"`
		Ticker      string `json:"ticker"`
		Decimals    uint8  `json:"decimals"`
		MaxSupply   string `json:"maxSupply"`
		IsFreezable bool   `json:"isFreezable"`
	}{w.account, spec.Name, spec.Ticker, spec.Decimals, supply, spec.Freezable}
	var out struct {
		TokenID string `json:"tokenId"`
	}
	if err := w.client.call(ctx, "wallet_createToken", params, &out); err != nil {
		return "", err
	}
	return out.TokenID, nil
}

func (w *Wallet) issuerCall(ctx context.Context, method string, amount *uint256.Int) (*wallet.MintResult, error) {
	if amount == nil || amount.IsZero() {
		return nil, fmt.Errorf("rpcwallet: amount required")
	}
	params := struct {
		Account uint32 `json:"account"`
		Amount  string `json:"amount"`
	}{w.account, amount.Dec()}
	var out struct {
		ID        string `json:"id"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := w.client.call(ctx, method, params, &out); err != nil {
		return nil, err
	}
	return &wallet.MintResult{TxID: out.ID, At: time.Unix(out.Timestamp, 0).UTC()}, nil
}

func (w *Wallet) MintTokens(ctx context.Context, amount *uint256.Int) (*wallet.MintResult, error) {
	return w.issuerCall(ctx, "wallet_mintTokens", amount)
}

func (w *Wallet) BurnTokens(ctx context.Context, amount *uint256.Int) (*wallet.MintResult, error) {
	return w.issuerCall(ctx, "wallet_burnTokens", amount)
}

func (w *Wallet) TokenMetadata(ctx context.Context, tokenID string) (*wallet.TokenMetadata, error) {
	params := struct {
		Account uint32 `json:"account"`
		TokenID string `json:"tokenIdentifier,omitempty"`
	}{w.account, tokenID}
	var out wireTokenMetadata
	if err := w.client.call(ctx, "wallet_getTokenMetadata", params, &out); err != nil {
		if errors.Is(err, errEmptyResult) {
			return nil, nil
		}
		return nil, err
	}
	meta, err := out.metadata()
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

func (w *Wallet) ListTokenTransactions(ctx context.Context, tokenID string, offset, limit int) ([]wallet.TokenTransaction, error) {
	params := struct {
		Account uint32 `json:"account"`
		TokenID string `json:"tokenIdentifier"`
		Offset  int    `json:"offset"`
		Limit   int    `json:"limit"`
	}{w.account, tokenID, offset, limit}
	var out struct {
		Transactions []struct {
			TxHash string `json:"txHash"`
			Type   string `json:"type"`
			Amount string `json:"amount"`
			Date   int64  `json:"date"`
		} `json:"transactions"`
	}
	if err := w.client.call(ctx, "wallet_listTokenTransactions", params, &out); err != nil {
		return nil, err
	}
	txs := make([]wallet.TokenTransaction, 0, len(out.Transactions))
	for _, tx := range out.Transactions {
		amount, err := parseUint256(tx.Amount)
		if err != nil {
			return nil, fmt.Errorf("token tx %s: %w", tx.TxHash, err)
		}
		txs = append(txs, wallet.TokenTransaction{
			TxID:   tx.TxHash,
			Kind:   wallet.TokenTxKind(tx.Type),
			Amount: amount,
			At:     time.Unix(tx.Date, 0).UTC(),
		})
	}
	return txs, nil
}

// WithAccountNumber asks the daemon to load the keyset for account n and
// returns a handle bound to it.
func (w *Wallet) WithAccountNumber(ctx context.Context, n uint32) (wallet.Wallet, error) {
	var out accountParams
	if err := w.client.call(ctx, "wallet_withAccountNumber", accountParams{n}, &out); err != nil {
		return nil, err
	}
	if out.Account != n {
		return nil, fmt.Errorf("wallet_withAccountNumber bound account %d, want %d", out.Account, n)
	}
	return &Wallet{client: w.client, account: n}, nil
}

func (w *Wallet) ListUnclaimedDeposits(ctx context.Context) ([]wallet.Deposit, error) {
	var out struct {
		Deposits []wireDeposit `json:"deposits"`
	}
	if err := w.client.call(ctx, "wallet_listUnclaimedDeposits", accountParams{w.account}, &out); err != nil {
		return nil, err
	}
	deps := make([]wallet.Deposit, 0, len(out.Deposits))
	for _, d := range out.Deposits {
		deps = append(deps, d.deposit())
	}
	return deps, nil
}

func (w *Wallet) ClaimDeposit(ctx context.Context, txID string, vout uint32) error {
	params := struct {
		Account uint32 `json:"account"`
		TxID    string `json:"txid"`
		Vout    uint32 `json:"vout"`
	}{w.account, txID, vout}
	return w.client.call(ctx, "wallet_claimDeposit", params, nil)
}

func (w *Wallet) Subscribe(kinds ...wallet.EventKind) *wallet.Subscription {
	return w.client.broker.Subscribe(w.account, kinds...)
}

func (w *Wallet) ValidAddress(value string, rail wallet.Rail) bool {
	return wallet.ValidateAddress(value, rail, w.client.network)
}

func (w *Wallet) NetworkStatus(ctx context.Context) (wallet.NetworkStatus, error) {
	var out wallet.NetworkStatus
	if err := w.client.call(ctx, "wallet_networkStatus", struct{}{}, &out); err != nil {
		return wallet.NetworkStatus{}, err
	}
	return out, nil
}

func (w *Wallet) FiatRates(ctx context.Context) (map[string]decimal.Decimal, error) {
	var out struct {
		Rates []struct {
			Coin  string          `json:"coin"`
			Value decimal.Decimal `json:"value"`
		} `json:"rates"`
	}
	if err := w.client.call(ctx, "wallet_listFiatRates", struct{}{}, &out); err != nil {
		return nil, err
	}
	rates := make(map[string]decimal.Decimal, len(out.Rates))
	for _, r := range out.Rates {
		rates[strings.ToUpper(strings.TrimSpace(r.Coin))] = r.Value
	}
	return rates, nil
}
