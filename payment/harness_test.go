package payment_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/btcsuite/btcutil"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"loopofwork/backend"
	"loopofwork/backend/backendtest"
	"loopofwork/identity"
	"loopofwork/payment"
	"loopofwork/wallet"
	"loopofwork/wallet/memwallet"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

type harness struct {
	srv    *backendtest.Server
	client *backend.Client
	auth   *identity.Authenticator
	ledger *memwallet.Ledger
	main   *memwallet.Wallet
	logger *slog.Logger
}

func newHarness(t *testing.T, opts ...backendtest.Option) *harness {
	t.Helper()
	srv := backendtest.New(opts...)
	t.Cleanup(srv.Close)
	client, err := backend.New(backend.Config{BaseURL: srv.URL, HTTP: srv.Client()})
	require.NoError(t, err)
	auth := identity.NewAuthenticator(client)
	client.SetTokenSource(auth)
	_, err = auth.LoginWithSecret(context.Background(), testMnemonic, false)
	require.NoError(t, err)
	ledger := memwallet.NewLedger([]byte("merchant seed"), "")
	return &harness{
		srv:    srv,
		client: client,
		auth:   auth,
		ledger: ledger,
		main:   ledger.Main(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (h *harness) deriver() *payment.Deriver {
	return payment.NewDeriver(h.main, h.client)
}

// account returns the handle of account n of the merchant ledger.
func (h *harness) account(t *testing.T, n uint32) wallet.Wallet {
	t.Helper()
	w, err := h.main.WithAccountNumber(context.Background(), n)
	require.NoError(t, err)
	return w
}

func (h *harness) sparkAddress(t *testing.T, n uint32) string {
	t.Helper()
	addr, err := h.account(t, n).SparkAddress(context.Background())
	require.NoError(t, err)
	return addr
}

// createRequest registers a request for the next nonce directly with the
// backend, bypassing the activation fee.
func (h *harness) createRequest(t *testing.T, amount, rate string, tokenID string) payment.Request {
	t.Helper()
	ctx := context.Background()
	d := h.deriver()
	nonce, err := d.AllocateNonce(ctx)
	require.NoError(t, err)
	sub, err := d.Derive(ctx, nonce)
	require.NoError(t, err)
	addrs, err := wallet.ReceiveAddresses(ctx, sub)
	require.NoError(t, err)
	id, err := h.client.CreatePaymentRequest(ctx, backend.CreatePaymentRequest{
		Amount:       decimal.RequireFromString(amount),
		BTCAddress:   addrs.Onchain,
		SparkAddress: addrs.Spark,
		LNAddress:    addrs.Lightning,
		TokenID:      tokenID,
		DiscountRate: decimal.RequireFromString(rate),
		Nonce:        nonce,
	})
	require.NoError(t, err)
	rec, err := h.client.GetPaymentRequest(ctx, id)
	require.NoError(t, err)
	return payment.FromRecord(*rec)
}

// issueToken creates the merchant's loyalty token with two decimals.
func (h *harness) issueToken(t *testing.T) *wallet.TokenMetadata {
	t.Helper()
	issuer := payment.NewReceiptIssuer(h.main, h.client, h.logger, nil)
	meta, err := issuer.CreateToken(context.Background(), wallet.TokenSpec{Name: "Loop Points", Ticker: "LOOP", Decimals: 2})
	require.NoError(t, err)
	return meta
}

// burnVerifier accepts transfers of tokenID to sink recorded by the ledger
// and reports the whole-token amount burned.
func (h *harness) burnVerifier(sink string) backendtest.BurnVerifier {
	return func(req backend.PaymentRequest, txID string) (decimal.Decimal, error) {
		for _, tr := range h.ledger.Transfers() {
			if tr.TxID != txID {
				continue
			}
			if tr.Request.Recipient != sink || tr.Request.TokenID != req.TokenID || tr.Request.TokenAmount == nil {
				return decimal.Zero, errNotBurn
			}
			scale := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(2))
			whole := new(uint256.Int).Div(tr.Request.TokenAmount, scale)
			return decimal.NewFromBigInt(whole.ToBig(), 0), nil
		}
		return decimal.Zero, errNotBurn
	}
}

type burnError string

func (e burnError) Error() string { return string(e) }

const errNotBurn = burnError("transaction is not a burn")

func sats(n int64) btcutil.Amount { return btcutil.Amount(n) }
