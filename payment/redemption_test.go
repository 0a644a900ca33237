package payment_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"loopofwork/payment"
	"loopofwork/wallet"
)

const (
	redeemRoute = "POST /payment-request/{id}/redeem/{tx}"
	getRoute    = "GET /payment-request/{id}"
)

type redemptionFixture struct {
	*harness
	meta     *wallet.TokenMetadata
	sink     string
	payer    wallet.Wallet
	req      payment.Request
	redeemer *payment.RedemptionLedger
}

func newRedemptionFixture(t *testing.T) *redemptionFixture {
	t.Helper()
	h := newHarness(t)
	meta := h.issueToken(t)
	sink := h.sparkAddress(t, 9999)
	h.srv.SetBurnVerifier(h.burnVerifier(sink))
	h.ledger.GiveTokens(9000, meta.TokenID, meta.BaseUnits(150))
	return &redemptionFixture{
		harness:  h,
		meta:     meta,
		sink:     sink,
		payer:    h.account(t, 9000),
		req:      h.createRequest(t, "1000", "10", meta.TokenID),
		redeemer: payment.NewRedemptionLedger(h.client, sink, h.logger, nil),
	}
}

func TestRedeemAppliesVerifiedDiscount(t *testing.T) {
	f := newRedemptionFixture(t)
	ctx := context.Background()

	updated, err := f.redeemer.Redeem(ctx, f.payer, f.req, decimal.NewFromInt(100))
	require.NoError(t, err)
	require.True(t, updated.RedeemAmount.Equal(decimal.NewFromInt(100)))
	require.NotEmpty(t, updated.RedeemTx)
	require.True(t, updated.EffectiveDue().Equal(decimal.NewFromInt(900)))
	require.Equal(t, f.meta.BaseUnits(100), f.ledger.TokenBalanceOf(f.sink, f.meta.TokenID))

	engine := payment.NewQuoteEngine(payment.WalletRates{Wallet: f.main})
	q, err := engine.QuoteRequest(ctx, updated)
	require.NoError(t, err)
	require.Equal(t, sats(900_000), q.Sats)
}

func TestRedeemIsSingleShot(t *testing.T) {
	f := newRedemptionFixture(t)
	ctx := context.Background()

	updated, err := f.redeemer.Redeem(ctx, f.payer, f.req, decimal.NewFromInt(40))
	require.NoError(t, err)
	transfers := len(f.ledger.Transfers())

	_, err = f.redeemer.Redeem(ctx, f.payer, updated, decimal.NewFromInt(1))
	require.ErrorIs(t, err, payment.ErrRedemptionRejected)

	// A caller holding the pre-redemption view is refused before burning.
	_, err = f.redeemer.Redeem(ctx, f.payer, f.req, decimal.NewFromInt(10))
	require.ErrorIs(t, err, payment.ErrRedemptionRejected)

	require.Len(t, f.ledger.Transfers(), transfers)
	require.Equal(t, 1, f.srv.Hits(redeemRoute))
	stored, ok := f.srv.Request(f.req.ID)
	require.True(t, ok)
	require.True(t, stored.RedeemAmount.Equal(decimal.NewFromInt(40)))
}

func TestRedeemBoundCheckedLocally(t *testing.T) {
	f := newRedemptionFixture(t)
	gets := f.srv.Hits(getRoute)

	for _, chosen := range []string{"101", "0", "-1", "10.5"} {
		_, err := f.redeemer.Redeem(context.Background(), f.payer, f.req, decimal.RequireFromString(chosen))
		require.ErrorIs(t, err, payment.ErrRedemptionRejected, "chosen %s", chosen)
	}
	require.NoError(t, f.redeemer.Check(f.req, decimal.NewFromInt(100)))

	require.Equal(t, gets, f.srv.Hits(getRoute))
	require.Zero(t, f.srv.Hits(redeemRoute))
	require.Empty(t, f.ledger.Transfers())
}

func TestRedeemPreconditions(t *testing.T) {
	f := newRedemptionFixture(t)
	one := decimal.NewFromInt(1)

	settled := f.req
	settled.SettledTx = "tx"
	require.ErrorIs(t, f.redeemer.Check(settled, one), payment.ErrRedemptionRejected)

	noDiscount := f.req
	noDiscount.DiscountRate = decimal.Zero
	require.ErrorIs(t, f.redeemer.Check(noDiscount, one), payment.ErrRedemptionRejected)

	noToken := f.req
	noToken.TokenID = ""
	require.ErrorIs(t, f.redeemer.Check(noToken, one), payment.ErrRedemptionRejected)
}

func TestRedeemCancelledByPayerIsSilent(t *testing.T) {
	f := newRedemptionFixture(t)
	f.ledger.RejectNextSend()

	got, err := f.redeemer.Redeem(context.Background(), f.payer, f.req, decimal.NewFromInt(50))
	require.NoError(t, err)
	require.False(t, got.Redeemed())
	require.Zero(t, f.srv.Hits(redeemRoute))
}

func TestRedeemRejectedByBackend(t *testing.T) {
	f := newRedemptionFixture(t)
	wrongSink := payment.NewRedemptionLedger(f.client, f.sparkAddress(t, 9998), f.logger, nil)

	_, err := wrongSink.Redeem(context.Background(), f.payer, f.req, decimal.NewFromInt(50))
	require.ErrorIs(t, err, payment.ErrRedemptionRejected)
	stored, ok := f.srv.Request(f.req.ID)
	require.True(t, ok)
	require.Empty(t, stored.RedeemTx)
	require.True(t, stored.RedeemAmount.IsZero())
}

func TestRedeemSubmitRecoversUnrecordedBurn(t *testing.T) {
	f := newRedemptionFixture(t)
	ctx := context.Background()
	f.srv.FailNextRedeems(1)

	_, err := f.redeemer.Redeem(ctx, f.payer, f.req, decimal.NewFromInt(60))
	var submitErr *payment.BurnSubmitError
	require.True(t, errors.As(err, &submitErr), "got %v", err)
	require.NotErrorIs(t, err, payment.ErrRedemptionRejected)
	require.Equal(t, f.req.ID, submitErr.RequestID)
	require.NotEmpty(t, submitErr.TxID)
	require.Equal(t, f.meta.BaseUnits(60), f.ledger.TokenBalanceOf(f.sink, f.meta.TokenID))
	stored, ok := f.srv.Request(f.req.ID)
	require.True(t, ok)
	require.Empty(t, stored.RedeemTx)

	updated, err := f.redeemer.Submit(ctx, f.req.ID, submitErr.TxID)
	require.NoError(t, err)
	require.Equal(t, submitErr.TxID, updated.RedeemTx)
	require.True(t, updated.RedeemAmount.Equal(decimal.NewFromInt(60)))
	require.Equal(t, f.meta.BaseUnits(60), f.ledger.TokenBalanceOf(f.sink, f.meta.TokenID))

	again, err := f.redeemer.Submit(ctx, f.req.ID, submitErr.TxID)
	require.NoError(t, err)
	require.Equal(t, updated.RedeemTx, again.RedeemTx)
	require.Equal(t, 2, f.srv.Hits(redeemRoute))

	_, err = f.redeemer.Submit(ctx, f.req.ID, "some-other-burn")
	require.ErrorIs(t, err, payment.ErrRedemptionRejected)
	_, err = f.redeemer.Submit(ctx, f.req.ID, " ")
	require.ErrorIs(t, err, payment.ErrRedemptionRejected)
}
