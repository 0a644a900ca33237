package payment_test

import (
	"context"
	"testing"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"loopofwork/backend"
	"loopofwork/payment"
	"loopofwork/wallet"
)

func TestIssueReceiptMintsAndPatches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	meta := h.issueToken(t)
	req := h.createRequest(t, "80", "0", "")
	issuer := payment.NewReceiptIssuer(h.main, h.client, h.logger, nil)
	recipient := &backend.Recipient{Name: "Ada", Address: "ada@example.com"}

	receipt, err := issuer.Issue(ctx, decimal.RequireFromString("12.75"), " logo design ", recipient, req.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(12), receipt.Amount)
	require.Equal(t, meta.BaseUnits(12), receipt.BaseUnits)
	require.Equal(t, "logo design", receipt.Description)

	bal, err := h.main.Balance(ctx)
	require.NoError(t, err)
	require.Equal(t, meta.BaseUnits(12), bal.Tokens[meta.TokenID].Balance)

	stored, err := issuer.Get(ctx, receipt.MintTxID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, "logo design", stored.Description)
	require.Equal(t, req.ID, stored.PaymentID)
	require.Equal(t, recipient, stored.Recipient)

	after, ok := h.srv.Request(req.ID)
	require.True(t, ok)
	require.Empty(t, after.SettledTx)
	require.Empty(t, after.RedeemTx)

	require.NoError(t, issuer.UpdateMetadata(ctx, receipt.MintTxID, "logo design v2", nil, ""))
	stored, err = issuer.Get(ctx, receipt.MintTxID)
	require.NoError(t, err)
	require.Equal(t, "logo design v2", stored.Description)
	require.Nil(t, stored.Recipient)
}

func TestIssueReceiptPreconditions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	issuer := payment.NewReceiptIssuer(h.main, h.client, h.logger, nil)

	_, err := issuer.Issue(ctx, decimal.NewFromInt(5), "", nil, "")
	require.ErrorIs(t, err, payment.ErrNoIssuerToken)

	h.issueToken(t)
	_, err = issuer.Issue(ctx, decimal.RequireFromString("0.99"), "", nil, "")
	require.ErrorIs(t, err, payment.ErrInvalidRequest)

	_, err = issuer.CreateToken(ctx, wallet.TokenSpec{Name: "Again", Ticker: "AGN"})
	require.ErrorIs(t, err, payment.ErrInvalidRequest)

	missing, err := issuer.Get(ctx, "no-such-mint")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestIssuanceStats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	meta := h.issueToken(t)
	issuer := payment.NewReceiptIssuer(h.main, h.client, h.logger, nil)

	_, err := issuer.Issue(ctx, decimal.NewFromInt(3), "a", nil, "")
	require.NoError(t, err)
	_, err = issuer.Issue(ctx, decimal.NewFromInt(4), "b", nil, "")
	require.NoError(t, err)
	_, err = h.main.BurnTokens(ctx, meta.BaseUnits(2))
	require.NoError(t, err)

	stats, err := issuer.Stats(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, meta.TokenID, stats.TokenID)
	require.Equal(t, meta.BaseUnits(7), stats.Minted)
	require.Equal(t, uint256.NewInt(200), stats.Burned)
	require.Len(t, stats.Transactions, 3)
}

func TestReceiptJoinsMintAndMetadata(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	meta := h.issueToken(t)
	issuer := payment.NewReceiptIssuer(h.main, h.client, h.logger, nil)
	recipient := &backend.Recipient{Name: "Grace", Address: "grace@example.com"}

	issued, err := issuer.Issue(ctx, decimal.NewFromInt(9), "mug", recipient, "req-9")
	require.NoError(t, err)
	_, err = h.main.BurnTokens(ctx, meta.BaseUnits(1))
	require.NoError(t, err)
	bare, err := h.main.MintTokens(ctx, meta.BaseUnits(4))
	require.NoError(t, err)

	stats, err := issuer.Stats(ctx, 0)
	require.NoError(t, err)
	var got []*payment.Receipt
	for _, tx := range stats.Transactions {
		rec, err := issuer.Receipt(ctx, tx)
		require.NoError(t, err)
		if rec != nil {
			got = append(got, rec)
		}
	}
	require.Len(t, got, 1)
	require.NotEqual(t, bare.TxID, got[0].MintTxID)
	require.Equal(t, issued.MintTxID, got[0].MintTxID)
	require.Equal(t, uint64(9), got[0].Amount)
	require.Equal(t, meta.BaseUnits(9), got[0].BaseUnits)
	require.Equal(t, "mug", got[0].Description)
	require.Equal(t, recipient, got[0].Recipient)
	require.Equal(t, "req-9", got[0].PaymentID)
	require.True(t, got[0].MintedAt.Equal(issued.MintedAt))
}
