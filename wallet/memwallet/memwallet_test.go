package memwallet

import (
	"context"
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"loopofwork/wallet"
)

func TestAddressesDeterministicPerAccount(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger([]byte("seed"), "mainnet")
	a, err := ledger.Main().WithAccountNumber(ctx, 7)
	require.NoError(t, err)
	b, err := ledger.Main().WithAccountNumber(ctx, 7)
	require.NoError(t, err)
	c, err := ledger.Main().WithAccountNumber(ctx, 8)
	require.NoError(t, err)

	addrA, err := wallet.ReceiveAddresses(ctx, a)
	require.NoError(t, err)
	addrB, err := wallet.ReceiveAddresses(ctx, b)
	require.NoError(t, err)
	addrC, err := wallet.ReceiveAddresses(ctx, c)
	require.NoError(t, err)
	require.Equal(t, addrA, addrB)
	require.NotEqual(t, addrA.Spark, addrC.Spark)

	for _, rail := range wallet.Rails {
		require.True(t, a.ValidAddress(addrA.For(rail), rail), "rail %s address %q", rail, addrA.For(rail))
	}

	fresh := NewLedger([]byte("seed"), "mainnet")
	again, err := fresh.Main().WithAccountNumber(ctx, 7)
	require.NoError(t, err)
	addrAgain, err := wallet.ReceiveAddresses(ctx, again)
	require.NoError(t, err)
	require.Equal(t, addrA, addrAgain)
}

func TestInternalSendCreditsRecipient(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger([]byte("seed"), "mainnet")
	ledger.SetFee(wallet.RailSpark, 3)
	main := ledger.Main()
	sub, err := main.WithAccountNumber(ctx, 1)
	require.NoError(t, err)
	ledger.Credit(1, wallet.RailSpark, 1_000)

	events := main.Subscribe(wallet.EventPaymentReceived)
	defer events.Close()

	dest, err := main.SparkAddress(ctx)
	require.NoError(t, err)
	_, err = sub.Send(ctx, wallet.SendRequest{Rail: wallet.RailSpark, Recipient: dest, Sats: 997})
	require.NoError(t, err)

	bal, err := main.Balance(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 997, bal.Sats)
	subBal, err := sub.Balance(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, subBal.Sats)

	evt := <-events.Events()
	require.Equal(t, uint32(0), evt.Account)
	require.EqualValues(t, 997, evt.Amount)

	_, err = sub.Send(ctx, wallet.SendRequest{Rail: wallet.RailSpark, Recipient: dest, Sats: 1})
	require.ErrorIs(t, err, wallet.ErrInsufficientFunds)
}

func TestClaimDepositFailureInjection(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger([]byte("seed"), "mainnet")
	main := ledger.Main()
	ledger.AddDeposit(0, "aa", 0, 100)
	ledger.AddDeposit(0, "bb", 1, 200)
	boom := errors.New("fee too high")
	ledger.FailClaim("bb", 1, boom)

	require.NoError(t, main.ClaimDeposit(ctx, "aa", 0))
	require.ErrorIs(t, main.ClaimDeposit(ctx, "bb", 1), boom)
	require.ErrorIs(t, main.ClaimDeposit(ctx, "aa", 0), wallet.ErrUnknownDeposit)

	pending, err := main.ListUnclaimedDeposits(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "bb", pending[0].TxID)
	require.Equal(t, boom.Error(), pending[0].ClaimError)

	bal, err := main.Balance(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 100, bal.Sats)
}

func TestIssuerTokenLifecycle(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger([]byte("seed"), "mainnet")
	main := ledger.Main()
	id, err := main.CreateToken(ctx, wallet.TokenSpec{Name: "Loop", Ticker: "LOOP", Decimals: 2, MaxSupply: uint256.NewInt(1_000_000)})
	require.NoError(t, err)

	meta, err := main.TokenMetadata(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, meta)
	require.Equal(t, id, meta.TokenID)

	_, err = main.MintTokens(ctx, uint256.NewInt(500))
	require.NoError(t, err)
	_, err = main.BurnTokens(ctx, uint256.NewInt(200))
	require.NoError(t, err)
	_, err = main.MintTokens(ctx, uint256.NewInt(2_000_000))
	require.Error(t, err)

	txs, err := main.ListTokenTransactions(ctx, id, 0, 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)

	bal, err := main.Balance(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 300, bal.Tokens[id].Balance.Uint64())

	unknown, err := main.TokenMetadata(ctx, "btkn1missing")
	require.NoError(t, err)
	require.Nil(t, unknown)
}

func TestRejectNextSend(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger([]byte("seed"), "mainnet")
	ledger.Credit(0, wallet.RailSpark, 50)
	ledger.RejectNextSend()
	main := ledger.Main()
	dest, err := main.SparkAddress(ctx)
	require.NoError(t, err)
	_, err = main.Send(ctx, wallet.SendRequest{Rail: wallet.RailSpark, Recipient: dest, Sats: 10})
	require.ErrorIs(t, err, wallet.ErrUserRejected)
	_, err = main.Send(ctx, wallet.SendRequest{Rail: wallet.RailSpark, Recipient: dest, Sats: 10})
	require.NoError(t, err)
}

func TestFailDerivation(t *testing.T) {
	ledger := NewLedger([]byte("seed"), "mainnet")
	boom := errors.New("keyset unavailable")
	ledger.FailDerivation(9, boom)
	_, err := ledger.Main().WithAccountNumber(context.Background(), 9)
	require.ErrorIs(t, err, boom)
}
