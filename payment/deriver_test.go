package payment_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"loopofwork/payment"
	"loopofwork/wallet"
	"loopofwork/wallet/memwallet"
)

type fixedNonce uint32

func (n fixedNonce) NextNonce(context.Context) (uint32, error) { return uint32(n), nil }

func TestDeriveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ledger := memwallet.NewLedger([]byte("seed"), "")
	first := payment.NewDeriver(ledger.Main(), nil)
	second := payment.NewDeriver(memwallet.NewLedger([]byte("seed"), "").Main(), nil, payment.WithMemoization(true))

	a, err := first.Derive(ctx, 7)
	require.NoError(t, err)
	b, err := first.Derive(ctx, 7)
	require.NoError(t, err)
	c, err := second.Derive(ctx, 7)
	require.NoError(t, err)

	addrA, err := wallet.ReceiveAddresses(ctx, a)
	require.NoError(t, err)
	addrB, err := wallet.ReceiveAddresses(ctx, b)
	require.NoError(t, err)
	addrC, err := wallet.ReceiveAddresses(ctx, c)
	require.NoError(t, err)
	require.Equal(t, addrA, addrB)
	require.Equal(t, addrA, addrC)

	other, err := first.Derive(ctx, 8)
	require.NoError(t, err)
	addrOther, err := wallet.ReceiveAddresses(ctx, other)
	require.NoError(t, err)
	require.NotEqual(t, addrA.Spark, addrOther.Spark)

	main, err := wallet.ReceiveAddresses(ctx, ledger.Main())
	require.NoError(t, err)
	require.NotEqual(t, main, addrA)
}

func TestDeriveRejectsMainAccountAndFailures(t *testing.T) {
	ctx := context.Background()
	ledger := memwallet.NewLedger([]byte("seed"), "")
	d := payment.NewDeriver(ledger.Main(), nil)

	_, err := d.Derive(ctx, 0)
	require.ErrorIs(t, err, payment.ErrDerivationFailed)

	ledger.FailDerivation(3, errors.New("keystore locked"))
	w, err := d.Derive(ctx, 3)
	require.ErrorIs(t, err, payment.ErrDerivationFailed)
	require.Nil(t, w)
}

func TestAllocateNonce(t *testing.T) {
	ctx := context.Background()
	main := memwallet.NewLedger([]byte("seed"), "").Main()

	next, err := payment.NewDeriver(main, fixedNonce(41)).AllocateNonce(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(42), next)

	_, err = payment.NewDeriver(main, fixedNonce(math.MaxUint32)).AllocateNonce(ctx)
	require.ErrorIs(t, err, payment.ErrDerivationFailed)

	_, err = payment.NewDeriver(main, nil).AllocateNonce(ctx)
	require.Error(t, err)
}

func TestAllocateNonceFollowsBackendCounter(t *testing.T) {
	h := newHarness(t)
	first := h.createRequest(t, "10", "0", "")
	second := h.createRequest(t, "20", "0", "")
	require.Equal(t, uint32(1), first.Nonce)
	require.Equal(t, uint32(2), second.Nonce)

	sub := h.account(t, second.Nonce)
	addrs, err := wallet.ReceiveAddresses(context.Background(), sub)
	require.NoError(t, err)
	require.Equal(t, addrs, second.Addresses)
}
