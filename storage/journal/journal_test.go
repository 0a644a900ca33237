package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open("sqlite", filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestFeeLifecycle(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	fee, err := j.Begin(ctx, FeePayment{FiatAmount: "1", Currency: "USD", AmountSats: 1000, Recipient: "spark1fee"})
	require.NoError(t, err)
	require.Equal(t, StatusPending, fee.Status)

	reserved, err := j.Reserve(ctx)
	require.NoError(t, err)
	require.Nil(t, reserved, "pending fees must not be reused")

	require.NoError(t, j.MarkSent(ctx, fee.ID, "tx-fee", 0))
	reserved, err = j.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, reserved)
	require.Equal(t, fee.ID, reserved.ID)

	again, err := j.Reserve(ctx)
	require.NoError(t, err)
	require.Nil(t, again, "reserved fee handed out twice")

	require.NoError(t, j.Release(ctx, fee.ID))
	reserved, err = j.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, reserved)

	require.NoError(t, j.Bind(ctx, fee.ID, "req-1"))
	stored, err := j.Get(ctx, fee.ID)
	require.NoError(t, err)
	require.Equal(t, StatusBound, stored.Status)
	require.Equal(t, "req-1", stored.RequestID)
	require.Equal(t, "tx-fee", stored.TxID)

	err = j.Bind(ctx, fee.ID, "req-2")
	require.True(t, errors.Is(err, ErrInvalidTransition), "rebinding must fail, got %v", err)

	unbound, err := j.Unbound(ctx)
	require.NoError(t, err)
	require.Empty(t, unbound)
}

func TestFailedFeesAreNotReused(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	fee, err := j.Begin(ctx, FeePayment{FiatAmount: "1", Currency: "USD", AmountSats: 1000, Recipient: "spark1fee"})
	require.NoError(t, err)
	require.NoError(t, j.MarkFailed(ctx, fee.ID, "user rejected"))

	reserved, err := j.Reserve(ctx)
	require.NoError(t, err)
	require.Nil(t, reserved)

	_, err = j.Get(ctx, uuid.New())
	require.ErrorIs(t, err, ErrNotFound)

	_, err = j.Begin(ctx, FeePayment{AmountSats: 0, Recipient: "x"})
	require.Error(t, err)
}

func TestUnboundListsPendingAndSent(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	first, err := j.Begin(ctx, FeePayment{FiatAmount: "1", Currency: "USD", AmountSats: 1000, Recipient: "spark1fee"})
	require.NoError(t, err)
	second, err := j.Begin(ctx, FeePayment{FiatAmount: "1", Currency: "USD", AmountSats: 1000, Recipient: "spark1fee"})
	require.NoError(t, err)
	require.NoError(t, j.MarkSent(ctx, second.ID, "tx-2", 3))

	unbound, err := j.Unbound(ctx)
	require.NoError(t, err)
	require.Len(t, unbound, 2)
	ids := map[string]FeeStatus{}
	for _, fee := range unbound {
		ids[fee.ID.String()] = fee.Status
	}
	require.Equal(t, StatusPending, ids[first.ID.String()])
	require.Equal(t, StatusSent, ids[second.ID.String()])
}
