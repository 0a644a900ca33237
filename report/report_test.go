package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"loopofwork/backend"
	"loopofwork/payment"
	"loopofwork/storage/settlelog"
	"loopofwork/wallet"
)

func fixtureRequests() []payment.Request {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return []payment.Request{
		{ID: "a", Amount: decimal.NewFromInt(100), Nonce: 1, CreatedAt: created, SettledTx: "tx-a", SettlementMode: wallet.RailSpark},
		{ID: "b", Amount: decimal.NewFromInt(50), DiscountRate: decimal.NewFromInt(10), RedeemAmount: decimal.NewFromInt(5), Nonce: 2, CreatedAt: created, SettledTx: "tx-b"},
		{ID: "c", Amount: decimal.RequireFromString("19.99"), Nonce: 3, CreatedAt: created.Add(48 * time.Hour), SettledTx: "tx-c"},
		{ID: "d", Amount: decimal.NewFromInt(70), Nonce: 4, CreatedAt: created},
	}
}

func TestSummarizeGroupsByDay(t *testing.T) {
	log, err := settlelog.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	_, _, err = log.Record(context.Background(), settlelog.Entry{
		RequestID:  "b",
		TxID:       "tx-b",
		ObservedAt: time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	sum, err := Summarize(fixtureRequests(), log, time.UTC)
	require.NoError(t, err)
	require.Equal(t, 3, sum.Settled)
	require.Equal(t, 1, sum.Pending)
	require.True(t, sum.Revenue.Equal(decimal.RequireFromString("169.99")))
	require.True(t, sum.Discounts.Equal(decimal.NewFromInt(5)))

	require.Len(t, sum.Days, 3)
	require.Equal(t, "2026-03-01", sum.Days[0].Day)
	require.True(t, sum.Days[0].Revenue.Equal(decimal.NewFromInt(100)))
	require.Equal(t, "2026-03-02", sum.Days[1].Day)
	require.True(t, sum.Days[1].Discounts.Equal(decimal.NewFromInt(5)))
	require.True(t, sum.Days[1].Cumulative.Equal(decimal.NewFromInt(150)))
	require.Equal(t, "2026-03-03", sum.Days[2].Day)
	require.True(t, sum.Days[2].Cumulative.Equal(sum.Revenue))
}

func TestSummarizeUsesLocation(t *testing.T) {
	reqs := []payment.Request{{
		ID:        "late",
		Amount:    decimal.NewFromInt(10),
		CreatedAt: time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC),
		SettledTx: "tx",
	}}
	sum, err := Summarize(reqs, nil, time.FixedZone("UTC+2", 2*3600))
	require.NoError(t, err)
	require.Len(t, sum.Days, 1)
	require.Equal(t, "2026-03-02", sum.Days[0].Day)

	empty, err := Summarize(nil, nil, nil)
	require.NoError(t, err)
	require.Empty(t, empty.Days)
	require.True(t, empty.Revenue.IsZero())
}

func TestWriteRequestsCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRequestsCSV(&buf, fixtureRequests(), nil))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 5)
	require.Equal(t, "id", records[0][0])
	require.Equal(t, []string{"b", "settled", "50", "10", "5", "45"}, records[2][:6])
	require.Equal(t, "2026-03-01T09:00:00Z", records[2][13])
	require.Equal(t, "awaiting_payment", records[4][1])
	require.Empty(t, records[4][13])
}

type receiptStore map[string]*payment.Receipt

func (s receiptStore) Receipt(_ context.Context, tx wallet.TokenTransaction) (*payment.Receipt, error) {
	rec, ok := s[tx.TxID]
	if !ok {
		return nil, nil
	}
	out := *rec
	return &out, nil
}

func TestCollectReceiptsSkipsBurnsAndUnknownMints(t *testing.T) {
	minted := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	store := receiptStore{
		"mint-1": {MintTxID: "mint-1", Amount: 12, BaseUnits: uint256.NewInt(1200), Description: "logo"},
	}
	txs := []wallet.TokenTransaction{
		{TxID: "mint-1", Kind: wallet.TokenMint, Amount: uint256.NewInt(1200), At: minted},
		{TxID: "burn-1", Kind: wallet.TokenBurn, Amount: uint256.NewInt(100), At: minted},
		{TxID: "mint-2", Kind: wallet.TokenMint, Amount: uint256.NewInt(300), At: minted},
	}
	got, err := CollectReceipts(context.Background(), store, txs)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "mint-1", got[0].MintTxID)
	require.True(t, got[0].MintedAt.Equal(minted))
}

func TestExportWritesCSVAndParquet(t *testing.T) {
	dir := t.TempDir()
	receipts := []payment.Receipt{{
		MintTxID:    "mint-1",
		Amount:      12,
		BaseUnits:   uint256.NewInt(1200),
		Description: "logo",
		Recipient:   &backend.Recipient{Name: "Ada", Address: "ada@example.com"},
		PaymentID:   "a",
		MintedAt:    time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC),
	}}

	files, err := Export(dir, fixtureRequests(), receipts, nil)
	require.NoError(t, err)

	raw, err := os.ReadFile(files.ReceiptsCSV)
	require.NoError(t, err)
	records, err := csv.NewReader(bytes.NewReader(raw)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, []string{"mint-1", "12", "1200", "logo", "Ada", "ada@example.com", "a", "2026-03-04T12:00:00Z"}, records[1])

	for _, path := range []string{files.RequestsParquet, files.ReceiptsParquet} {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Greater(t, len(data), 8)
		require.Equal(t, "PAR1", string(data[:4]))
		require.Equal(t, "PAR1", string(data[len(data)-4:]))
	}
	_, err = os.Stat(files.RequestsCSV)
	require.NoError(t, err)
}
