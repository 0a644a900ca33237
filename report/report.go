// Package report summarises settled revenue and exports request and receipt
// listings as CSV and Parquet.
package report

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"loopofwork/payment"
	"loopofwork/storage/settlelog"
	"loopofwork/wallet"
)

const dayLayout = "2006-01-02"

// SettlementTimes resolves when a request's settlement was first observed.
type SettlementTimes interface {
	Get(requestID string) (settlelog.Entry, bool, error)
}

// DailyRevenue is the revenue settled on one calendar day.
type DailyRevenue struct {
	Day        string          `json:"day"`
	Requests   int             `json:"requests"`
	Revenue    decimal.Decimal `json:"revenue"`
	Discounts  decimal.Decimal `json:"discounts"`
	Cumulative decimal.Decimal `json:"cumulative"`
}

// Summary aggregates a request listing.
type Summary struct {
	Settled   int             `json:"settled"`
	Pending   int             `json:"pending"`
	Revenue   decimal.Decimal `json:"revenue"`
	Discounts decimal.Decimal `json:"discounts"`
	Days      []DailyRevenue  `json:"days"`
}

// Summarize totals settled requests per day in loc. Revenue counts the full
// request amount; the token discount is reported separately. Requests are
// dated by their recorded settlement time when times knows it and by
// creation time otherwise.
func Summarize(reqs []payment.Request, times SettlementTimes, loc *time.Location) (Summary, error) {
	if loc == nil {
		loc = time.UTC
	}
	sum := Summary{Revenue: decimal.Zero, Discounts: decimal.Zero}
	byDay := make(map[string]*DailyRevenue)
	for _, req := range reqs {
		if req.Status() != payment.StatusSettled {
			sum.Pending++
			continue
		}
		at, err := settledAt(req, times)
		if err != nil {
			return Summary{}, err
		}
		day := at.In(loc).Format(dayLayout)
		d, ok := byDay[day]
		if !ok {
			d = &DailyRevenue{Day: day, Revenue: decimal.Zero, Discounts: decimal.Zero}
			byDay[day] = d
		}
		d.Requests++
		d.Revenue = d.Revenue.Add(req.Amount)
		d.Discounts = d.Discounts.Add(req.RedeemAmount)
		sum.Settled++
		sum.Revenue = sum.Revenue.Add(req.Amount)
		sum.Discounts = sum.Discounts.Add(req.RedeemAmount)
	}
	sum.Days = make([]DailyRevenue, 0, len(byDay))
	for _, d := range byDay {
		sum.Days = append(sum.Days, *d)
	}
	sort.Slice(sum.Days, func(i, j int) bool { return sum.Days[i].Day < sum.Days[j].Day })
	running := decimal.Zero
	for i := range sum.Days {
		running = running.Add(sum.Days[i].Revenue)
		sum.Days[i].Cumulative = running
	}
	return sum, nil
}

func settledAt(req payment.Request, times SettlementTimes) (time.Time, error) {
	if times != nil {
		entry, ok, err := times.Get(req.ID)
		if err != nil {
			return time.Time{}, fmt.Errorf("report: settlement of %s: %w", req.ID, err)
		}
		if ok && !entry.ObservedAt.IsZero() {
			return entry.ObservedAt, nil
		}
	}
	return req.CreatedAt, nil
}

// ReceiptSource resolves a mint transaction into its receipt, or nil when
// the mint carries no metadata.
type ReceiptSource interface {
	Receipt(ctx context.Context, tx wallet.TokenTransaction) (*payment.Receipt, error)
}

// CollectReceipts loads the receipts of the mint transactions in txs. Mints
// without stored metadata are skipped.
func CollectReceipts(ctx context.Context, src ReceiptSource, txs []wallet.TokenTransaction) ([]payment.Receipt, error) {
	out := make([]payment.Receipt, 0, len(txs))
	for _, tx := range txs {
		if tx.Kind != wallet.TokenMint {
			continue
		}
		rec, err := src.Receipt(ctx, tx)
		if err != nil {
			return nil, fmt.Errorf("report: receipt %s: %w", tx.TxID, err)
		}
		if rec == nil {
			continue
		}
		if rec.MintedAt.IsZero() {
			rec.MintedAt = tx.At
		}
		out = append(out, *rec)
	}
	return out, nil
}
