package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"loopofwork/payment"
)

// Files names the export files written for one run.
type Files struct {
	RequestsCSV     string
	RequestsParquet string
	ReceiptsCSV     string
	ReceiptsParquet string
}

// Export writes request and receipt listings into dir as CSV and Parquet.
func Export(dir string, reqs []payment.Request, receipts []payment.Receipt, times SettlementTimes) (Files, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Files{}, fmt.Errorf("report: create export dir: %w", err)
	}
	rows, err := requestRows(reqs, times)
	if err != nil {
		return Files{}, err
	}
	files := Files{
		RequestsCSV:     filepath.Join(dir, "requests.csv"),
		RequestsParquet: filepath.Join(dir, "requests.parquet"),
		ReceiptsCSV:     filepath.Join(dir, "receipts.csv"),
		ReceiptsParquet: filepath.Join(dir, "receipts.parquet"),
	}
	if err := writeFile(files.RequestsCSV, func(w io.Writer) error { return writeRequestsCSV(w, rows) }); err != nil {
		return Files{}, err
	}
	if err := writeParquet(files.RequestsParquet, new(requestRow), len(rows), func(i int) interface{} { return &rows[i] }); err != nil {
		return Files{}, err
	}
	recRows := receiptRows(receipts)
	if err := writeFile(files.ReceiptsCSV, func(w io.Writer) error { return writeReceiptsCSV(w, recRows) }); err != nil {
		return Files{}, err
	}
	if err := writeParquet(files.ReceiptsParquet, new(receiptRow), len(recRows), func(i int) interface{} { return &recRows[i] }); err != nil {
		return Files{}, err
	}
	return files, nil
}

// WriteRequestsCSV writes the request listing as CSV.
func WriteRequestsCSV(w io.Writer, reqs []payment.Request, times SettlementTimes) error {
	rows, err := requestRows(reqs, times)
	if err != nil {
		return err
	}
	return writeRequestsCSV(w, rows)
}

// WriteReceiptsCSV writes the receipt listing as CSV.
func WriteReceiptsCSV(w io.Writer, receipts []payment.Receipt) error {
	return writeReceiptsCSV(w, receiptRows(receipts))
}

type requestRow struct {
	ID             string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status         string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount         string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	DiscountRate   string `parquet:"name=discount_rate, type=BYTE_ARRAY, convertedtype=UTF8"`
	RedeemAmount   string `parquet:"name=redeem_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	EffectiveDue   string `parquet:"name=effective_due, type=BYTE_ARRAY, convertedtype=UTF8"`
	Description    string `parquet:"name=description, type=BYTE_ARRAY, convertedtype=UTF8"`
	Nonce          int64  `parquet:"name=nonce, type=INT64"`
	SettledTx      string `parquet:"name=settled_tx, type=BYTE_ARRAY, convertedtype=UTF8"`
	SettlementMode string `parquet:"name=settlement_mode, type=BYTE_ARRAY, convertedtype=UTF8"`
	RedeemTx       string `parquet:"name=redeem_tx, type=BYTE_ARRAY, convertedtype=UTF8"`
	TokenID        string `parquet:"name=token_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt      string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	SettledAt      string `parquet:"name=settled_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type receiptRow struct {
	MintTxID         string `parquet:"name=mint_tx_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount           int64  `parquet:"name=amount, type=INT64"`
	BaseUnits        string `parquet:"name=base_units, type=BYTE_ARRAY, convertedtype=UTF8"`
	Description      string `parquet:"name=description, type=BYTE_ARRAY, convertedtype=UTF8"`
	RecipientName    string `parquet:"name=recipient_name, type=BYTE_ARRAY, convertedtype=UTF8"`
	RecipientAddress string `parquet:"name=recipient_address, type=BYTE_ARRAY, convertedtype=UTF8"`
	PaymentID        string `parquet:"name=payment_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	MintedAt         string `parquet:"name=minted_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func requestRows(reqs []payment.Request, times SettlementTimes) ([]requestRow, error) {
	rows := make([]requestRow, 0, len(reqs))
	for _, req := range reqs {
		row := requestRow{
			ID:             req.ID,
			Status:         string(req.Status()),
			Amount:         req.Amount.String(),
			DiscountRate:   req.DiscountRate.String(),
			RedeemAmount:   req.RedeemAmount.String(),
			EffectiveDue:   req.EffectiveDue().String(),
			Description:    req.Description,
			Nonce:          int64(req.Nonce),
			SettledTx:      req.SettledTx,
			SettlementMode: string(req.SettlementMode),
			RedeemTx:       req.RedeemTx,
			TokenID:        req.TokenID,
			CreatedAt:      formatTime(req.CreatedAt),
		}
		if req.Status() == payment.StatusSettled {
			at, err := settledAt(req, times)
			if err != nil {
				return nil, err
			}
			row.SettledAt = formatTime(at)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func receiptRows(receipts []payment.Receipt) []receiptRow {
	rows := make([]receiptRow, 0, len(receipts))
	for _, rec := range receipts {
		row := receiptRow{
			MintTxID:    rec.MintTxID,
			Amount:      int64(rec.Amount),
			Description: rec.Description,
			PaymentID:   rec.PaymentID,
			MintedAt:    formatTime(rec.MintedAt),
		}
		if rec.BaseUnits != nil {
			row.BaseUnits = rec.BaseUnits.Dec()
		}
		if rec.Recipient != nil {
			row.RecipientName = rec.Recipient.Name
			row.RecipientAddress = rec.Recipient.Address
		}
		rows = append(rows, row)
	}
	return rows
}

func writeRequestsCSV(w io.Writer, rows []requestRow) error {
	cw := csv.NewWriter(w)
	header := []string{
		"id", "status", "amount", "discount_rate", "redeem_amount", "effective_due", "description", "nonce",
		"settled_tx", "settlement_mode", "redeem_tx", "token_id", "created_at", "settled_at",
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("report: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.ID,
			row.Status,
			row.Amount,
			row.DiscountRate,
			row.RedeemAmount,
			row.EffectiveDue,
			row.Description,
			strconv.FormatInt(row.Nonce, 10),
			row.SettledTx,
			row.SettlementMode,
			row.RedeemTx,
			row.TokenID,
			row.CreatedAt,
			row.SettledAt,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("report: write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("report: flush csv: %w", err)
	}
	return nil
}

func writeReceiptsCSV(w io.Writer, rows []receiptRow) error {
	cw := csv.NewWriter(w)
	header := []string{"mint_tx_id", "amount", "base_units", "description", "recipient_name", "recipient_address", "payment_id", "minted_at"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("report: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.MintTxID,
			strconv.FormatInt(row.Amount, 10),
			row.BaseUnits,
			row.Description,
			row.RecipientName,
			row.RecipientAddress,
			row.PaymentID,
			row.MintedAt,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("report: write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("report: flush csv: %w", err)
	}
	return nil
}

func writeFile(path string, fn func(io.Writer) error) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: create %s: %w", filepath.Base(path), err)
	}
	if err := fn(file); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("report: close %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeParquet(path string, schema interface{}, n int, row func(int) interface{}) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, schema, 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("report: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for i := 0; i < n; i++ {
		if err := pw.Write(row(i)); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("report: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("report: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("report: close parquet file: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
