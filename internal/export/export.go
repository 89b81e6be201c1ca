// Package export writes typed records to CSV files or a SQLite database.
package export

import (
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nordnet-unofficial/nordgo/internal/api"
)

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02")
}

func moneyValue(m *api.MoneyAmount) float64 {
	if m == nil {
		return 0
	}
	return m.Value
}

// TransactionsCSV writes transactions as CSV with a header row.
func TransactionsCSV(w io.Writer, transactions []api.Transaction) error {
	cw := csv.NewWriter(w)
	header := []string{
		"transaction_id", "accounting_date", "settlement_date", "type",
		"instrument", "isin", "quantity", "price", "amount", "currency",
		"total_charges",
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, tx := range transactions {
		row := []string{
			tx.TransactionID,
			formatDate(tx.AccountingDate),
			formatDate(tx.SettlementDate),
			tx.TypeName,
			tx.InstrumentName,
			tx.ISIN,
			fmt.Sprintf("%g", tx.Quantity),
			fmt.Sprintf("%g", moneyValue(tx.Price)),
			fmt.Sprintf("%g", tx.Amount.Value),
			tx.Amount.Currency,
			fmt.Sprintf("%g", moneyValue(tx.TotalCharges)),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// HoldingsCSV writes holdings as CSV with a header row.
func HoldingsCSV(w io.Writer, holdings []api.Holding) error {
	cw := csv.NewWriter(w)
	header := []string{
		"instrument", "symbol", "isin", "quantity", "acq_price",
		"market_value", "currency", "gain_loss", "gain_loss_pct",
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, h := range holdings {
		row := []string{
			h.Instrument.Name,
			h.Instrument.Symbol,
			h.Instrument.ISIN,
			fmt.Sprintf("%g", h.Quantity),
			fmt.Sprintf("%g", h.AcqPrice.Value),
			fmt.Sprintf("%g", h.MarketValue.Value),
			h.MarketValue.Currency,
			fmt.Sprintf("%g", h.GainLoss()),
			fmt.Sprintf("%.2f", h.GainLossPct()),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

const transactionsSchema = `
CREATE TABLE IF NOT EXISTS transactions (
	transaction_id TEXT PRIMARY KEY,
	accounting_date TEXT,
	settlement_date TEXT,
	type TEXT,
	instrument TEXT,
	isin TEXT,
	quantity REAL,
	price REAL,
	amount REAL,
	currency TEXT,
	total_charges REAL
);`

// TransactionsSQLite writes transactions into a SQLite database at path,
// creating the table when missing and replacing rows that share an id.
func TransactionsSQLite(path string, transactions []api.Transaction) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open sqlite database: %w", err)
	}
	defer func() {
		_ = db.Close()
	}()

	if _, err = db.Exec(transactionsSchema); err != nil {
		return fmt.Errorf("create transactions table: %w", err)
	}

	dbTx, err := db.Begin()
	if err != nil {
		return err
	}
	stmt, err := dbTx.Prepare(`INSERT OR REPLACE INTO transactions
		(transaction_id, accounting_date, settlement_date, type, instrument,
		 isin, quantity, price, amount, currency, total_charges)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = dbTx.Rollback()
		return err
	}
	defer func() {
		_ = stmt.Close()
	}()

	for _, tx := range transactions {
		if _, err = stmt.Exec(
			tx.TransactionID,
			formatDate(tx.AccountingDate),
			formatDate(tx.SettlementDate),
			tx.TypeName,
			tx.InstrumentName,
			tx.ISIN,
			tx.Quantity,
			moneyValue(tx.Price),
			tx.Amount.Value,
			tx.Amount.Currency,
			moneyValue(tx.TotalCharges),
		); err != nil {
			_ = dbTx.Rollback()
			return fmt.Errorf("insert transaction %s: %w", tx.TransactionID, err)
		}
	}
	return dbTx.Commit()
}
