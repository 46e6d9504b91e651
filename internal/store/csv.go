package store

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"spot-trader/internal/models"
)

// csvHeader is the ledger export layout: ts,act,price,qty,pnl,usdt,btc.
var csvHeader = []string{"ts", "act", "price", "qty", "pnl", "usdt", "btc"}

// ExportCSV writes rows oldest first. Prices and PnL use two decimals,
// quantities and base balances six.
func ExportCSV(w io.Writer, rows []models.LedgerEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			r.Timestamp.UTC().Format(time.RFC3339),
			string(r.Action),
			strconv.FormatFloat(r.Price, 'f', 2, 64),
			strconv.FormatFloat(r.Quantity, 'f', 6, 64),
			strconv.FormatFloat(r.RealizedPnL, 'f', 2, 64),
			strconv.FormatFloat(r.QuoteBalance, 'f', 2, 64),
			strconv.FormatFloat(r.BaseBalance, 'f', 6, 64),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
