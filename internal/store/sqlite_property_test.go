package store

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"spot-trader/internal/models"
)

// Property: for any set of rows spread around a UTC day, Entries returns
// exactly the rows inside [from, to) in timestamp order, so the governor's
// daily sum matches a direct sum over the same rows.
func TestProperty_LedgerDayWindow(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger_property.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	run := 0

	properties.Property("Entries returns exactly the rows of the window", prop.ForAll(
		func(offsets []int, pnls []float64) bool {
			ctx := context.Background()
			run++
			strategy := fmt.Sprintf("P%d", run)

			var want float64
			var inside int
			for i, off := range offsets {
				ts := day.Add(time.Duration(off) * time.Minute)
				pnl := pnls[i%len(pnls)]
				e := models.LedgerEntry{
					Timestamp:   ts,
					Strategy:    strategy,
					Symbol:      "BTCUSDT",
					Action:      models.ActionExit,
					Price:       30000,
					Quantity:    0.001,
					RealizedPnL: pnl,
				}
				if err := store.AppendLedger(ctx, e); err != nil {
					t.Logf("Failed to append: %v", err)
					return false
				}
				if !ts.Before(day) && ts.Before(day.Add(24*time.Hour)) {
					want += pnl
					inside++
				}
			}

			rows, err := store.Entries(ctx, strategy, "BTCUSDT", day, day.Add(24*time.Hour))
			if err != nil {
				t.Logf("Failed to query: %v", err)
				return false
			}
			if len(rows) != inside {
				t.Logf("Expected %d rows, got %d", inside, len(rows))
				return false
			}
			var got float64
			for i, r := range rows {
				got += r.RealizedPnL
				if i > 0 && r.Timestamp.Before(rows[i-1].Timestamp) {
					return false
				}
			}
			return math.Abs(got-want) < 1e-6
		},
		gen.SliceOfN(12, gen.IntRange(-1440, 2*1440)),
		gen.SliceOfN(4, gen.Float64Range(-500, 500)),
	))

	properties.TestingRun(t)
}
