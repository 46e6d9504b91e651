package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"spot-trader/internal/models"
	"spot-trader/internal/store"
	"spot-trader/pkg/utils"
)

// addLedgerCommands adds the trade ledger commands.
func addLedgerCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and export the trade ledger",
	}
	cmd.AddCommand(newLedgerListCmd(app))
	cmd.AddCommand(newLedgerExportCmd(app))
	rootCmd.AddCommand(cmd)
}

func newLedgerListCmd(app *App) *cobra.Command {
	var (
		limit  int
		action string
		since  string
		all    bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent ledger rows, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			filter := store.LedgerFilter{Limit: limit}
			if !all {
				filter.Strategy = app.Config.Strategy.Tag
				filter.Symbol = app.Config.Trading.Symbol
			}
			if action != "" {
				a, err := parseAction(action)
				if err != nil {
					return err
				}
				filter.Action = a
			}
			if since != "" {
				t, err := parseDay(since)
				if err != nil {
					return err
				}
				filter.StartDate = t
			}

			st, err := openStores(app.Config)
			if err != nil {
				return err
			}
			defer st.Close()

			rows, err := st.ledger.GetLedger(cmd.Context(), filter)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				if rows == nil {
					rows = []models.LedgerEntry{}
				}
				return output.JSON(rows)
			}
			renderLedger(output, rows)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of rows")
	cmd.Flags().StringVar(&action, "action", "", "only rows with this action (BUY, CANCEL, PARTIAL_EXIT, EXIT, SELL)")
	cmd.Flags().StringVar(&since, "since", "", "only rows on or after this UTC day (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&all, "all", false, "include every strategy and symbol")
	return cmd
}

func newLedgerExportCmd(app *App) *cobra.Command {
	var (
		outPath string
		since   string
		until   string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export ledger rows as CSV, oldest first",
		Long: `Export the ledger of the configured strategy and symbol as CSV with
the columns ts,act,price,qty,pnl,usdt,btc.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			from := time.Unix(0, 0).UTC()
			to := time.Now().UTC().Add(24 * time.Hour)
			if since != "" {
				t, err := parseDay(since)
				if err != nil {
					return err
				}
				from = t
			}
			if until != "" {
				t, err := parseDay(until)
				if err != nil {
					return err
				}
				to = t.Add(24 * time.Hour)
			}

			st, err := openStores(app.Config)
			if err != nil {
				return err
			}
			defer st.Close()

			rows, err := st.ledger.Entries(cmd.Context(), app.Config.Strategy.Tag, app.Config.Trading.Symbol, from, to)
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if outPath != "" && outPath != "-" {
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			if err := store.ExportCSV(w, rows); err != nil {
				return err
			}

			if outPath != "" && outPath != "-" {
				app.Logger.Info().Str("path", outPath).Int("rows", len(rows)).Msg("Ledger exported")
				fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d rows to %s\n", len(rows), outPath)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "output", "o", "", "output file (default stdout)")
	cmd.Flags().StringVar(&since, "since", "", "first UTC day to include (YYYY-MM-DD)")
	cmd.Flags().StringVar(&until, "until", "", "last UTC day to include (YYYY-MM-DD)")
	return cmd
}

func renderLedger(output *Output, rows []models.LedgerEntry) {
	if len(rows) == 0 {
		output.Dim("No ledger rows")
		return
	}

	table := NewTable(output, "TIME", "STRATEGY", "SYMBOL", "ACTION", "PRICE", "QTY", "PNL", "QUOTE", "REASON")
	var total float64
	for _, r := range rows {
		pnl := "-"
		if r.RealizedPnL != 0 {
			pnl = output.FormatPnL(r.RealizedPnL)
			total += r.RealizedPnL
		}
		table.AddRow(
			FormatDateTime(r.Timestamp),
			r.Strategy,
			r.Symbol,
			string(r.Action),
			FormatPrice(r.Price),
			utils.FormatQuantity(r.Quantity),
			pnl,
			utils.FormatAmount(r.QuoteBalance),
			TruncateString(r.Reason, 24),
		)
	}
	table.Render()
	output.Println()
	output.Printf("%d rows, realized %s\n", len(rows), output.FormatPnL(total))
}

func parseAction(s string) (models.LedgerAction, error) {
	a := models.LedgerAction(strings.ToUpper(s))
	if !a.Valid() {
		return "", fmt.Errorf("unknown ledger action %q", s)
	}
	return a, nil
}

func parseDay(s string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid day %q, want YYYY-MM-DD: %w", s, err)
	}
	return t.UTC(), nil
}
