package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"spot-trader/internal/config"
	"spot-trader/internal/lifecycle"
	"spot-trader/internal/models"
	"spot-trader/internal/risk"
	"spot-trader/internal/store"
	"spot-trader/pkg/utils"
)

// StatusView is the persisted position and today's governor figures.
type StatusView struct {
	Strategy    string              `json:"strategy"`
	Symbol      string              `json:"symbol"`
	Mode        string              `json:"mode"`
	State       lifecycle.State     `json:"state"`
	Day         string              `json:"day"`
	RealizedPnL float64             `json:"realized_pnl"`
	LossLimit   float64             `json:"loss_limit"`
	Halted      bool                `json:"halted"`
	LastEntry   *models.LedgerEntry `json:"last_entry,omitempty"`
}

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the persisted position and today's realized PnL",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			st, err := openStores(app.Config)
			if err != nil {
				return err
			}
			defer st.Close()

			view, err := loadStatus(cmd.Context(), app.Config, st.state, st.ledger, time.Now())
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(view)
			}
			renderStatus(output, view, time.Now())
			return nil
		},
	}
}

// loadStatus reads the state record and aggregates today's ledger rows the
// way the governor does. In balance reference mode the last recorded quote
// balance stands in for the live one.
func loadStatus(ctx context.Context, cfg *config.Config, states lifecycle.StateStore, ledger store.Ledger, now time.Time) (*StatusView, error) {
	mc := cfg.MachineConfig()

	state, err := loadState(ctx, states, mc.Key())
	if err != nil {
		return nil, err
	}

	view := &StatusView{
		Strategy: mc.Tag,
		Symbol:   mc.Symbol,
		Mode:     cfg.Trading.Mode,
		State:    state,
	}

	last, err := ledger.GetLedger(ctx, store.LedgerFilter{Strategy: mc.Tag, Symbol: mc.Symbol, Limit: 1})
	if err != nil {
		return nil, err
	}
	quote := cfg.Trading.PaperQuoteBalance
	if len(last) > 0 {
		view.LastEntry = &last[0]
		quote = last[0].QuoteBalance
	}

	gov, err := risk.NewGovernor(cfg.GovernorConfig(), ledger, mc.Tag, mc.Symbol)
	if err != nil {
		return nil, err
	}
	status, err := gov.Check(ctx, now, quote)
	if err != nil {
		return nil, err
	}
	view.Day = FormatDate(status.Day)
	view.RealizedPnL = status.RealizedPnL
	view.LossLimit = status.Limit
	view.Halted = status.Halted

	return view, nil
}

func renderStatus(output *Output, v *StatusView, now time.Time) {
	output.Bold("%s %s (%s)", v.Strategy, v.Symbol, v.Mode)
	output.Printf("  State:           %s\n", output.StateLabel(v.State.Kind))
	if !v.State.UpdatedAt.IsZero() {
		output.Printf("  Updated:         %s\n", FormatDateTime(v.State.UpdatedAt))
	}

	switch v.State.Kind {
	case lifecycle.KindPendingEntry:
		p := v.State.Pending
		output.Printf("  Order:           %s\n", p.ClientOrderID)
		output.Printf("  Limit:           %s x %s\n", FormatPrice(p.LimitPrice), utils.FormatQuantity(p.TargetQty))
		output.Printf("  Expires:         %s (%s)\n", FormatDateTime(p.ExpiresAt), FormatDuration(p.ExpiresAt.Sub(now)))
	case lifecycle.KindOpen:
		o := v.State.Open
		output.Printf("  Entry:           %s x %s\n", FormatPrice(o.EntryPrice), utils.FormatQuantity(o.Quantity))
		output.Printf("  Stop:            %s (%s)\n", FormatPrice(o.StopPrice), FormatDistance(o.EntryPrice, o.StopPrice))
		if o.TwoTarget() {
			taken := ""
			if o.PartialExitTaken {
				taken = " taken"
			}
			output.Printf("  Target 1:        %s (%s)%s\n", FormatPrice(o.Target1), FormatDistance(o.EntryPrice, o.Target1), taken)
		}
		output.Printf("  Target:          %s (%s)\n", FormatPrice(o.Target2), FormatDistance(o.EntryPrice, o.Target2))
		output.Printf("  Held:            %s\n", FormatDuration(now.Sub(o.EntryTime)))
	}
	output.Println()

	output.Bold("Today (%s UTC)", v.Day)
	output.Printf("  Realized PnL:    %s\n", output.FormatPnL(v.RealizedPnL))
	output.Printf("  Loss Limit:      %s\n", utils.FormatAmount(v.LossLimit))
	if v.Halted {
		output.Printf("  Entries:         %s\n", output.Red("HALTED"))
	} else {
		output.Printf("  Entries:         %s\n", output.Green("allowed"))
	}

	if v.LastEntry != nil {
		e := v.LastEntry
		output.Println()
		output.Bold("Last Ledger Row")
		output.Printf("  %s %s %s @ %s  %s\n",
			FormatDateTime(e.Timestamp), e.Action, utils.FormatQuantity(e.Quantity), FormatPrice(e.Price), e.Reason)
	}
}
