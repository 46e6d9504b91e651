package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"spot-trader/internal/models"
	"spot-trader/internal/risk"
	"spot-trader/internal/signal"
)

type tick struct {
	Entry   bool
	Fill    bool
	Allow   bool
	Advance int
	Price   float64
}

func tickGen() gopter.Gen {
	return gopter.CombineGens(
		gen.Bool(),
		gen.Bool(),
		gen.Bool(),
		gen.IntRange(0, 40),
		gen.Float64Range(95, 105),
	).Map(func(v []interface{}) tick {
		return tick{
			Entry:   v[0].(bool),
			Fill:    v[1].(bool),
			Allow:   v[2].(bool),
			Advance: v[3].(int),
			Price:   v[4].(float64),
		}
	})
}

var allowedTransitions = map[[2]Kind]bool{
	{KindFlat, KindFlat}:                 true,
	{KindFlat, KindPendingEntry}:         true,
	{KindPendingEntry, KindPendingEntry}: true,
	{KindPendingEntry, KindFlat}:         true,
	{KindPendingEntry, KindOpen}:         true,
	{KindOpen, KindOpen}:                 true,
	{KindOpen, KindFlat}:                 true,
}

func newPropertyMachine(cfg Config) (*Machine, *fakeClock, error) {
	q, err := risk.NewQuantizer(testRules())
	if err != nil {
		return nil, nil, err
	}
	sizer, err := risk.NewSizer(risk.SizerConfig{Mode: risk.SizingNotional, PositionFraction: 0.2}, q)
	if err != nil {
		return nil, nil, err
	}
	clock := &fakeClock{t: t0}
	m, err := NewMachine(cfg, &fakeExec{}, sizer, newMemStore(), &memLedger{},
		WithClock(clock.Now), WithIDGenerator(&seqIDs{}))
	return m, clock, err
}

func TestProperty_TransitionsNeverSkipAState(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	for _, cfg := range []Config{scalperConfig(), breakoutConfig()} {
		cfg := cfg
		properties.Property(cfg.Tag+": every step follows an allowed edge and leaves a valid state", prop.ForAll(
			func(ticks []tick) bool {
				m, clock, err := newPropertyMachine(cfg)
				if err != nil {
					return false
				}
				ctx := context.Background()
				btc := 0.0

				for _, tk := range ticks {
					clock.Advance(time.Duration(tk.Advance) * time.Second)
					prev := m.State()

					if prev.Kind == KindPendingEntry && tk.Fill {
						btc = prev.Pending.BaselineBase + prev.Pending.TargetQty
					}
					snap := models.Snapshot{
						Symbol:   cfg.Symbol,
						Low:      models.Series{tk.Price},
						Quote:    models.Quote{Bid: tk.Price, Ask: tk.Price + 0.01},
						Balances: models.Balances{"USDT": 1000, "BTC": btc},
					}
					sig := signal.Signal{TrendOK: true, EntryOK: tk.Entry, ATR: 1, Price: tk.Price, EntryPrice: tk.Price}

					out, err := m.Step(ctx, snap, sig, tk.Allow)
					if err != nil {
						return false
					}
					next := m.State()
					if out.From != prev.Kind || out.To != next.Kind {
						return false
					}
					if !allowedTransitions[[2]Kind{prev.Kind, next.Kind}] {
						return false
					}
					if next.Validate() != nil {
						return false
					}
					if out.Ledger != nil {
						btc -= out.Ledger.Quantity * boolToFloat(out.Action == ActionPartialExit || out.Action == ActionExit)
					}
					if btc < 1e-9 {
						btc = 0
					}
				}
				return true
			},
			gen.SliceOfN(40, tickGen()),
		))
	}

	properties.TestingRun(t)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func TestProperty_EncodeDecodeKeepsValidity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("open states with stop < entry < target survive persistence", prop.ForAll(
		func(entry, stopGap, targetGap, qty float64) bool {
			st := NewOpen(OpenPosition{
				EntryPrice: entry,
				Quantity:   qty,
				StopPrice:  entry - stopGap,
				Target2:    entry + targetGap,
				EntryTime:  t0,
			})
			data, err := Encode(st)
			if err != nil {
				return false
			}
			back, err := Decode(data)
			if err != nil {
				return false
			}
			return back.Kind == KindOpen && *back.Open == *st.Open
		},
		gen.Float64Range(1000, 100000),
		gen.Float64Range(1, 999),
		gen.Float64Range(1, 5000),
		gen.Float64Range(0.00001, 10),
	))

	properties.Property("inverted levels are rejected", prop.ForAll(
		func(entry, gap float64) bool {
			st := NewOpen(OpenPosition{EntryPrice: entry, Quantity: 1, StopPrice: entry + gap, Target2: entry + 2*gap, EntryTime: t0})
			return st.Validate() != nil
		},
		gen.Float64Range(1, 100000),
		gen.Float64Range(0, 100),
	))

	properties.TestingRun(t)
}
