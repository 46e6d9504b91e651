package broker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"spot-trader/internal/models"
)

// Property: placing a resting maker bid and cancelling it before the price
// trades through restores the free quote balance exactly, and never moves
// the base balance.
func TestProperty_PaperCancelRestoresBalances(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("place then cancel is balance neutral", prop.ForAll(
		func(ticksBelow int, qtySteps int, initial float64) bool {
			ctx := context.Background()
			p := NewPaperBroker(PaperBrokerConfig{Symbol: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT", InitialQuote: initial})
			p.UpdateQuote(models.Quote{Symbol: "BTCUSDT", Bid: 30000, Ask: 30000.01})

			price := 30000 - float64(ticksBelow)*0.01
			qty := float64(qtySteps) * 0.00001
			cid := fmt.Sprintf("EMA-BUY-%06d", qtySteps)

			before, _ := p.GetFreeBalances(ctx)
			if _, err := p.PlaceLimitMaker(ctx, "BTCUSDT", models.SideBuy, price, qty, cid); err != nil {
				// Insufficient balance is a valid rejection
				return true
			}
			if _, err := p.CancelOrder(ctx, "BTCUSDT", cid); err != nil {
				return false
			}
			after, _ := p.GetFreeBalances(ctx)
			return after.Free("USDT") == before.Free("USDT") && after.Free("BTC") == before.Free("BTC")
		},
		gen.IntRange(1, 5000),
		gen.IntRange(1, 100000),
		gen.Float64Range(10, 50000),
	))

	properties.TestingRun(t)
}
