package lifecycle

import (
	"context"

	"github.com/shopspring/decimal"

	"spot-trader/internal/models"
)

// DefaultFillThreshold is the fraction of the target quantity that counts
// as a complete fill.
const DefaultFillThreshold = 0.99

// Fill is a fill detector's verdict on a resting entry order.
type Fill struct {
	Filled   bool
	Quantity float64
	Price    float64
}

// FillDetector decides whether a resting entry order has filled.
type FillDetector interface {
	Detect(ctx context.Context, pending PendingEntry, snap models.Snapshot) (Fill, error)
}

// BalanceDeltaDetector declares a fill when the free base-asset balance has
// grown by at least Threshold of the target quantity since placement.
//
// Any balance change not caused by this order (manual trades, another bot on
// the same account, deposits) is indistinguishable from a fill. The unfilled
// remainder of an accepted fill is left resting on the venue.
type BalanceDeltaDetector struct {
	BaseAsset string
	Threshold float64
}

// NewBalanceDeltaDetector creates a detector with the default 99% threshold.
func NewBalanceDeltaDetector(baseAsset string) *BalanceDeltaDetector {
	return &BalanceDeltaDetector{BaseAsset: baseAsset, Threshold: DefaultFillThreshold}
}

// Detect compares the snapshot balance against the baseline recorded at placement.
func (d *BalanceDeltaDetector) Detect(_ context.Context, pending PendingEntry, snap models.Snapshot) (Fill, error) {
	threshold := d.Threshold
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultFillThreshold
	}

	filled := decimal.NewFromFloat(snap.Balances.Free(d.BaseAsset)).
		Sub(decimal.NewFromFloat(pending.BaselineBase))
	need := decimal.NewFromFloat(pending.TargetQty).Mul(decimal.NewFromFloat(threshold))

	if !filled.IsPositive() || filled.LessThan(need) {
		return Fill{}, nil
	}
	return Fill{
		Filled:   true,
		Quantity: filled.InexactFloat64(),
		Price:    pending.LimitPrice,
	}, nil
}
