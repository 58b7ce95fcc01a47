package reconcile

import (
	"context"
	"time"

	"github.com/septivank/energy-metering-cache/internal/db"
	"github.com/shopspring/decimal"
)

// Totals is the energy of a detail window grouped by measure type, in Wh
type Totals struct {
	Complete bool                     `json:"complete"`
	ByType   map[db.MeasureType]int64 `json:"by_type"`
}

// Sum returns the energy of every measure type.
func (t Totals) Sum() int64 {
	var sum int64
	for _, v := range t.ByType {
		sum += v
	}
	return sum
}

// Ratio returns the share of a measure type in the window, or zero for an
// empty window.
func (t Totals) Ratio(mt db.MeasureType) decimal.Decimal {
	sum := t.Sum()
	if sum == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(t.ByType[mt]).Div(decimal.NewFromInt(sum))
}

// FoldMeasureTypes groups the intervals of a scan by measure type.
// Blacklisted intervals carry no energy and are skipped.
func FoldMeasureTypes(scan DetailScan) Totals {
	totals := Totals{
		Complete: !scan.MissingData,
		ByType:   map[db.MeasureType]int64{db.OffPeak: 0, db.Peak: 0},
	}
	for _, iv := range scan.Intervals {
		if iv.Blacklist {
			continue
		}
		totals.ByType[iv.MeasureType] += iv.Value
	}
	return totals
}

// MeasureTypeTotals scans a detail window and folds it by measure type.
func (r *Reconciler) MeasureTypeTotals(ctx context.Context, usagePointID string, begin, end time.Time, direction db.Direction) (Totals, error) {
	scan, err := r.ScanDetail(ctx, usagePointID, begin, end, direction)
	if err != nil {
		return Totals{}, err
	}
	return FoldMeasureTypes(scan), nil
}

var whPerKWh = decimal.NewFromInt(1000)

// Estimate prices folded totals with the tariff of the usage point.
// Prices are per kWh. Production uses the single production price, the
// BASE plan the base price, any other plan the off-peak and peak prices.
func Estimate(mp db.MeteringPoint, direction db.Direction, totals Totals) decimal.Decimal {
	kwh := func(wh int64) decimal.Decimal {
		return decimal.NewFromInt(wh).Div(whPerKWh)
	}

	switch {
	case direction == db.Production:
		return kwh(totals.Sum()).Mul(mp.ProductionPrice)
	case mp.Plan == "" || mp.Plan == "BASE":
		return kwh(totals.Sum()).Mul(mp.ConsumptionPriceBase)
	default:
		return kwh(totals.ByType[db.OffPeak]).Mul(mp.ConsumptionPriceHC).
			Add(kwh(totals.ByType[db.Peak]).Mul(mp.ConsumptionPriceHP))
	}
}
