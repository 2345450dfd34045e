package detect

import (
	"github.com/shopspring/decimal"

	"github.com/rickgao/momentum-trader/internal/model"
)

// trueRange computes max(H-L, |H-Cprev|, |L-Cprev|). Without a previous
// close it falls back to the bar's own range.
func trueRange(bar model.Bar, prevClose decimal.Decimal, hasPrev bool) decimal.Decimal {
	tr := bar.High.Sub(bar.Low)
	if !hasPrev {
		return tr
	}

	if hc := bar.High.Sub(prevClose).Abs(); hc.GreaterThan(tr) {
		tr = hc
	}
	if lc := bar.Low.Sub(prevClose).Abs(); lc.GreaterThan(tr) {
		tr = lc
	}
	return tr
}

// ATR returns the plain arithmetic mean of the true ranges of the last n
// bars. Wilder smoothing is deliberately not applied. Returns zero when no
// bars are available.
func ATR(bars []model.Bar, n int) decimal.Decimal {
	if len(bars) == 0 || n < 1 {
		return decimal.Zero
	}
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}

	sum := decimal.Zero
	for i, bar := range bars {
		if i == 0 {
			sum = sum.Add(trueRange(bar, decimal.Zero, false))
			continue
		}
		sum = sum.Add(trueRange(bar, bars[i-1].Close, true))
	}
	return sum.Div(decimal.NewFromInt(int64(len(bars))))
}

// SMAVolume returns the mean volume over the last n bars, or over all
// available bars when fewer exist.
func SMAVolume(bars []model.Bar, n int) decimal.Decimal {
	if len(bars) == 0 || n < 1 {
		return decimal.Zero
	}
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}

	var sum int64
	for _, bar := range bars {
		sum += bar.Volume
	}
	return decimal.NewFromInt(sum).Div(decimal.NewFromInt(int64(len(bars))))
}
