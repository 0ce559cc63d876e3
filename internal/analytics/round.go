package analytics

import (
	"math"

	"github.com/shopspring/decimal"
)

// Round2 rounds half away from zero to two decimals. NaN and infinities become 0.
func Round2(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}

// PercentOf returns v as a percentage of max clamped to [0, 100], or 0 when max is not positive.
func PercentOf(v, max float64) float64 {
	if max <= 0 {
		return 0
	}
	return clamp(Round2(v/max*100), 0, 100)
}

// RangePct returns how much own exceeds opposite, as a percentage of own.
func RangePct(own, opposite float64) float64 {
	if own == 0 {
		return 0
	}
	return Round2(math.Max(own-opposite, 0) / own * 100)
}

// DistancePct returns |level-spot| as a percentage of spot, or 0 when either is not positive.
func DistancePct(spot, level float64) float64 {
	if spot <= 0 || level <= 0 {
		return 0
	}
	return Round2(math.Abs(level-spot) / spot * 100)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
