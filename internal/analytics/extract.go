package analytics

import (
	"sort"

	"github.com/google/uuid"

	"github.com/rewired-gh/strikewatch/internal/logger"
	"github.com/rewired-gh/strikewatch/internal/models"
)

const (
	// StrongThreshold is the OI percent below which the runner-up strike
	// does not weaken the leader.
	StrongThreshold = 75.0
	// RiskWindow is how many strikes on each side of spot the risk counters inspect.
	RiskWindow = 10
)

// Extract reduces ascending rows to the top-2 open-interest levels per side.
// It returns false when fewer than two rows are available.
func Extract(rows []models.OptionChainRow, symbol, expiry string) (*models.SupportResistance, bool) {
	if len(rows) < 2 {
		return nil, false
	}

	first := rows[0]
	sr := &models.SupportResistance{
		ID:        uuid.New().String(),
		CycleID:   first.CycleID,
		Symbol:    symbol,
		Time:      first.Time,
		SpotPrice: first.SpotPrice,
		Expiry:    normalizeExpiry(expiry),
	}

	for _, side := range []models.Side{models.Call, models.Put} {
		s1, s2 := topTwo(rows, side)
		levels := sr.Side(side)
		levels.Trend = trend(rows[s1], rows[s2], side)
		levels.First = level(rows, rows[s1], side, sr.SpotPrice)
		levels.Second = level(rows, rows[s2], side, sr.SpotPrice)

		for _, lv := range []models.Level{levels.First, levels.Second} {
			if lv.Reversal != lv.StopLoss {
				sr.LevelMismatch = true
				logger.Warn("%s %s strike %.2f: neighbor reversal %.2f disagrees with re-scanned stop loss %.2f",
					symbol, side, lv.Strike, lv.Reversal, lv.StopLoss)
			}
		}
	}

	sr.BearishRisk, sr.BullishRisk = riskCounts(rows, sr.SpotPrice)
	if sr.CE.Trend == models.TrendWTT {
		sr.BullishRisk++
	}
	if sr.PE.Trend == models.TrendWTB {
		sr.BearishRisk++
	}

	return sr, true
}

// topTwo returns the indices of the two rows with the highest OI percent on side.
// Ties keep input order.
func topTwo(rows []models.OptionChainRow, side models.Side) (int, int) {
	idx := make([]int, len(rows))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return rows[idx[a]].Leg(side).OIPercent > rows[idx[b]].Leg(side).OIPercent
	})
	return idx[0], idx[1]
}

func trend(s1, s2 models.OptionChainRow, side models.Side) models.TrendLabel {
	switch {
	case s2.Leg(side).OIPercent < StrongThreshold:
		return models.TrendStrong
	case s2.StrikePrice < s1.StrikePrice:
		return models.TrendWTB
	default:
		return models.TrendWTT
	}
}

func level(rows []models.OptionChainRow, r models.OptionChainRow, side models.Side, spot float64) models.Level {
	reversal := neighborReversal(rows, r.StrikePrice, side)
	return models.Level{
		Strike:      r.StrikePrice,
		OIPercent:   r.Leg(side).OIPercent,
		Reversal:    reversal,
		StopLoss:    stopLoss(rows, r.StrikePrice, side),
		DistancePct: DistancePct(spot, reversal),
	}
}

// neighborReversal binary-searches the ascending rows for the adjacent strike
// away from the money: strictly above for calls, strictly below for puts.
func neighborReversal(rows []models.OptionChainRow, strike float64, side models.Side) float64 {
	n := len(rows)
	if side == models.Call {
		i := sort.Search(n, func(i int) bool { return rows[i].StrikePrice > strike })
		if i < n {
			return rows[i].CE.Reversal
		}
		return 0
	}
	i := sort.Search(n, func(i int) bool { return rows[i].StrikePrice >= strike }) - 1
	if i >= 0 {
		return rows[i].PE.Reversal
	}
	return 0
}

// stopLoss re-derives the same neighbor by scanning every row, without
// relying on the row order.
func stopLoss(rows []models.OptionChainRow, strike float64, side models.Side) float64 {
	found := false
	var best models.OptionChainRow
	for _, r := range rows {
		if side == models.Call {
			if r.StrikePrice > strike && (!found || r.StrikePrice < best.StrikePrice) {
				best, found = r, true
			}
		} else if r.StrikePrice < strike && (!found || r.StrikePrice > best.StrikePrice) {
			best, found = r, true
		}
	}
	if !found {
		return 0
	}
	return best.Leg(side).Reversal
}

// riskCounts counts untraded calls among the strikes just below spot and
// untraded puts among the strikes just above it.
func riskCounts(rows []models.OptionChainRow, spot float64) (bearish, bullish int) {
	below := sort.Search(len(rows), func(i int) bool { return rows[i].StrikePrice >= spot })
	for i := max(below-RiskWindow, 0); i < below; i++ {
		if rows[i].CE.LTP == 0 {
			bearish++
		}
	}

	above := sort.Search(len(rows), func(i int) bool { return rows[i].StrikePrice > spot })
	for i := above; i < len(rows) && i < above+RiskWindow; i++ {
		if rows[i].PE.LTP == 0 {
			bullish++
		}
	}
	return bearish, bullish
}

func normalizeExpiry(expiry string) *string {
	if expiry == "" || expiry == "0" {
		return nil
	}
	return &expiry
}
