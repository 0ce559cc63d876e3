// Package analytics turns raw option chains into derived per-strike rows and
// reduces those rows to ranked support and resistance levels.
package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/rewired-gh/strikewatch/internal/models"
	"github.com/rewired-gh/strikewatch/internal/upstox"
)

// Meta identifies the fetch a row set belongs to.
type Meta struct {
	Time    time.Time
	Symbol  string
	Expiry  string
	CycleID string
}

// Derive builds one row per distinct strike, ascending by strike. It is a pure
// function of its inputs. Lot sizes below 1 are treated as 1.
func Derive(payload *upstox.ChainResponse, lotSize int, meta Meta) []models.OptionChainRow {
	if payload == nil || len(payload.Data) == 0 {
		return nil
	}

	entries := make([]upstox.StrikeEntry, len(payload.Data))
	copy(entries, payload.Data)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].StrikePrice < entries[j].StrikePrice
	})

	if lotSize < 1 {
		lotSize = 1
	}
	lot := float64(lotSize)
	spot := payload.SpotPrice()

	rows := make([]models.OptionChainRow, 0, len(entries))
	for i, e := range entries {
		if i > 0 && e.StrikePrice == entries[i-1].StrikePrice {
			continue
		}
		rows = append(rows, models.OptionChainRow{
			Time:        meta.Time,
			CycleID:     meta.CycleID,
			Symbol:      meta.Symbol,
			Expiry:      meta.Expiry,
			LotSize:     lotSize,
			StrikePrice: e.StrikePrice,
			SpotPrice:   spot,
			CE:          legMetrics(e.CallOptions, lot),
			PE:          legMetrics(e.PutOptions, lot),
		})
	}

	n := len(rows)
	for i := range rows {
		if i+1 < n {
			rows[i].CE.Reversal = Round2(rows[i].PE.LTP - rows[i+1].CE.LTP + spot)
		}
		if i > 0 {
			rows[i].PE.Reversal = Round2(rows[i-1].PE.LTP - rows[i].CE.LTP + spot)
		}
		rows[i].CE.RangePct = RangePct(rows[i].CE.OpenInterest, rows[i].PE.OpenInterest)
		rows[i].PE.RangePct = RangePct(rows[i].PE.OpenInterest, rows[i].CE.OpenInterest)
	}

	for _, side := range []models.Side{models.Call, models.Put} {
		var maxOI, maxVol, maxCOI float64
		for i := range rows {
			leg := rows[i].Leg(side)
			maxOI = math.Max(maxOI, leg.OpenInterest)
			maxVol = math.Max(maxVol, leg.Volume)
			maxCOI = math.Max(maxCOI, leg.ChangeInOI)
		}
		for i := range rows {
			leg := rows[i].Leg(side)
			leg.OIPercent = PercentOf(leg.OpenInterest, maxOI)
			leg.VolumePercent = PercentOf(leg.Volume, maxVol)
			leg.ChangeInOIPercent = PercentOf(leg.ChangeInOI, maxCOI)
		}
	}

	return rows
}

func legMetrics(leg *upstox.OptionLeg, lot float64) models.LegMetrics {
	md := leg.Market()
	g := leg.Greeks()
	return models.LegMetrics{
		Delta:        finite(g.Delta),
		IV:           finite(g.IV),
		OpenInterest: finite(md.OI / lot),
		ChangeInOI:   finite((md.OI - md.PrevOI) / lot),
		Volume:       finite(md.Volume / lot),
		LTP:          finite(md.LTP),
		ChangeInLTP:  Round2(md.LTP - md.ClosePrice),
	}
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
