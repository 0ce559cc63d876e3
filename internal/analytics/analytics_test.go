package analytics

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/strikewatch/internal/models"
	"github.com/rewired-gh/strikewatch/internal/upstox"
)

func leg(ltp, oi, prevOI, volume, closePrice float64) *upstox.OptionLeg {
	return &upstox.OptionLeg{
		MarketData: &upstox.MarketData{LTP: ltp, OI: oi, PrevOI: prevOI, Volume: volume, ClosePrice: closePrice},
		OptionGreeks: &upstox.OptionGreeks{
			Delta: 0.5,
			IV:    14.2,
		},
	}
}

func samplePayload() *upstox.ChainResponse {
	return &upstox.ChainResponse{
		Status: "success",
		Data: []upstox.StrikeEntry{
			{StrikePrice: 110, UnderlyingSpotPrice: 104, CallOptions: leg(1, 500, 1000, 0, 0.5), PutOptions: leg(5, 3000, 3000, 0, 5)},
			{StrikePrice: 100, UnderlyingSpotPrice: 104, CallOptions: leg(6, 1000, 1000, 0, 6), PutOptions: leg(1, 500, 500, 0, 1)},
			{StrikePrice: 105, UnderlyingSpotPrice: 104, CallOptions: leg(3, 2000, 1000, 0, 2.25), PutOptions: leg(2, 1000, 1000, 0, 2)},
			// duplicate strike, dropped
			{StrikePrice: 105, UnderlyingSpotPrice: 104, CallOptions: leg(99, 99999, 0, 0, 0), PutOptions: leg(99, 99999, 0, 0, 0)},
		},
	}
}

func TestDerive(t *testing.T) {
	now := time.Date(2025, 1, 20, 10, 0, 0, 0, time.UTC)
	rows := Derive(samplePayload(), 50, Meta{Time: now, Symbol: "NIFTY", Expiry: "2025-01-30", CycleID: "c1"})

	require.Len(t, rows, 3)
	assert.Equal(t, []float64{100, 105, 110}, []float64{rows[0].StrikePrice, rows[1].StrikePrice, rows[2].StrikePrice})

	for _, r := range rows {
		assert.Equal(t, "NIFTY", r.Symbol)
		assert.Equal(t, "c1", r.CycleID)
		assert.Equal(t, 50, r.LotSize)
		assert.Equal(t, 104.0, r.SpotPrice)
		assert.Equal(t, now, r.Time)
		assert.NoError(t, r.Validate())
	}

	// per-lot values
	assert.Equal(t, 20.0, rows[0].CE.OpenInterest)
	assert.Equal(t, 40.0, rows[1].CE.OpenInterest)
	assert.Equal(t, 60.0, rows[2].PE.OpenInterest)
	assert.Equal(t, 20.0, rows[1].CE.ChangeInOI)
	assert.Equal(t, -10.0, rows[2].CE.ChangeInOI)
	assert.Equal(t, 0.75, rows[1].CE.ChangeInLTP)

	// reversal: CE uses the next strike's call, PE the previous strike's put
	assert.Equal(t, 102.0, rows[0].CE.Reversal)
	assert.Equal(t, 105.0, rows[1].CE.Reversal)
	assert.Equal(t, 0.0, rows[2].CE.Reversal)
	assert.Equal(t, 0.0, rows[0].PE.Reversal)
	assert.Equal(t, 102.0, rows[1].PE.Reversal)
	assert.Equal(t, 105.0, rows[2].PE.Reversal)

	// concentration range
	assert.Equal(t, 50.0, rows[0].CE.RangePct)
	assert.Equal(t, 0.0, rows[0].PE.RangePct)
	assert.Equal(t, 0.0, rows[2].CE.RangePct)
	assert.Equal(t, 83.33, rows[2].PE.RangePct)

	// percent of max
	assert.Equal(t, []float64{50, 100, 25}, []float64{rows[0].CE.OIPercent, rows[1].CE.OIPercent, rows[2].CE.OIPercent})
	assert.Equal(t, []float64{16.67, 33.33, 100}, []float64{rows[0].PE.OIPercent, rows[1].PE.OIPercent, rows[2].PE.OIPercent})
	assert.Equal(t, []float64{0, 100, 0}, []float64{rows[0].CE.ChangeInOIPercent, rows[1].CE.ChangeInOIPercent, rows[2].CE.ChangeInOIPercent})
	for _, r := range rows {
		assert.Zero(t, r.CE.VolumePercent, "zero-max column is all zero")
		assert.Zero(t, r.PE.ChangeInOIPercent)
	}
}

func TestDerive_LotSizeFloor(t *testing.T) {
	for _, lot := range []int{0, -5, 1} {
		rows := Derive(samplePayload(), lot, Meta{Time: time.Now(), Symbol: "X"})
		require.Len(t, rows, 3)
		assert.Equal(t, 1, rows[0].LotSize)
		assert.Equal(t, 1000.0, rows[0].CE.OpenInterest)
		for _, r := range rows {
			assert.GreaterOrEqual(t, r.CE.OpenInterest, 0.0)
			assert.GreaterOrEqual(t, r.PE.Volume, 0.0)
		}
	}
}

func TestDerive_Idempotent(t *testing.T) {
	meta := Meta{Time: time.Unix(1700000000, 0), Symbol: "NIFTY", Expiry: "2025-01-30"}
	p := samplePayload()
	assert.Equal(t, Derive(p, 75, meta), Derive(p, 75, meta))
}

func TestDerive_MissingLegs(t *testing.T) {
	p := &upstox.ChainResponse{Data: []upstox.StrikeEntry{
		{StrikePrice: 100, UnderlyingSpotPrice: 100},
		{StrikePrice: 110, CallOptions: &upstox.OptionLeg{}, PutOptions: leg(2, 100, 0, 10, 0)},
	}}
	rows := Derive(p, 1, Meta{Time: time.Now(), Symbol: "X"})
	require.Len(t, rows, 2)
	assert.Zero(t, rows[0].CE.OpenInterest)
	assert.Zero(t, rows[0].CE.Delta)
	assert.Equal(t, 100.0, rows[1].PE.OIPercent)
	assert.Zero(t, rows[0].PE.OIPercent)
	assert.Equal(t, 100.0, rows[1].PE.Reversal)
	assert.Equal(t, 100.0, rows[0].CE.Reversal)
	for _, r := range rows {
		for _, v := range []float64{r.CE.Reversal, r.PE.Reversal, r.CE.RangePct, r.PE.RangePct} {
			assert.False(t, math.IsNaN(v))
		}
	}
}

func TestDerive_Empty(t *testing.T) {
	assert.Nil(t, Derive(nil, 1, Meta{}))
	assert.Nil(t, Derive(&upstox.ChainResponse{}, 1, Meta{}))
}

// chainRows builds ascending rows with the given call OI percents.
func chainRows(strikes, callOIPct []float64, spot float64) []models.OptionChainRow {
	rows := make([]models.OptionChainRow, len(strikes))
	for i, s := range strikes {
		rows[i] = models.OptionChainRow{
			Time:        time.Date(2025, 1, 20, 10, 0, 0, 0, time.UTC),
			Symbol:      "TEST",
			LotSize:     1,
			StrikePrice: s,
			SpotPrice:   spot,
			CE:          models.LegMetrics{LTP: 1, Reversal: s + 1},
			PE:          models.LegMetrics{LTP: 1, Reversal: s - 1},
		}
		if i < len(callOIPct) {
			rows[i].CE.OIPercent = callOIPct[i]
		}
	}
	return rows
}

func TestExtract_TopTwoAndTrend(t *testing.T) {
	rows := chainRows([]float64{100, 105, 110, 115, 120}, []float64{10, 90, 40, 95, 20}, 110)

	sr, ok := Extract(rows, "TEST", "2025-01-30")
	require.True(t, ok)

	assert.Equal(t, 115.0, sr.CE.First.Strike)
	assert.Equal(t, 95.0, sr.CE.First.OIPercent)
	assert.Equal(t, 105.0, sr.CE.Second.Strike)
	assert.Equal(t, 90.0, sr.CE.Second.OIPercent)
	assert.Equal(t, models.TrendWTB, sr.CE.Trend)

	// calls take the reversal of the next higher strike
	assert.Equal(t, 121.0, sr.CE.First.Reversal)
	assert.Equal(t, 111.0, sr.CE.Second.Reversal)
	assert.Equal(t, sr.CE.First.Reversal, sr.CE.First.StopLoss)
	assert.Equal(t, sr.CE.Second.Reversal, sr.CE.Second.StopLoss)
	assert.Equal(t, 10.0, sr.CE.First.DistancePct)
	assert.Equal(t, 0.91, sr.CE.Second.DistancePct)
	assert.False(t, sr.LevelMismatch)

	require.NotNil(t, sr.Expiry)
	assert.Equal(t, "2025-01-30", *sr.Expiry)
	assert.NotEmpty(t, sr.ID)
	assert.NoError(t, sr.Validate())
}

func TestExtract_TrendBoundary(t *testing.T) {
	tests := []struct {
		name string
		pct  []float64
		want models.TrendLabel
	}{
		{"runner-up below 75 is strong", []float64{100, 74.99, 0}, models.TrendStrong},
		{"exactly 75 below leader", []float64{75, 100, 0}, models.TrendWTB},
		{"exactly 75 above leader", []float64{100, 75, 0}, models.TrendWTT},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows := chainRows([]float64{100, 110, 120}, tt.pct, 110)
			sr, ok := Extract(rows, "TEST", "2025-01-30")
			require.True(t, ok)
			assert.Equal(t, tt.want, sr.CE.Trend)
		})
	}
}

func TestExtract_PutNeighborBelow(t *testing.T) {
	rows := chainRows([]float64{100, 105, 110}, nil, 105)
	rows[0].PE.OIPercent = 100
	rows[2].PE.OIPercent = 80

	sr, ok := Extract(rows, "TEST", "2025-01-30")
	require.True(t, ok)
	assert.Equal(t, 100.0, sr.PE.First.Strike)
	assert.Equal(t, 0.0, sr.PE.First.Reversal, "no strike below the lowest")
	assert.Equal(t, 0.0, sr.PE.First.DistancePct)
	assert.Equal(t, 110.0, sr.PE.Second.Strike)
	assert.Equal(t, 104.0, sr.PE.Second.Reversal)
	assert.Equal(t, models.TrendWTT, sr.PE.Trend)
}

func TestExtract_RiskCounts(t *testing.T) {
	var strikes []float64
	for s := 100.0; s <= 200; s += 5 {
		strikes = append(strikes, s)
	}
	rows := chainRows(strikes, nil, 150.5)
	at := func(strike float64) *models.OptionChainRow {
		for i := range rows {
			if rows[i].StrikePrice == strike {
				return &rows[i]
			}
		}
		t.Fatalf("no strike %v", strike)
		return nil
	}
	at(100).CE.LTP = 0 // outside the 10-strike window
	at(105).CE.LTP = 0
	at(150).CE.LTP = 0
	at(155).PE.LTP = 0
	at(200).PE.LTP = 0
	at(160).CE.OIPercent = 100
	at(170).CE.OIPercent = 50
	at(140).PE.OIPercent = 100
	at(130).PE.OIPercent = 80

	sr, ok := Extract(rows, "TEST", "2025-01-30")
	require.True(t, ok)
	assert.Equal(t, models.TrendStrong, sr.CE.Trend)
	assert.Equal(t, models.TrendWTB, sr.PE.Trend)
	assert.Equal(t, 3, sr.BearishRisk, "two untraded calls plus the put-side WTB bonus")
	assert.Equal(t, 2, sr.BullishRisk)
}

func TestExtract_WTTBonus(t *testing.T) {
	rows := chainRows([]float64{100, 110, 120}, []float64{100, 90, 0}, 110)
	sr, ok := Extract(rows, "TEST", "2025-01-30")
	require.True(t, ok)
	assert.Equal(t, models.TrendWTT, sr.CE.Trend)
	assert.Equal(t, 1, sr.BullishRisk)
}

func TestExtract_MismatchOnUnsortedRows(t *testing.T) {
	rows := chainRows([]float64{100, 120, 110}, []float64{100, 80, 0}, 110)

	sr, ok := Extract(rows, "TEST", "2025-01-30")
	require.True(t, ok)
	assert.Equal(t, 121.0, sr.CE.First.Reversal)
	assert.Equal(t, 111.0, sr.CE.First.StopLoss)
	assert.True(t, sr.LevelMismatch)
}

func TestExtract_Edges(t *testing.T) {
	_, ok := Extract(nil, "TEST", "2025-01-30")
	assert.False(t, ok)

	_, ok = Extract(chainRows([]float64{100}, []float64{100}, 100), "TEST", "2025-01-30")
	assert.False(t, ok)

	for _, e := range []string{"", "0"} {
		sr, ok := Extract(chainRows([]float64{100, 110}, []float64{100, 50}, 100), "TEST", e)
		require.True(t, ok)
		assert.Nil(t, sr.Expiry)
	}
}

func TestWindow(t *testing.T) {
	rows := chainRows([]float64{100, 105, 110, 115, 120, 125}, nil, 0)

	w := Window(rows, 113, 1)
	require.Len(t, w, 3)
	assert.Equal(t, 110.0, w[0].StrikePrice)
	assert.Equal(t, 120.0, w[2].StrikePrice)

	assert.Len(t, Window(rows, 99, 2), 3)
	assert.Len(t, Window(rows, 113, 0), 6)
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, 1.01, Round2(1.005))
	assert.Equal(t, -1.01, Round2(-1.005))
	assert.Equal(t, 0.0, Round2(math.NaN()))
	assert.Equal(t, 0.0, PercentOf(5, 0))
	assert.Equal(t, 0.0, PercentOf(-5, 10))
	assert.Equal(t, 100.0, PercentOf(10, 10))
	assert.Equal(t, 0.0, RangePct(0, 10))
	assert.Equal(t, 0.0, DistancePct(0, 10))
	assert.Equal(t, 0.0, DistancePct(10, -1))
	assert.Equal(t, 10.0, DistancePct(100, 90))
}
