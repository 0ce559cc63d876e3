// Package models defines the core domain entities: option chain rows, support/resistance
// snapshots, expiry cache entries and loop controls.
package models

import (
	"errors"
	"time"
)

// Side identifies the call or put half of a strike.
type Side string

const (
	Call Side = "CE"
	Put  Side = "PE"
)

// Opposite returns the other side of the strike.
func (s Side) Opposite() Side {
	if s == Call {
		return Put
	}
	return Call
}

// LegMetrics holds the derived per-side values of one strike.
// Open interest, volume and change in OI are per lot.
type LegMetrics struct {
	Delta             float64 `json:"delta"`
	IV                float64 `json:"iv"`
	OpenInterest      float64 `json:"oi"`
	ChangeInOI        float64 `json:"coi"`
	Volume            float64 `json:"volume"`
	LTP               float64 `json:"ltp"`
	ChangeInLTP       float64 `json:"cltp"`
	Reversal          float64 `json:"reversal"`
	RangePct          float64 `json:"range_pct"`
	OIPercent         float64 `json:"oi_pct"`
	VolumePercent     float64 `json:"volume_pct"`
	ChangeInOIPercent float64 `json:"coi_pct"`
}

// OptionChainRow is one strike's derived record for a single fetch cycle.
// Rows are never mutated after derivation.
type OptionChainRow struct {
	Time        time.Time  `json:"time"`
	CycleID     string     `json:"cycle_id"`
	Symbol      string     `json:"symbol"`
	Expiry      string     `json:"expiry"`
	LotSize     int        `json:"lot_size"`
	StrikePrice float64    `json:"strike_price"`
	SpotPrice   float64    `json:"spot_price"`
	CE          LegMetrics `json:"ce"`
	PE          LegMetrics `json:"pe"`
}

// Leg returns the metrics for the given side.
func (r *OptionChainRow) Leg(s Side) *LegMetrics {
	if s == Call {
		return &r.CE
	}
	return &r.PE
}

// Validate checks row field constraints.
func (r *OptionChainRow) Validate() error {
	if r.Symbol == "" {
		return errors.New("symbol must not be empty")
	}
	if r.LotSize < 1 {
		return errors.New("lot size must be at least 1")
	}
	if r.StrikePrice < 0 {
		return errors.New("strike price must not be negative")
	}
	if r.Time.IsZero() {
		return errors.New("time must be set")
	}
	for _, leg := range []LegMetrics{r.CE, r.PE} {
		if leg.OIPercent < 0 || leg.OIPercent > 100 {
			return errors.New("oi percent must be between 0 and 100")
		}
		if leg.VolumePercent < 0 || leg.VolumePercent > 100 {
			return errors.New("volume percent must be between 0 and 100")
		}
		if leg.ChangeInOIPercent < 0 || leg.ChangeInOIPercent > 100 {
			return errors.New("change in oi percent must be between 0 and 100")
		}
	}
	return nil
}
