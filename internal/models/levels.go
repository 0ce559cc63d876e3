package models

import (
	"errors"
	"time"
)

// TrendLabel classifies how the two highest open-interest strikes of one side sit.
type TrendLabel string

const (
	TrendStrong TrendLabel = "Strong"
	// TrendWTB is weak toward bottom: the runner-up strike sits below the leader.
	TrendWTB TrendLabel = "WTB"
	// TrendWTT is weak toward top: the runner-up strike sits at or above the leader.
	TrendWTT TrendLabel = "WTT"
)

// Level is one ranked open-interest strike of a side.
type Level struct {
	Strike      float64 `json:"strike"`
	OIPercent   float64 `json:"oi_pct"`
	Reversal    float64 `json:"reversal"`
	StopLoss    float64 `json:"stop_loss"`
	DistancePct float64 `json:"distance_pct"`
}

// SideLevels holds the top two open-interest strikes of one side.
type SideLevels struct {
	First  Level      `json:"first"`
	Second Level      `json:"second"`
	Trend  TrendLabel `json:"trend"`
}

// SupportResistance is the per-cycle reduction of a symbol's option chain.
// CE levels act as resistance, PE levels as support.
type SupportResistance struct {
	ID            string     `json:"id"`
	CycleID       string     `json:"cycle_id"`
	Symbol        string     `json:"symbol"`
	Time          time.Time  `json:"time"`
	SpotPrice     float64    `json:"spot_price"`
	Expiry        *string    `json:"expiry"`
	CE            SideLevels `json:"ce"`
	PE            SideLevels `json:"pe"`
	BearishRisk   int        `json:"bearish_risk"`
	BullishRisk   int        `json:"bullish_risk"`
	LevelMismatch bool       `json:"level_mismatch"`
}

// Side returns the levels for the given side.
func (s *SupportResistance) Side(side Side) *SideLevels {
	if side == Call {
		return &s.CE
	}
	return &s.PE
}

// Validate checks snapshot field constraints.
func (s *SupportResistance) Validate() error {
	if s.Symbol == "" {
		return errors.New("symbol must not be empty")
	}
	if s.Time.IsZero() {
		return errors.New("time must be set")
	}
	if s.BearishRisk < 0 || s.BullishRisk < 0 {
		return errors.New("risk counters must not be negative")
	}
	for _, lv := range []SideLevels{s.CE, s.PE} {
		switch lv.Trend {
		case TrendStrong, TrendWTB, TrendWTT:
		default:
			return errors.New("trend label must be one of Strong, WTB, WTT")
		}
	}
	return nil
}
