package models

import (
	"reflect"
	"testing"
	"time"
)

func TestOptionChainRowValidate(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		row     OptionChainRow
		wantErr bool
	}{
		{
			name:    "valid row",
			row:     OptionChainRow{Time: now, Symbol: "NIFTY", LotSize: 75, StrikePrice: 24000, CE: LegMetrics{OIPercent: 100}},
			wantErr: false,
		},
		{
			name:    "empty symbol",
			row:     OptionChainRow{Time: now, LotSize: 1},
			wantErr: true,
		},
		{
			name:    "zero lot size",
			row:     OptionChainRow{Time: now, Symbol: "NIFTY", LotSize: 0},
			wantErr: true,
		},
		{
			name:    "percent above 100",
			row:     OptionChainRow{Time: now, Symbol: "NIFTY", LotSize: 1, PE: LegMetrics{VolumePercent: 100.5}},
			wantErr: true,
		},
		{
			name:    "missing time",
			row:     OptionChainRow{Symbol: "NIFTY", LotSize: 1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.row.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("OptionChainRow.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSupportResistanceValidate(t *testing.T) {
	valid := SupportResistance{
		Symbol: "RELIANCE",
		Time:   time.Now(),
		CE:     SideLevels{Trend: TrendWTT},
		PE:     SideLevels{Trend: TrendStrong},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bad := valid
	bad.PE.Trend = "Sideways"
	if err := bad.Validate(); err == nil {
		t.Error("expected error for unknown trend label")
	}

	bad = valid
	bad.BullishRisk = -1
	if err := bad.Validate(); err == nil {
		t.Error("expected error for negative risk")
	}
}

func TestExpiryCacheEntryIsFresh(t *testing.T) {
	ist := time.FixedZone("IST", 5*60*60+30*60)
	now := time.Date(2026, 2, 10, 9, 30, 0, 0, ist)

	tests := []struct {
		name      string
		refreshed time.Time
		want      bool
	}{
		{"same day", now.Add(-2 * time.Hour), true},
		{"yesterday", now.Add(-24 * time.Hour), false},
		// 20:00 UTC on the 9th is 01:30 IST on the 10th.
		{"same day in market zone only", time.Date(2026, 2, 9, 20, 0, 0, 0, time.UTC), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := ExpiryCacheEntry{Key: "NIFTY", LastRefreshed: tt.refreshed}
			if got := e.IsFresh(now); got != tt.want {
				t.Errorf("IsFresh() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExpiryCacheEntryValidate(t *testing.T) {
	ok := ExpiryCacheEntry{Key: "NIFTY", Expiries: []string{"2026-02-12", "2026-02-19"}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	unsorted := ExpiryCacheEntry{Key: "NIFTY", Expiries: []string{"2026-02-19", "2026-02-12"}}
	if err := unsorted.Validate(); err == nil {
		t.Error("expected error for unsorted expiries")
	}
	dup := ExpiryCacheEntry{Key: "NIFTY", Expiries: []string{"2026-02-12", "2026-02-12"}}
	if err := dup.Validate(); err == nil {
		t.Error("expected error for duplicate expiries")
	}
}

func TestNormalizeExpiries(t *testing.T) {
	got := NormalizeExpiries([]string{"2026-03-26", "2026-02-26", "", "2026-03-26", "2026-02-26"})
	want := []string{"2026-02-26", "2026-03-26"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("NormalizeExpiries() = %v, want %v", got, want)
	}
}

func TestSideOpposite(t *testing.T) {
	if Call.Opposite() != Put || Put.Opposite() != Call {
		t.Error("Opposite() should swap CE and PE")
	}
}
