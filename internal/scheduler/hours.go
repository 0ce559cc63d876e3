package scheduler

import (
	"fmt"
	"time"

	"github.com/rewired-gh/strikewatch/internal/config"
)

// Hours decides whether the market is open at a given instant.
type Hours interface {
	Open(t time.Time) bool
}

// TradingHours is a daily open/close window on a set of weekdays.
type TradingHours struct {
	loc   *time.Location
	open  time.Duration
	close time.Duration
	days  map[time.Weekday]bool
}

// NewTradingHours builds TradingHours from the scheduler configuration.
func NewTradingHours(cfg config.SchedulerConfig, loc *time.Location) (*TradingHours, error) {
	open, err := config.ParseClock(cfg.MarketOpen)
	if err != nil {
		return nil, fmt.Errorf("market open: %w", err)
	}
	closing, err := config.ParseClock(cfg.MarketClose)
	if err != nil {
		return nil, fmt.Errorf("market close: %w", err)
	}
	days, err := config.ParseWeekdays(cfg.TradingDays)
	if err != nil {
		return nil, err
	}
	h := &TradingHours{loc: loc, open: open, close: closing, days: make(map[time.Weekday]bool, len(days))}
	for _, d := range days {
		h.days[d] = true
	}
	return h, nil
}

// Open reports whether t falls inside the window, both ends inclusive.
func (h *TradingHours) Open(t time.Time) bool {
	local := t.In(h.loc)
	if !h.days[local.Weekday()] {
		return false
	}
	y, m, d := local.Date()
	offset := local.Sub(time.Date(y, m, d, 0, 0, 0, 0, h.loc))
	return offset >= h.open && offset <= h.close
}

// AlwaysOpen is Hours for loops that ignore the market calendar.
type AlwaysOpen struct{}

func (AlwaysOpen) Open(time.Time) bool { return true }
