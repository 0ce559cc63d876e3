package models

import (
	"errors"
	"sort"
	"time"
)

// DateLayout is the ISO date format used for expiries.
const DateLayout = "2006-01-02"

// ExpiryCacheEntry is the cached expiry list of one cache key.
type ExpiryCacheEntry struct {
	Key           string    `json:"key"`
	Expiries      []string  `json:"expiries"`
	LastRefreshed time.Time `json:"last_refreshed"`
}

// IsFresh reports whether the entry was refreshed on the same calendar day as now,
// both evaluated in now's location.
func (e *ExpiryCacheEntry) IsFresh(now time.Time) bool {
	y1, m1, d1 := e.LastRefreshed.In(now.Location()).Date()
	y2, m2, d2 := now.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

// Validate checks that expiries are ISO dates in strictly ascending order.
func (e *ExpiryCacheEntry) Validate() error {
	if e.Key == "" {
		return errors.New("cache key must not be empty")
	}
	for i, d := range e.Expiries {
		if _, err := time.Parse(DateLayout, d); err != nil {
			return errors.New("expiries must be ISO dates")
		}
		if i > 0 && e.Expiries[i-1] >= d {
			return errors.New("expiries must be sorted ascending without duplicates")
		}
	}
	return nil
}

// NormalizeExpiries returns the distinct non-empty dates sorted ascending.
func NormalizeExpiries(dates []string) []string {
	seen := make(map[string]struct{}, len(dates))
	out := make([]string, 0, len(dates))
	for _, d := range dates {
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// SyncControl is the persisted pause/resume flag of a scheduler loop.
type SyncControl struct {
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	UpdatedAt time.Time `json:"updated_at"`
}
