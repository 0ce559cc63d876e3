package analytics

import (
	"math"

	"github.com/rewired-gh/strikewatch/internal/models"
)

// Window returns up to n strikes on each side of the strike nearest to spot.
// A non-positive n returns all rows.
func Window(rows []models.OptionChainRow, spot float64, n int) []models.OptionChainRow {
	if n <= 0 || len(rows) == 0 {
		return rows
	}

	atm := 0
	best := math.Inf(1)
	for i, r := range rows {
		if d := math.Abs(r.StrikePrice - spot); d < best {
			atm, best = i, d
		}
	}

	lo := max(atm-n, 0)
	hi := min(atm+n+1, len(rows))
	return rows[lo:hi]
}
