// Package metrics holds the Prometheus collectors of the fetch-compute-persist pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all pipeline metrics
type Registry struct {
	// Fetcher
	FetchAttempts *prometheus.CounterVec
	FetchResults  *prometheus.CounterVec
	InFlight      prometheus.Gauge

	// Expiry cache
	ExpiryLookups *prometheus.CounterVec

	// Analytics
	LevelMismatches prometheus.Counter

	// Scheduler
	SymbolsProcessed *prometheus.CounterVec
	BatchDuration    *prometheus.HistogramVec
	CycleDuration    *prometheus.HistogramVec
	LastCycleSuccess *prometheus.GaugeVec
	LoopActive       *prometheus.GaugeVec
}

// NewRegistry creates all collectors and registers them with reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		FetchAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strikewatch_fetch_attempts_total",
				Help: "Option chain HTTP attempts by classified outcome",
			},
			[]string{"outcome"},
		),
		FetchResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strikewatch_fetch_results_total",
				Help: "Final option chain fetch results by outcome",
			},
			[]string{"outcome"},
		),
		InFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "strikewatch_fetch_in_flight",
				Help: "Fetches currently holding a permit",
			},
		),
		ExpiryLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strikewatch_expiry_lookups_total",
				Help: "Expiry resolutions by cache result (hit, miss, empty)",
			},
			[]string{"result"},
		),
		LevelMismatches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "strikewatch_level_mismatches_total",
				Help: "Snapshots whose stop-loss re-scan disagreed with the neighbor reversal lookup",
			},
		),
		SymbolsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strikewatch_symbols_processed_total",
				Help: "Symbols processed per loop by result",
			},
			[]string{"loop", "result"},
		),
		BatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "strikewatch_batch_duration_seconds",
				Help:    "Duration of one symbol batch",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40},
			},
			[]string{"loop"},
		),
		CycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "strikewatch_cycle_duration_seconds",
				Help:    "Duration of one full pass over a loop's symbols",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"loop"},
		),
		LastCycleSuccess: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "strikewatch_last_cycle_success_symbols",
				Help: "Successful symbols in the most recent cycle",
			},
			[]string{"loop"},
		),
		LoopActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "strikewatch_loop_active",
				Help: "1 when a loop is running, 0 when paused",
			},
			[]string{"loop"},
		),
	}

	reg.MustRegister(
		r.FetchAttempts,
		r.FetchResults,
		r.InFlight,
		r.ExpiryLookups,
		r.LevelMismatches,
		r.SymbolsProcessed,
		r.BatchDuration,
		r.CycleDuration,
		r.LastCycleSuccess,
		r.LoopActive,
	)
	return r
}

// NewUnregistered returns collectors that are not attached to any registry.
// Useful for tests and one-shot CLI commands.
func NewUnregistered() *Registry {
	return NewRegistry(prometheus.NewRegistry())
}
