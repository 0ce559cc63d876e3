// Package scheduler drives the per-loop batch cycles over a symbol universe.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/strikewatch/internal/logger"
	"github.com/rewired-gh/strikewatch/internal/metrics"
	"github.com/rewired-gh/strikewatch/internal/pipeline"
	"github.com/rewired-gh/strikewatch/internal/upstox"
)

// Processor runs one symbol through the pipeline.
type Processor interface {
	Process(ctx context.Context, symbol string) (pipeline.Outcome, error)
}

// Loop is one independently scheduled symbol universe.
type Loop struct {
	Name       string
	Symbols    []string
	CyclePause time.Duration
	Processor  Processor
}

// Config holds the pacing shared by all loops.
type Config struct {
	BatchSize  int
	BatchPause time.Duration
	IdlePoll   time.Duration
	PausedPoll time.Duration
}

// CycleStats summarizes one full pass over a loop's symbols.
type CycleStats struct {
	CycleID   string
	Batches   int
	Symbols   int
	Succeeded int
	Failures  map[pipeline.Status]int
	Duration  time.Duration
}

// Failed is the number of symbols that did not succeed.
func (s CycleStats) Failed() int {
	return s.Symbols - s.Succeeded
}

// CycleObserver is notified after every completed cycle.
type CycleObserver func(loop string, stats CycleStats)

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Scheduler runs loops in batches.
type Scheduler struct {
	cfg      Config
	controls *Controls
	hours    Hours
	metrics  *metrics.Registry
	observer CycleObserver
	sleep    SleepFunc
	now      func() time.Time
}

// New creates a Scheduler. A BatchSize below 1 falls back to 20.
func New(cfg Config, controls *Controls, hours Hours, m *metrics.Registry) *Scheduler {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 20
	}
	if hours == nil {
		hours = AlwaysOpen{}
	}
	return &Scheduler{
		cfg:      cfg,
		controls: controls,
		hours:    hours,
		metrics:  m,
		sleep:    upstox.SleepContext,
		now:      time.Now,
	}
}

// SetSleep replaces the sleep used for pacing and polling.
func (s *Scheduler) SetSleep(fn SleepFunc) {
	s.sleep = fn
}

// SetClock replaces the clock used for the trading-hours check.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// SetObserver installs fn to be called after every cycle.
func (s *Scheduler) SetObserver(fn CycleObserver) {
	s.observer = fn
}

// Partition splits symbols into consecutive batches of at most size.
func Partition(symbols []string, size int) [][]string {
	if size < 1 {
		size = 1
	}
	batches := make([][]string, 0, (len(symbols)+size-1)/size)
	for start := 0; start < len(symbols); start += size {
		end := min(start+size, len(symbols))
		batches = append(batches, symbols[start:end])
	}
	return batches
}

// RunCycle processes every symbol of loop once, batch by batch. Symbols in a
// batch run concurrently; the returned error is non-nil only when the
// credential expired or ctx was cancelled.
func (s *Scheduler) RunCycle(ctx context.Context, loop Loop) (CycleStats, error) {
	start := time.Now()
	stats := CycleStats{
		CycleID:  uuid.New().String(),
		Failures: make(map[pipeline.Status]int),
	}
	ctx = pipeline.WithCycleID(ctx, stats.CycleID)

	batches := Partition(loop.Symbols, s.cfg.BatchSize)
	logger.Info("[%s] Starting cycle %s: %d symbols in %d batches", loop.Name, stats.CycleID, len(loop.Symbols), len(batches))

	for i, batch := range batches {
		batchStart := time.Now()
		outcomes := make([]pipeline.Outcome, len(batch))

		g, gctx := errgroup.WithContext(ctx)
		for j, symbol := range batch {
			j, symbol := j, symbol
			g.Go(func() error {
				out, err := loop.Processor.Process(gctx, symbol)
				outcomes[j] = out
				return err
			})
		}
		err := g.Wait()

		succeeded := 0
		for _, out := range outcomes {
			if out.OK() {
				succeeded++
				continue
			}
			if out.Status != "" {
				stats.Failures[out.Status]++
			}
		}
		stats.Batches++
		stats.Symbols += len(batch)
		stats.Succeeded += succeeded
		s.metrics.SymbolsProcessed.WithLabelValues(loop.Name, "success").Add(float64(succeeded))
		s.metrics.SymbolsProcessed.WithLabelValues(loop.Name, "failure").Add(float64(len(batch) - succeeded))
		s.metrics.BatchDuration.WithLabelValues(loop.Name).Observe(time.Since(batchStart).Seconds())

		if err != nil {
			stats.Duration = time.Since(start)
			if errors.Is(err, upstox.ErrCredentialExpired) {
				logger.Error("[%s] Credential expired in batch %d/%d, halting cycle", loop.Name, i+1, len(batches))
			}
			return stats, err
		}
		logger.Info("[%s] Batch %d/%d: %d/%d succeeded in %v", loop.Name, i+1, len(batches), succeeded, len(batch), time.Since(batchStart).Round(time.Millisecond))

		if i < len(batches)-1 {
			if err := s.sleep(ctx, s.cfg.BatchPause); err != nil {
				stats.Duration = time.Since(start)
				return stats, err
			}
		}
	}

	stats.Duration = time.Since(start)
	s.metrics.CycleDuration.WithLabelValues(loop.Name).Observe(stats.Duration.Seconds())
	s.metrics.LastCycleSuccess.WithLabelValues(loop.Name).Set(float64(stats.Succeeded))
	logger.Info("[%s] Cycle %s completed: %d/%d succeeded in %v", loop.Name, stats.CycleID, stats.Succeeded, stats.Symbols, stats.Duration.Round(time.Millisecond))
	return stats, nil
}

// Run repeats cycles of loop until ctx is done or the credential expires.
// The pause flag and trading hours are checked only at the top of each
// iteration. Cancellation returns nil.
func (s *Scheduler) Run(ctx context.Context, loop Loop) error {
	logger.Info("[%s] Loop started with %d symbols", loop.Name, len(loop.Symbols))
	defer s.metrics.LoopActive.WithLabelValues(loop.Name).Set(0)

	for {
		if ctx.Err() != nil {
			logger.Info("[%s] Loop stopped", loop.Name)
			return nil
		}

		if !s.controls.Active(loop.Name) {
			s.metrics.LoopActive.WithLabelValues(loop.Name).Set(0)
			logger.Debug("[%s] Paused, checking again in %v", loop.Name, s.cfg.PausedPoll)
			_ = s.sleep(ctx, s.cfg.PausedPoll)
			continue
		}
		s.metrics.LoopActive.WithLabelValues(loop.Name).Set(1)

		if !s.hours.Open(s.now()) {
			logger.Debug("[%s] Outside trading hours, checking again in %v", loop.Name, s.cfg.IdlePoll)
			_ = s.sleep(ctx, s.cfg.IdlePoll)
			continue
		}

		stats, err := s.RunCycle(ctx, loop)
		if errors.Is(err, upstox.ErrCredentialExpired) {
			return err
		}
		if err != nil {
			continue
		}
		if s.observer != nil {
			s.observer(loop.Name, stats)
		}

		logger.Debug("[%s] Sleeping %v before next cycle", loop.Name, loop.CyclePause)
		_ = s.sleep(ctx, loop.CyclePause)
	}
}

// RunAll runs every loop concurrently along with the control watcher. The
// first credential expiry stops all loops and is returned.
func (s *Scheduler) RunAll(ctx context.Context, loops []Loop, controlRefresh time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	watchCtx, stopWatch := context.WithCancel(gctx)
	defer stopWatch()

	g.Go(func() error {
		return s.controls.Watch(watchCtx, controlRefresh)
	})
	loopGroup, loopCtx := errgroup.WithContext(gctx)
	for _, loop := range loops {
		loop := loop
		loopGroup.Go(func() error {
			return s.Run(loopCtx, loop)
		})
	}
	g.Go(func() error {
		defer stopWatch()
		return loopGroup.Wait()
	})
	return g.Wait()
}
