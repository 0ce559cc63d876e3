package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/strikewatch/internal/config"
	"github.com/rewired-gh/strikewatch/internal/metrics"
	"github.com/rewired-gh/strikewatch/internal/models"
	"github.com/rewired-gh/strikewatch/internal/pipeline"
	"github.com/rewired-gh/strikewatch/internal/upstox"
)

type memControls struct {
	mu    sync.Mutex
	flags map[string]bool
}

func newMemControls() *memControls {
	return &memControls{flags: make(map[string]bool)}
}

func (m *memControls) EnsureSyncControl(_ context.Context, name string, defaultActive bool) (*models.SyncControl, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.flags[name]; !ok {
		m.flags[name] = defaultActive
	}
	return &models.SyncControl{Name: name, IsActive: m.flags[name]}, nil
}

func (m *memControls) ListSyncControls(context.Context) ([]models.SyncControl, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.SyncControl, 0, len(m.flags))
	for name, active := range m.flags {
		out = append(out, models.SyncControl{Name: name, IsActive: active})
	}
	return out, nil
}

func (m *memControls) SetSyncControl(_ context.Context, name string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags[name] = active
	return nil
}

func (m *memControls) ToggleSyncControl(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	active, ok := m.flags[name]
	if !ok {
		active = true
	}
	m.flags[name] = !active
	return !active, nil
}

// fakeProcessor fails the symbols in fail and returns fatal for the symbols in fatal.
type fakeProcessor struct {
	mu        sync.Mutex
	processed []string
	fail      map[string]bool
	fatal     map[string]bool
}

func (p *fakeProcessor) Process(_ context.Context, symbol string) (pipeline.Outcome, error) {
	p.mu.Lock()
	p.processed = append(p.processed, symbol)
	p.mu.Unlock()
	switch {
	case p.fatal[symbol]:
		return pipeline.Outcome{Symbol: symbol, Status: pipeline.StatusFetchFailed, Kind: upstox.KindCredentialExpired}, upstox.ErrCredentialExpired
	case p.fail[symbol]:
		return pipeline.Outcome{Symbol: symbol, Status: pipeline.StatusFetchFailed, Kind: upstox.KindServerFault}, nil
	}
	return pipeline.Outcome{Symbol: symbol, Status: pipeline.StatusSuccess}, nil
}

func (p *fakeProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.processed)
}

type fixedHours bool

func (h fixedHours) Open(time.Time) bool { return bool(h) }

func symbols(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("S%02d", i)
	}
	return out
}

var testConfig = Config{
	BatchSize:  20,
	BatchPause: time.Second,
	IdlePoll:   5 * time.Second,
	PausedPoll: 10 * time.Second,
}

func newTestScheduler(t *testing.T, hours Hours, names ...string) (*Scheduler, *Controls, *metrics.Registry) {
	t.Helper()
	controls, err := NewControls(context.Background(), newMemControls(), names)
	require.NoError(t, err)
	m := metrics.NewUnregistered()
	return New(testConfig, controls, hours, m), controls, m
}

func TestPartition(t *testing.T) {
	tests := []struct {
		n, size int
		want    []int
	}{
		{45, 20, []int{20, 20, 5}},
		{40, 20, []int{20, 20}},
		{3, 20, []int{3}},
		{0, 20, []int{}},
		{5, 0, []int{1, 1, 1, 1, 1}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d", tt.n, tt.size), func(t *testing.T) {
			batches := Partition(symbols(tt.n), tt.size)
			sizes := make([]int, 0, len(batches))
			for _, b := range batches {
				sizes = append(sizes, len(b))
			}
			assert.Equal(t, tt.want, sizes)
		})
	}
}

func TestRunCycle_BatchesAndPacing(t *testing.T) {
	s, _, m := newTestScheduler(t, nil, "others")
	proc := &fakeProcessor{fail: map[string]bool{"S03": true, "S30": true}}

	var sleeps []time.Duration
	var processedAtSleep []int
	s.SetSleep(func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		processedAtSleep = append(processedAtSleep, proc.count())
		return nil
	})

	stats, err := s.RunCycle(context.Background(), Loop{Name: "others", Symbols: symbols(45), Processor: proc})
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Batches)
	assert.Equal(t, 45, stats.Symbols)
	assert.Equal(t, 43, stats.Succeeded)
	assert.Equal(t, 2, stats.Failed())
	assert.Equal(t, 2, stats.Failures[pipeline.StatusFetchFailed])
	assert.NotEmpty(t, stats.CycleID)

	assert.Equal(t, []time.Duration{time.Second, time.Second}, sleeps, "no pause after the final batch")
	assert.Equal(t, []int{20, 40}, processedAtSleep)
	assert.ElementsMatch(t, symbols(45), proc.processed)

	assert.Equal(t, 43.0, testutil.ToFloat64(m.SymbolsProcessed.WithLabelValues("others", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SymbolsProcessed.WithLabelValues("others", "failure")))
	assert.Equal(t, 43.0, testutil.ToFloat64(m.LastCycleSuccess.WithLabelValues("others")))
}

func TestRunCycle_CredentialExpiredStopsCycle(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil, "others")
	proc := &fakeProcessor{fatal: map[string]bool{"S25": true}}
	var sleeps int
	s.SetSleep(func(context.Context, time.Duration) error {
		sleeps++
		return nil
	})

	stats, err := s.RunCycle(context.Background(), Loop{Name: "others", Symbols: symbols(45), Processor: proc})
	assert.ErrorIs(t, err, upstox.ErrCredentialExpired)
	assert.Equal(t, 2, stats.Batches)
	assert.Equal(t, 40, proc.count(), "third batch never started")
	assert.Equal(t, 1, sleeps)
}

func TestRunCycle_StampsCycleID(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil, "index")
	var seen []string
	var mu sync.Mutex
	proc := processorFunc(func(ctx context.Context, symbol string) (pipeline.Outcome, error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, pipeline.CycleID(ctx))
		return pipeline.Outcome{Symbol: symbol, Status: pipeline.StatusSuccess}, nil
	})

	stats, err := s.RunCycle(context.Background(), Loop{Name: "index", Symbols: symbols(3), Processor: proc})
	require.NoError(t, err)
	assert.Equal(t, []string{stats.CycleID, stats.CycleID, stats.CycleID}, seen)
}

type processorFunc func(ctx context.Context, symbol string) (pipeline.Outcome, error)

func (f processorFunc) Process(ctx context.Context, symbol string) (pipeline.Outcome, error) {
	return f(ctx, symbol)
}

// cancelAfter returns a sleep that records durations and cancels after n calls.
func cancelAfter(n int, cancel context.CancelFunc, sleeps *[]time.Duration) SleepFunc {
	return func(_ context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		if len(*sleeps) >= n {
			cancel()
			return context.Canceled
		}
		return nil
	}
}

func TestRun_PausedDoesNotProcess(t *testing.T) {
	s, controls, m := newTestScheduler(t, fixedHours(true), "index")
	require.NoError(t, controls.Set(context.Background(), "index", false))
	proc := &fakeProcessor{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var sleeps []time.Duration
	s.SetSleep(cancelAfter(3, cancel, &sleeps))

	require.NoError(t, s.Run(ctx, Loop{Name: "index", Symbols: symbols(4), Processor: proc, CyclePause: time.Minute}))
	assert.Zero(t, proc.count())
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second, 10 * time.Second}, sleeps)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.LoopActive.WithLabelValues("index")))
}

func TestRun_OutsideHoursIdles(t *testing.T) {
	s, _, _ := newTestScheduler(t, fixedHours(false), "index")
	proc := &fakeProcessor{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var sleeps []time.Duration
	s.SetSleep(cancelAfter(2, cancel, &sleeps))

	require.NoError(t, s.Run(ctx, Loop{Name: "index", Symbols: symbols(4), Processor: proc, CyclePause: time.Minute}))
	assert.Zero(t, proc.count())
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, sleeps)
}

func TestRun_CyclesAndNotifiesObserver(t *testing.T) {
	s, _, _ := newTestScheduler(t, fixedHours(true), "index")
	proc := &fakeProcessor{fail: map[string]bool{"S01": true}}

	var observed []CycleStats
	s.SetObserver(func(loop string, stats CycleStats) {
		assert.Equal(t, "index", loop)
		observed = append(observed, stats)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var sleeps []time.Duration
	s.SetSleep(cancelAfter(2, cancel, &sleeps))

	require.NoError(t, s.Run(ctx, Loop{Name: "index", Symbols: symbols(4), Processor: proc, CyclePause: 2 * time.Minute}))
	assert.Equal(t, []time.Duration{2 * time.Minute, 2 * time.Minute}, sleeps)
	assert.Equal(t, 8, proc.count())
	require.Len(t, observed, 2)
	assert.Equal(t, 3, observed[0].Succeeded)
}

func TestRun_ResumesAfterToggle(t *testing.T) {
	s, controls, _ := newTestScheduler(t, fixedHours(true), "index")
	require.NoError(t, controls.Set(context.Background(), "index", false))
	proc := &fakeProcessor{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var sleeps []time.Duration
	s.SetSleep(func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		switch len(sleeps) {
		case 1:
			_, err := controls.Toggle(context.Background(), "index")
			require.NoError(t, err)
		case 2:
			cancel()
		}
		return nil
	})

	require.NoError(t, s.Run(ctx, Loop{Name: "index", Symbols: symbols(2), Processor: proc, CyclePause: time.Minute}))
	assert.Equal(t, []time.Duration{10 * time.Second, time.Minute}, sleeps)
	assert.Equal(t, 2, proc.count())
}

func TestRun_CredentialExpiredReturns(t *testing.T) {
	s, _, _ := newTestScheduler(t, fixedHours(true), "index")
	proc := &fakeProcessor{fatal: map[string]bool{"S00": true}}
	s.SetSleep(func(context.Context, time.Duration) error { return nil })

	err := s.Run(context.Background(), Loop{Name: "index", Symbols: symbols(2), Processor: proc, CyclePause: time.Minute})
	assert.ErrorIs(t, err, upstox.ErrCredentialExpired)
}

func TestRunAll_CredentialExpiryStopsEveryLoop(t *testing.T) {
	s, _, _ := newTestScheduler(t, fixedHours(true), "index", "others")
	healthy := &fakeProcessor{}
	expired := &fakeProcessor{fatal: map[string]bool{"S01": true}}

	done := make(chan error, 1)
	go func() {
		done <- s.RunAll(context.Background(), []Loop{
			{Name: "index", Symbols: symbols(2), Processor: healthy, CyclePause: 10 * time.Millisecond},
			{Name: "others", Symbols: symbols(3), Processor: expired, CyclePause: 10 * time.Millisecond},
		}, 0)
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, upstox.ErrCredentialExpired)
	case <-time.After(5 * time.Second):
		t.Fatal("RunAll did not stop after credential expiry")
	}
}

func TestControls(t *testing.T) {
	store := newMemControls()
	store.flags["others"] = false
	ctx := context.Background()

	c, err := NewControls(ctx, store, []string{"index", "others"})
	require.NoError(t, err)
	assert.True(t, c.Active("index"), "new loops start active")
	assert.False(t, c.Active("others"), "persisted flag wins")
	assert.False(t, c.Active("missing"))
	assert.Equal(t, []string{"index", "others"}, c.Names())

	active, err := c.Toggle(ctx, "others")
	require.NoError(t, err)
	assert.True(t, active)
	assert.True(t, store.flags["others"])

	require.NoError(t, c.Set(ctx, "index", false))
	assert.Equal(t, map[string]bool{"index": false, "others": true}, c.Snapshot())

	// another process flips the flag
	require.NoError(t, store.SetSyncControl(ctx, "index", true))
	assert.False(t, c.Active("index"))
	require.NoError(t, c.Reload(ctx))
	assert.True(t, c.Active("index"))

	_, err = c.Toggle(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownLoop)
	assert.ErrorIs(t, c.Set(ctx, "missing", true), ErrUnknownLoop)
}

func TestTradingHours(t *testing.T) {
	ist := time.FixedZone("IST", 5*60*60+30*60)
	h, err := NewTradingHours(config.SchedulerConfig{
		MarketOpen:  "09:15",
		MarketClose: "15:30",
		TradingDays: []string{"mon", "tue", "wed", "thu", "fri"},
	}, ist)
	require.NoError(t, err)

	// 2025-01-20 is a Monday
	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before open", time.Date(2025, 1, 20, 9, 14, 59, 0, ist), false},
		{"at open", time.Date(2025, 1, 20, 9, 15, 0, 0, ist), true},
		{"midday", time.Date(2025, 1, 20, 12, 0, 0, 0, ist), true},
		{"at close", time.Date(2025, 1, 20, 15, 30, 0, 0, ist), true},
		{"after close", time.Date(2025, 1, 20, 15, 31, 0, 0, ist), false},
		{"saturday", time.Date(2025, 1, 25, 12, 0, 0, 0, ist), false},
		{"utc input", time.Date(2025, 1, 20, 4, 0, 0, 0, time.UTC), true},
		{"utc evening is closed", time.Date(2025, 1, 20, 12, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, h.Open(tt.at))
		})
	}

	_, err = NewTradingHours(config.SchedulerConfig{MarketOpen: "9am", MarketClose: "15:30", TradingDays: []string{"mon"}}, ist)
	assert.Error(t, err)
}
