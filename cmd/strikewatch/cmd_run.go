package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/rewired-gh/strikewatch/internal/cache"
	"github.com/rewired-gh/strikewatch/internal/config"
	"github.com/rewired-gh/strikewatch/internal/logger"
	"github.com/rewired-gh/strikewatch/internal/metrics"
	"github.com/rewired-gh/strikewatch/internal/pipeline"
	"github.com/rewired-gh/strikewatch/internal/scheduler"
	"github.com/rewired-gh/strikewatch/internal/server"
	"github.com/rewired-gh/strikewatch/internal/storage"
	"github.com/rewired-gh/strikewatch/internal/telegram"
	"github.com/rewired-gh/strikewatch/internal/upstox"
)

const pruneInterval = time.Hour

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the polling loops until interrupted",
	RunE:  runService,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runService(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewRegistry(reg)

	c, err := newCore(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer c.Close()

	snapshots := cache.NewSnapshots(cache.New(cfg.Cache.RedisURL), cfg.Cache.TTL)

	controls, err := scheduler.NewControls(ctx, c.store, loopNames(cfg))
	if err != nil {
		return err
	}
	hours, err := scheduler.NewTradingHours(cfg.Scheduler, cfg.Location())
	if err != nil {
		return err
	}

	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			return fmt.Errorf("failed to initialize Telegram client: %w", err)
		}
		telegramClient.SetController(controls)
		telegramClient.ListenForCommands(ctx)
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	sched := scheduler.New(scheduler.Config{
		BatchSize:  cfg.Scheduler.BatchSize,
		BatchPause: cfg.Scheduler.BatchPause,
		IdlePoll:   cfg.Scheduler.IdlePoll,
		PausedPoll: cfg.Scheduler.PausedPoll,
	}, controls, hours, m)
	sched.SetObserver(newFailureTracker(telegramClient).observe)

	loops := make([]scheduler.Loop, 0, len(cfg.Loops))
	for _, l := range cfg.Loops {
		loops = append(loops, scheduler.Loop{
			Name:       l.Name,
			Symbols:    normalizeSymbols(l.Symbols),
			CyclePause: l.CyclePause,
			Processor:  pipeline.NewProcessor(c.fetcher, c.resolver, c.instruments, c.store, snapshots, m, l.PersistRows),
		})
	}

	var srv *server.Server
	if cfg.Server.Enabled {
		srv = server.New(cfg.Server.Addr, server.Deps{
			Controls:       controls,
			Snapshots:      snapshots,
			Store:          c.store,
			Expiries:       c.resolver,
			Gatherer:       reg,
			RefreshSymbols: refreshSymbols(cfg),
		})
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error("Admin API stopped: %v", err)
			}
		}()
	}

	go pruneLoop(ctx, c.store, cfg.Storage.Retention)

	logger.Info("Starting %d loops (batch size %d, trading hours %s-%s %s)",
		len(loops), cfg.Scheduler.BatchSize, cfg.Scheduler.MarketOpen, cfg.Scheduler.MarketClose, cfg.Scheduler.Timezone)
	runErr := sched.RunAll(ctx, loops, cfg.Scheduler.ControlRefresh)

	if srv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to shut down admin API: %v", err)
		}
	}

	if errors.Is(runErr, upstox.ErrCredentialExpired) {
		logger.Error("Access token rejected, all loops halted")
		if telegramClient != nil {
			if err := telegramClient.SendCredentialExpired(); err != nil {
				logger.Warn("Failed to send credential alert to Telegram: %v", err)
			}
		}
		return runErr
	}
	if runErr != nil {
		return runErr
	}
	logger.Info("Service stopped")
	return nil
}

// refreshSymbols is one symbol per expiry bucket: every index symbol plus
// the representative stock.
func refreshSymbols(cfg *config.Config) []string {
	return append(append([]string{}, cfg.Expiry.IndexSymbols...), cfg.Expiry.RepresentativeSymbol)
}

func pruneLoop(ctx context.Context, store *storage.Storage, retention time.Duration) {
	prune := func() {
		n, err := store.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			logger.Warn("Failed to prune storage: %v", err)
			return
		}
		if n > 0 {
			logger.Info("Pruned %d records older than %v", n, retention)
		}
	}

	prune()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

// failureTracker alerts on the first cycle of a loop in which no symbol
// succeeded and on the first good cycle afterwards.
type failureTracker struct {
	mu       sync.Mutex
	client   *telegram.Client
	failures map[string]int
}

func newFailureTracker(client *telegram.Client) *failureTracker {
	return &failureTracker{client: client, failures: make(map[string]int)}
}

func (t *failureTracker) observe(loop string, stats scheduler.CycleStats) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if stats.Symbols > 0 && stats.Succeeded == 0 {
		t.failures[loop]++
		cycleErr := fmt.Errorf("0/%d symbols succeeded (%v)", stats.Symbols, stats.Failures)
		logger.Error("[%s] Cycle failed: %v", loop, cycleErr)
		if t.failures[loop] == 1 && t.client != nil {
			if err := t.client.SendError(loop, cycleErr); err != nil {
				logger.Warn("Failed to send error notification to Telegram: %v", err)
			}
		}
		return
	}

	if n := t.failures[loop]; n > 0 && t.client != nil {
		if err := t.client.SendRecovery(loop, n); err != nil {
			logger.Warn("Failed to send recovery notification to Telegram: %v", err)
		}
	}
	t.failures[loop] = 0
}
