package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rewired-gh/strikewatch/internal/config"
	"github.com/rewired-gh/strikewatch/internal/expiry"
	"github.com/rewired-gh/strikewatch/internal/instruments"
	"github.com/rewired-gh/strikewatch/internal/logger"
	"github.com/rewired-gh/strikewatch/internal/metrics"
	"github.com/rewired-gh/strikewatch/internal/storage"
	"github.com/rewired-gh/strikewatch/internal/upstox"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "strikewatch",
	Short: "Option chain support/resistance tracker",
	Long: `strikewatch polls option chains for a universe of index and stock symbols,
derives per-strike open interest metrics and records the strongest support
and resistance levels of every symbol.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/config.yaml", "Path to configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads, validates and applies the logging section of the config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", configPath)
	return cfg, nil
}

// core holds the components shared by the long-running service and the
// one-shot commands.
type core struct {
	store       *storage.Storage
	instruments *instruments.Service
	fetcher     *upstox.Fetcher
	resolver    *expiry.Resolver
}

func newCore(ctx context.Context, cfg *config.Config, m *metrics.Registry) (*core, error) {
	store, err := storage.New(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := instruments.EnsureMaster(ctx, cfg.Instruments.MasterURL, cfg.Instruments.MasterPath); err != nil {
		_ = store.Close()
		return nil, err
	}
	inst, err := instruments.Load(cfg.Instruments.MasterPath)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to load instrument master: %w", err)
	}
	logger.Info("Loaded %d instruments from %s", inst.Len(), cfg.Instruments.MasterPath)

	client := upstox.NewClient(cfg.Upstox.BaseURL, cfg.Upstox.AccessToken, cfg.Upstox.Timeout, upstox.ClientConfig{})
	fetcher := upstox.NewFetcher(client, inst, upstox.FetcherConfig{
		MaxInFlight:       cfg.Upstox.MaxInFlight,
		Retries:           cfg.Upstox.Retries,
		RateLimitBase:     cfg.Upstox.RateLimitBase,
		ServerRetryDelay:  cfg.Upstox.ServerRetryDelay,
		RequestsPerSecond: cfg.Upstox.RequestsPerSecond,
	}, m)

	resolver := expiry.NewResolver(store, fetcher, cfg.Expiry.IndexSymbols, cfg.Expiry.RepresentativeSymbol, cfg.Location(), m)

	return &core{store: store, instruments: inst, fetcher: fetcher, resolver: resolver}, nil
}

func (c *core) Close() {
	if err := c.store.Close(); err != nil {
		logger.Error("Failed to close storage: %v", err)
	}
}

// loopNames returns the configured loop names.
func loopNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Loops))
	for _, l := range cfg.Loops {
		names = append(names, l.Name)
	}
	return names
}

func normalizeSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
