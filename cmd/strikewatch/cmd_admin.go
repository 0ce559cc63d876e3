package main

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/rewired-gh/strikewatch/internal/config"
	"github.com/rewired-gh/strikewatch/internal/metrics"
	"github.com/rewired-gh/strikewatch/internal/scheduler"
	"github.com/rewired-gh/strikewatch/internal/storage"
)

var refreshExpiriesCmd = &cobra.Command{
	Use:   "refresh-expiries [symbol...]",
	Short: "Reload the expiry cache from the contract endpoint",
	Long: `Reload the cached expiry lists. Without arguments every index symbol and
the representative stock are refreshed, which covers all cache buckets.`,
	RunE: runRefreshExpiries,
}

var toggleCmd = &cobra.Command{
	Use:   "toggle <loop>",
	Short: "Pause or resume a loop",
	Long: `Flip the pause flag of a loop. A running service picks up the change at
its next control refresh.`,
	Args: cobra.ExactArgs(1),
	RunE: runToggle,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show loop flags and the latest levels per symbol",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(refreshExpiriesCmd)
	rootCmd.AddCommand(toggleCmd)
	rootCmd.AddCommand(statusCmd)
}

func runRefreshExpiries(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	c, err := newCore(ctx, cfg, metrics.NewUnregistered())
	if err != nil {
		return err
	}
	defer c.Close()

	symbols := normalizeSymbols(args)
	if len(symbols) == 0 {
		symbols = refreshSymbols(cfg)
	}
	expiries, err := c.resolver.Refresh(ctx, symbols)

	keys := make([]string, 0, len(expiries))
	for k := range expiries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := cmd.OutOrStdout()
	for _, k := range keys {
		fmt.Fprintf(out, "%-16s %v\n", k, expiries[k])
	}
	return err
}

// openControls opens the store and registers the configured loops.
func openControls(ctx context.Context) (*config.Config, *storage.Storage, *scheduler.Controls, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := storage.New(cfg.Storage.DBPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	controls, err := scheduler.NewControls(ctx, store, loopNames(cfg))
	if err != nil {
		_ = store.Close()
		return nil, nil, nil, err
	}
	return cfg, store, controls, nil
}

func runToggle(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	_, store, controls, err := openControls(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	active, err := controls.Toggle(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], stateLabel(active))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, store, controls, err := openControls(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	flags := controls.Snapshot()
	for _, name := range controls.Names() {
		fmt.Fprintf(out, "%-16s %s\n", name, stateLabel(flags[name]))
	}

	fmt.Fprintln(out)
	for _, l := range cfg.Loops {
		for _, symbol := range normalizeSymbols(l.Symbols) {
			sr, err := store.LatestSupportResistance(ctx, symbol)
			if errors.Is(err, storage.ErrNotFound) {
				fmt.Fprintf(out, "%-12s no levels yet\n", symbol)
				continue
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%-12s %s spot %.2f  R %.2f (%s)  S %.2f (%s)\n",
				symbol, sr.Time.In(cfg.Location()).Format("2006-01-02 15:04:05"), sr.SpotPrice,
				sr.CE.First.Strike, sr.CE.Trend, sr.PE.First.Strike, sr.PE.Trend)
		}
	}
	return nil
}

func stateLabel(active bool) string {
	if active {
		return "running"
	}
	return "paused"
}
