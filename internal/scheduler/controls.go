package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rewired-gh/strikewatch/internal/logger"
	"github.com/rewired-gh/strikewatch/internal/models"
)

// ControlStore persists loop pause/resume flags.
type ControlStore interface {
	EnsureSyncControl(ctx context.Context, name string, defaultActive bool) (*models.SyncControl, error)
	ListSyncControls(ctx context.Context) ([]models.SyncControl, error)
	SetSyncControl(ctx context.Context, name string, active bool) error
	ToggleSyncControl(ctx context.Context, name string) (bool, error)
}

// ErrUnknownLoop is returned for a loop name that was not registered.
var ErrUnknownLoop = errors.New("unknown loop")

// Controls holds one active flag per loop. The set of loops is fixed at
// construction; flags change through Set, Toggle and Reload.
type Controls struct {
	store ControlStore
	flags map[string]*atomic.Bool
}

// NewControls registers names in the store (new loops start active) and
// loads their current flags.
func NewControls(ctx context.Context, store ControlStore, names []string) (*Controls, error) {
	c := &Controls{store: store, flags: make(map[string]*atomic.Bool, len(names))}
	for _, name := range names {
		sc, err := store.EnsureSyncControl(ctx, name, true)
		if err != nil {
			return nil, fmt.Errorf("failed to load control %s: %w", name, err)
		}
		flag := &atomic.Bool{}
		flag.Store(sc.IsActive)
		c.flags[name] = flag
	}
	return c, nil
}

// Active reports whether loop name should run. Unknown loops are inactive.
func (c *Controls) Active(name string) bool {
	flag, ok := c.flags[name]
	return ok && flag.Load()
}

// Names returns the registered loop names in sorted order.
func (c *Controls) Names() []string {
	names := make([]string, 0, len(c.flags))
	for name := range c.flags {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns the current flag of every loop.
func (c *Controls) Snapshot() map[string]bool {
	out := make(map[string]bool, len(c.flags))
	for name, flag := range c.flags {
		out[name] = flag.Load()
	}
	return out
}

// Set persists and applies the flag of loop name.
func (c *Controls) Set(ctx context.Context, name string, active bool) error {
	flag, ok := c.flags[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLoop, name)
	}
	if err := c.store.SetSyncControl(ctx, name, active); err != nil {
		return fmt.Errorf("failed to set control %s: %w", name, err)
	}
	flag.Store(active)
	logger.Info("Loop %s %s", name, stateName(active))
	return nil
}

// Toggle flips loop name and returns the new flag.
func (c *Controls) Toggle(ctx context.Context, name string) (bool, error) {
	flag, ok := c.flags[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownLoop, name)
	}
	active, err := c.store.ToggleSyncControl(ctx, name)
	if err != nil {
		return false, fmt.Errorf("failed to toggle control %s: %w", name, err)
	}
	flag.Store(active)
	logger.Info("Loop %s %s", name, stateName(active))
	return active, nil
}

// Reload re-reads every flag from the store, picking up changes made by
// another process.
func (c *Controls) Reload(ctx context.Context) error {
	controls, err := c.store.ListSyncControls(ctx)
	if err != nil {
		return fmt.Errorf("failed to list controls: %w", err)
	}
	for _, sc := range controls {
		flag, ok := c.flags[sc.Name]
		if !ok {
			continue
		}
		if old := flag.Swap(sc.IsActive); old != sc.IsActive {
			logger.Info("Loop %s %s by external toggle", sc.Name, stateName(sc.IsActive))
		}
	}
	return nil
}

// Watch calls Reload every interval until ctx is done.
func (c *Controls) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Reload(ctx); err != nil {
				logger.Warn("Failed to reload loop controls: %v", err)
			}
		}
	}
}

func stateName(active bool) string {
	if active {
		return "resumed"
	}
	return "paused"
}
