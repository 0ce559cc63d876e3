// Package expiry resolves the active expiry dates of a symbol, preferring a
// same-day cache over the remote contract listing.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rewired-gh/strikewatch/internal/logger"
	"github.com/rewired-gh/strikewatch/internal/metrics"
	"github.com/rewired-gh/strikewatch/internal/models"
	"github.com/rewired-gh/strikewatch/internal/upstox"
)

// StockMonthlyKey is the cache key shared by every non-index symbol.
const StockMonthlyKey = "STOCK_MONTHLY"

// Store persists expiry lists by cache key.
// GetExpiryCache returns a nil entry when the key has never been written.
type Store interface {
	GetExpiryCache(ctx context.Context, key string) (*models.ExpiryCacheEntry, error)
	UpsertExpiryCache(ctx context.Context, entry *models.ExpiryCacheEntry) error
}

// ContractLister lists the option contracts of a symbol.
type ContractLister interface {
	Contracts(ctx context.Context, symbol string) ([]upstox.Contract, error)
}

// Resolver maps symbols to their ordered expiry dates.
type Resolver struct {
	store          Store
	lister         ContractLister
	indices        map[string]bool
	representative string
	loc            *time.Location
	now            func() time.Time
	metrics        *metrics.Registry
	group          singleflight.Group
}

// NewResolver creates a Resolver. indexSymbols get a cache key of their own;
// representative is queried on behalf of the shared stock bucket.
func NewResolver(store Store, lister ContractLister, indexSymbols []string, representative string, loc *time.Location, m *metrics.Registry) *Resolver {
	indices := make(map[string]bool, len(indexSymbols))
	for _, s := range indexSymbols {
		indices[s] = true
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Resolver{
		store:          store,
		lister:         lister,
		indices:        indices,
		representative: representative,
		loc:            loc,
		now:            time.Now,
		metrics:        m,
	}
}

// SetClock replaces the wall clock.
func (r *Resolver) SetClock(now func() time.Time) {
	r.now = now
}

// CacheKey returns the cache bucket of symbol.
func (r *Resolver) CacheKey(symbol string) string {
	if r.indices[symbol] {
		return symbol
	}
	return StockMonthlyKey
}

// Resolve returns the ascending expiry dates of symbol. An empty result means
// the symbol should be skipped this cycle.
func (r *Resolver) Resolve(ctx context.Context, symbol string) []string {
	key := r.CacheKey(symbol)
	now := r.now().In(r.loc)

	entry, err := r.store.GetExpiryCache(ctx, key)
	if err != nil {
		logger.Warn("Failed to read expiry cache for %s: %v", key, err)
	}
	if hit(entry, now) {
		r.metrics.ExpiryLookups.WithLabelValues("hit").Inc()
		return entry.Expiries
	}

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		return r.refresh(ctx, key)
	})
	if err != nil {
		logger.Error("Expiry lookup failed for %s (%s): %v", symbol, key, err)
		r.metrics.ExpiryLookups.WithLabelValues("empty").Inc()
		return nil
	}
	expiries := v.([]string)
	if len(expiries) == 0 {
		r.metrics.ExpiryLookups.WithLabelValues("empty").Inc()
		return nil
	}
	r.metrics.ExpiryLookups.WithLabelValues("miss").Inc()
	return expiries
}

// Nearest returns the first active expiry of symbol.
func (r *Resolver) Nearest(ctx context.Context, symbol string) (string, bool) {
	expiries := r.Resolve(ctx, symbol)
	if len(expiries) == 0 {
		return "", false
	}
	return expiries[0], true
}

// Refresh bypasses the cache and reloads the buckets of the given symbols.
// It returns the reloaded lists keyed by cache key.
func (r *Resolver) Refresh(ctx context.Context, symbols []string) (map[string][]string, error) {
	out := make(map[string][]string)
	var errs []error
	for _, s := range symbols {
		key := r.CacheKey(s)
		if _, done := out[key]; done {
			continue
		}
		expiries, err := r.refresh(ctx, key)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		out[key] = expiries
	}
	return out, errors.Join(errs...)
}

func (r *Resolver) refresh(ctx context.Context, key string) ([]string, error) {
	symbol := key
	if key == StockMonthlyKey {
		symbol = r.representative
	}

	logger.Info("Fetching fresh expiries for %s via %s", key, symbol)
	contracts, err := r.lister.Contracts(ctx, symbol)
	if err != nil {
		return nil, err
	}

	dates := make([]string, 0, len(contracts))
	for _, c := range contracts {
		dates = append(dates, c.Expiry)
	}
	expiries := models.NormalizeExpiries(dates)
	if len(expiries) == 0 {
		return nil, nil
	}

	entry := &models.ExpiryCacheEntry{
		Key:           key,
		Expiries:      expiries,
		LastRefreshed: r.now(),
	}
	if err := r.store.UpsertExpiryCache(ctx, entry); err != nil {
		logger.Warn("Failed to write expiry cache for %s: %v", key, err)
	}
	return expiries, nil
}

func hit(entry *models.ExpiryCacheEntry, now time.Time) bool {
	if entry == nil || len(entry.Expiries) == 0 || !entry.IsFresh(now) {
		return false
	}
	return entry.Expiries[0] >= now.Format(models.DateLayout)
}
