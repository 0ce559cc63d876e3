package upstox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/rewired-gh/strikewatch/internal/logger"
	"github.com/rewired-gh/strikewatch/internal/metrics"
)

// KeyResolver maps a trading symbol to its instrument key.
type KeyResolver interface {
	Key(symbol string) (string, error)
}

// FetcherConfig controls concurrency and retry behavior of a Fetcher.
type FetcherConfig struct {
	MaxInFlight       int
	Retries           int
	RateLimitBase     time.Duration
	ServerRetryDelay  time.Duration
	RequestsPerSecond float64
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Fetcher retrieves option chains under a shared permit pool and classifies
// every outcome. A permit is held for the whole retry sequence of a symbol.
type Fetcher struct {
	client  *Client
	keys    KeyResolver
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	config  FetcherConfig
	metrics *metrics.Registry
	sleep   SleepFunc

	halted atomic.Bool
}

// NewFetcher creates a Fetcher. A zero RequestsPerSecond disables pacing.
func NewFetcher(client *Client, keys KeyResolver, cfg FetcherConfig, m *metrics.Registry) *Fetcher {
	if cfg.MaxInFlight < 1 {
		cfg.MaxInFlight = 5
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RateLimitBase <= 0 {
		cfg.RateLimitBase = 2 * time.Second
	}
	if cfg.ServerRetryDelay <= 0 {
		cfg.ServerRetryDelay = time.Second
	}

	f := &Fetcher{
		client:  client,
		keys:    keys,
		sem:     semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		config:  cfg,
		metrics: m,
		sleep:   SleepContext,
	}
	if cfg.RequestsPerSecond > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.MaxInFlight)
	}
	return f
}

// SetSleep replaces the backoff sleep. Tests use it to observe delays.
func (f *Fetcher) SetSleep(fn SleepFunc) {
	f.sleep = fn
}

// Halted reports whether a credential failure has been observed.
func (f *Fetcher) Halted() bool {
	return f.halted.Load()
}

// Fetch retrieves the option chain of symbol for expiry (YYYY-MM-DD).
func (f *Fetcher) Fetch(ctx context.Context, symbol, expiry string) Result {
	res := f.fetch(ctx, symbol, expiry)
	outcome := "success"
	if !res.OK() {
		outcome = res.Kind.String()
	}
	f.metrics.FetchResults.WithLabelValues(outcome).Inc()
	return res
}

func (f *Fetcher) fetch(ctx context.Context, symbol, expiry string) Result {
	if f.halted.Load() {
		return Failure(KindCredentialExpired, http.StatusUnauthorized, ErrCredentialExpired, 0)
	}

	key, err := f.keys.Key(symbol)
	if err != nil {
		return Failure(KindClientRejected, 0, err, 0)
	}

	if err := f.sem.Acquire(ctx, 1); err != nil {
		return Failure(KindTransientNetwork, 0, err, 0)
	}
	defer f.sem.Release(1)
	f.metrics.InFlight.Inc()
	defer f.metrics.InFlight.Dec()

	var last Result
	for attempt := 0; attempt <= f.config.Retries; attempt++ {
		if f.halted.Load() {
			return Failure(KindCredentialExpired, http.StatusUnauthorized, ErrCredentialExpired, attempt)
		}
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return Failure(KindTransientNetwork, 0, err, attempt)
			}
		}

		res, wait := f.attempt(ctx, key, expiry, attempt)
		res.Attempts = attempt + 1
		f.metrics.FetchAttempts.WithLabelValues(attemptLabel(res)).Inc()

		if res.Status != StatusFailure || !res.Kind.Retryable() {
			return res
		}
		if ctx.Err() != nil {
			return Failure(res.Kind, res.StatusCode, ctx.Err(), res.Attempts)
		}

		last = res
		if attempt == f.config.Retries {
			break
		}

		logger.Debug("%s: attempt %d failed (%s), retrying in %v", symbol, attempt+1, res.Kind, wait)
		if err := f.sleep(ctx, wait); err != nil {
			return Failure(res.Kind, res.StatusCode, err, res.Attempts)
		}
	}

	logger.Warn("%s: giving up after %d attempts: %v", symbol, last.Attempts, last.Err())
	return last
}

// attempt performs one request and returns its classification together with
// the delay to apply before the next attempt.
func (f *Fetcher) attempt(ctx context.Context, key, expiry string, attempt int) (Result, time.Duration) {
	status, body, err := f.client.optionChain(ctx, key, expiry)
	if err != nil {
		return Failure(KindTransientNetwork, status, err, 0), f.config.ServerRetryDelay
	}

	switch {
	case status == http.StatusOK:
		var payload ChainResponse
		if err := json.Unmarshal(body, &payload); err != nil {
			return Failure(KindDataShape, status, fmt.Errorf("failed to decode chain: %w", err), 0), 0
		}
		if len(payload.Data) == 0 {
			return Empty(0), 0
		}
		return Success(&payload, 0), 0

	case status == http.StatusTooManyRequests:
		return Failure(KindRateLimited, status, apiError(status, body), 0), f.config.RateLimitBase << attempt

	case status == http.StatusUnauthorized:
		if f.halted.CompareAndSwap(false, true) {
			logger.Error("CRITICAL: access token rejected (401), halting all fetches")
		}
		return Failure(KindCredentialExpired, status, fmt.Errorf("%w: %v", ErrCredentialExpired, apiError(status, body)), 0), 0

	case status >= 400 && status < 500:
		return Failure(KindClientRejected, status, apiError(status, body), 0), 0

	case status >= 500:
		return Failure(KindServerFault, status, apiError(status, body), 0), f.config.ServerRetryDelay
	}

	return Failure(KindTransientNetwork, status, apiError(status, body), 0), f.config.ServerRetryDelay
}

// Contracts lists the option contracts of symbol. It shares the permit pool
// with chain fetches.
func (f *Fetcher) Contracts(ctx context.Context, symbol string) ([]Contract, error) {
	if f.halted.Load() {
		return nil, ErrCredentialExpired
	}
	key, err := f.keys.Key(symbol)
	if err != nil {
		return nil, err
	}
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer f.sem.Release(1)

	contracts, err := f.client.OptionContracts(ctx, key)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
		f.halted.Store(true)
		return nil, fmt.Errorf("%w: %v", ErrCredentialExpired, err)
	}
	return contracts, err
}

// LotSize returns the lot size of the first listed contract of symbol.
func (f *Fetcher) LotSize(ctx context.Context, symbol string) (int, error) {
	contracts, err := f.Contracts(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if len(contracts) == 0 {
		return 0, fmt.Errorf("no contracts listed for %s", symbol)
	}
	return contracts[0].LotSize, nil
}

func attemptLabel(r Result) string {
	switch r.Status {
	case StatusSuccess:
		return "success"
	case StatusEmpty:
		return KindEmptyResult.String()
	}
	return r.Kind.String()
}

func apiError(status int, body []byte) error {
	return &APIError{StatusCode: status, Message: truncate(body), Endpoint: chainPath}
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
