// Package pipeline runs one symbol through fetch, derive, extract and persist.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rewired-gh/strikewatch/internal/analytics"
	"github.com/rewired-gh/strikewatch/internal/logger"
	"github.com/rewired-gh/strikewatch/internal/metrics"
	"github.com/rewired-gh/strikewatch/internal/models"
	"github.com/rewired-gh/strikewatch/internal/upstox"
)

type Fetcher interface {
	Fetch(ctx context.Context, symbol, expiry string) upstox.Result
	LotSize(ctx context.Context, symbol string) (int, error)
	Halted() bool
}

type ExpiryResolver interface {
	Nearest(ctx context.Context, symbol string) (string, bool)
}

type LotSizes interface {
	LotSize(symbol string) int
}

type Store interface {
	InsertOptionChain(ctx context.Context, rows []models.OptionChainRow) error
	InsertSupportResistance(ctx context.Context, sr *models.SupportResistance) error
}

type Publisher interface {
	Put(ctx context.Context, sr *models.SupportResistance) error
}

// Status is the per-symbol result of one pass.
type Status string

const (
	StatusSuccess          Status = "success"
	StatusNoExpiry         Status = "no_expiry"
	StatusFetchFailed      Status = "fetch_failed"
	StatusInsufficientRows Status = "insufficient_rows"
	StatusPersistFailed    Status = "persist_failed"
)

// Outcome describes what happened to one symbol.
type Outcome struct {
	Symbol   string
	Status   Status
	Kind     upstox.FailureKind
	Rows     int
	Snapshot *models.SupportResistance
}

// OK reports whether the symbol counts as a success.
func (o Outcome) OK() bool {
	return o.Status == StatusSuccess
}

// Processor runs the per-symbol pipeline of one loop.
type Processor struct {
	fetcher     Fetcher
	expiries    ExpiryResolver
	lots        LotSizes
	store       Store
	publisher   Publisher
	metrics     *metrics.Registry
	persistRows bool
	now         func() time.Time
}

// NewProcessor creates a Processor. publisher may be nil.
func NewProcessor(f Fetcher, e ExpiryResolver, lots LotSizes, s Store, p Publisher, m *metrics.Registry, persistRows bool) *Processor {
	return &Processor{
		fetcher:     f,
		expiries:    e,
		lots:        lots,
		store:       s,
		publisher:   p,
		metrics:     m,
		persistRows: persistRows,
		now:         time.Now,
	}
}

// SetClock replaces the wall clock used to stamp rows.
func (p *Processor) SetClock(now func() time.Time) {
	p.now = now
}

type cycleKey struct{}

// WithCycleID attaches the cycle identifier stamped on persisted records.
func WithCycleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, cycleKey{}, id)
}

// CycleID returns the cycle identifier attached by WithCycleID.
func CycleID(ctx context.Context) string {
	id, _ := ctx.Value(cycleKey{}).(string)
	return id
}

// Process runs symbol through the pipeline. Every per-symbol problem is
// reported in the Outcome; the error is non-nil only for
// upstox.ErrCredentialExpired.
func (p *Processor) Process(ctx context.Context, symbol string) (Outcome, error) {
	out := Outcome{Symbol: symbol}
	if p.fetcher.Halted() {
		out.Status, out.Kind = StatusFetchFailed, upstox.KindCredentialExpired
		return out, upstox.ErrCredentialExpired
	}

	expiry, ok := p.expiries.Nearest(ctx, symbol)
	if !ok {
		if p.fetcher.Halted() {
			out.Status, out.Kind = StatusFetchFailed, upstox.KindCredentialExpired
			return out, upstox.ErrCredentialExpired
		}
		logger.Warn("%s: no active expiry, skipping", symbol)
		out.Status = StatusNoExpiry
		return out, nil
	}

	lot, err := p.lotSize(ctx, symbol)
	if err != nil {
		out.Status, out.Kind = StatusFetchFailed, upstox.KindCredentialExpired
		return out, err
	}

	res := p.fetcher.Fetch(ctx, symbol, expiry)
	if !res.OK() {
		out.Status, out.Kind = StatusFetchFailed, res.Kind
		switch res.Kind {
		case upstox.KindCredentialExpired:
			return out, upstox.ErrCredentialExpired
		case upstox.KindClientRejected:
			logger.Error("%s: request rejected: %v", symbol, res.Err())
		default:
			logger.Warn("%s: no option chain for %s: %v", symbol, expiry, res.Err())
		}
		return out, nil
	}

	rows := analytics.Derive(res.Payload, lot, analytics.Meta{
		Time:    p.now(),
		Symbol:  symbol,
		Expiry:  expiry,
		CycleID: CycleID(ctx),
	})
	out.Rows = len(rows)

	if p.persistRows {
		if err := p.store.InsertOptionChain(ctx, rows); err != nil {
			logger.Error("%s: failed to persist %d rows: %v", symbol, len(rows), err)
			out.Status = StatusPersistFailed
			return out, nil
		}
		logger.Debug("%s: persisted %d rows for %s", symbol, len(rows), expiry)
	}

	sr, ok := analytics.Extract(rows, symbol, expiry)
	if !ok {
		logger.Warn("%s: only %d strikes, no levels", symbol, len(rows))
		out.Status, out.Kind = StatusInsufficientRows, upstox.KindDataShape
		return out, nil
	}
	if sr.LevelMismatch {
		p.metrics.LevelMismatches.Inc()
	}

	if err := p.store.InsertSupportResistance(ctx, sr); err != nil {
		logger.Error("%s: failed to persist snapshot: %v", symbol, err)
		out.Status = StatusPersistFailed
		return out, nil
	}
	if p.publisher != nil {
		if err := p.publisher.Put(ctx, sr); err != nil {
			logger.Warn("%s: failed to publish snapshot: %v", symbol, err)
		}
	}

	out.Status = StatusSuccess
	out.Snapshot = sr
	return out, nil
}

// lotSize prefers the instrument master and falls back to the contract
// listing. Unknown lot sizes become 1.
func (p *Processor) lotSize(ctx context.Context, symbol string) (int, error) {
	if lot := p.lots.LotSize(symbol); lot > 0 {
		return lot, nil
	}
	lot, err := p.fetcher.LotSize(ctx, symbol)
	if errors.Is(err, upstox.ErrCredentialExpired) {
		return 0, upstox.ErrCredentialExpired
	}
	if err != nil || lot < 1 {
		logger.Debug("%s: lot size unknown, using 1: %v", symbol, err)
		return 1, nil
	}
	return lot, nil
}
