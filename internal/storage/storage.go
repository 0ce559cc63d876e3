// Package storage provides SQLite-backed persistence for option chain rows,
// support/resistance snapshots, expiry caches and loop controls.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rewired-gh/strikewatch/internal/models"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db *sql.DB
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/strikewatch/data.db.
func New(dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "strikewatch", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	s := &Storage{db: db}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var (
	legFields   = []string{"delta", "iv", "oi", "coi", "volume", "ltp", "cltp", "reversal", "range_pct", "oi_pct", "volume_pct", "coi_pct"}
	levelFields = []string{"strike", "oi_pct", "reversal", "stop_loss", "distance_pct"}

	chainCols = `cycle_id, symbol, expiry, lot_size, strike_price, spot_price, time, ` +
		prefixed([]string{"ce_", "pe_"}, legFields)
	levelCols = `id, cycle_id, symbol, time, spot_price, expiry, ce_trend, pe_trend, ` +
		prefixed([]string{"ce1_", "ce2_", "pe1_", "pe2_"}, levelFields) +
		`, bearish_risk, bullish_risk, level_mismatch`
)

func prefixed(prefixes, fields []string) string {
	cols := make([]string, 0, len(prefixes)*len(fields))
	for _, p := range prefixes {
		for _, f := range fields {
			cols = append(cols, p+f)
		}
	}
	return strings.Join(cols, ", ")
}

func realColumns(prefixes, fields []string) string {
	var b strings.Builder
	for _, p := range prefixes {
		for _, f := range fields {
			fmt.Fprintf(&b, "\t\t\t%s%s REAL NOT NULL DEFAULT 0,\n", p, f)
		}
	}
	return b.String()
}

func placeholders(cols string) string {
	n := strings.Count(cols, ",") + 1
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS option_chain (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			cycle_id     TEXT NOT NULL,
			symbol       TEXT NOT NULL,
			expiry       TEXT NOT NULL,
			lot_size     INTEGER NOT NULL,
			strike_price REAL NOT NULL,
			spot_price   REAL NOT NULL,
` + realColumns([]string{"ce_", "pe_"}, legFields) + `
			time         INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_option_chain_symbol_time ON option_chain(symbol, time)`,
		`CREATE TABLE IF NOT EXISTS support_resistance (
			id             TEXT PRIMARY KEY,
			cycle_id       TEXT NOT NULL,
			symbol         TEXT NOT NULL,
			time           INTEGER NOT NULL,
			spot_price     REAL NOT NULL,
			expiry         TEXT,
			ce_trend       TEXT NOT NULL,
			pe_trend       TEXT NOT NULL,
` + realColumns([]string{"ce1_", "ce2_", "pe1_", "pe2_"}, levelFields) + `
			bearish_risk   INTEGER NOT NULL DEFAULT 0,
			bullish_risk   INTEGER NOT NULL DEFAULT 0,
			level_mismatch INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_support_resistance_symbol_time ON support_resistance(symbol, time)`,
		`CREATE TABLE IF NOT EXISTS expiry_cache (
			key            TEXT PRIMARY KEY,
			expiries       TEXT NOT NULL DEFAULT '[]',
			last_refreshed INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sync_control (
			name       TEXT PRIMARY KEY,
			is_active  INTEGER NOT NULL DEFAULT 1,
			updated_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// InsertOptionChain appends one fetch's rows in a single transaction.
func (s *Storage) InsertOptionChain(ctx context.Context, rows []models.OptionChainRow) error {
	if len(rows) == 0 {
		return nil
	}
	for i := range rows {
		if err := rows[i].Validate(); err != nil {
			return fmt.Errorf("invalid row %s@%.2f: %w", rows[i].Symbol, rows[i].StrikePrice, err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO option_chain (`+chainCols+`) VALUES (`+placeholders(chainCols)+`)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		args := []any{r.CycleID, r.Symbol, r.Expiry, r.LotSize, r.StrikePrice, r.SpotPrice, r.Time.UnixNano()}
		args = append(args, legValues(r.CE)...)
		args = append(args, legValues(r.PE)...)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("failed to insert option chain row: %w", err)
		}
	}
	return tx.Commit()
}

// LatestOptionChain returns the most recent row set of symbol, ascending by strike.
func (s *Storage) LatestOptionChain(ctx context.Context, symbol string) ([]models.OptionChainRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chainCols+` FROM option_chain
		WHERE symbol = ? AND time = (SELECT MAX(time) FROM option_chain WHERE symbol = ?)
		ORDER BY strike_price`, symbol, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query option chain: %w", err)
	}
	defer rows.Close()

	var out []models.OptionChainRow
	for rows.Next() {
		r, err := scanChainRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan option chain row: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("option chain for %s: %w", symbol, ErrNotFound)
	}
	return out, nil
}

// InsertSupportResistance appends one snapshot.
func (s *Storage) InsertSupportResistance(ctx context.Context, sr *models.SupportResistance) error {
	if err := sr.Validate(); err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}
	var expiry sql.NullString
	if sr.Expiry != nil {
		expiry = sql.NullString{String: *sr.Expiry, Valid: true}
	}

	args := []any{sr.ID, sr.CycleID, sr.Symbol, sr.Time.UnixNano(), sr.SpotPrice, expiry, string(sr.CE.Trend), string(sr.PE.Trend)}
	for _, lv := range []models.Level{sr.CE.First, sr.CE.Second, sr.PE.First, sr.PE.Second} {
		args = append(args, lv.Strike, lv.OIPercent, lv.Reversal, lv.StopLoss, lv.DistancePct)
	}
	args = append(args, sr.BearishRisk, sr.BullishRisk, boolToInt(sr.LevelMismatch))

	_, err := s.db.ExecContext(ctx, `INSERT INTO support_resistance (`+levelCols+`) VALUES (`+placeholders(levelCols)+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// LatestSupportResistance returns the most recent snapshot of symbol.
func (s *Storage) LatestSupportResistance(ctx context.Context, symbol string) (*models.SupportResistance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+levelCols+` FROM support_resistance
		WHERE symbol = ? ORDER BY time DESC LIMIT 1`, symbol)
	sr, err := scanSnapshot(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("snapshot for %s: %w", symbol, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return sr, nil
}

// GetExpiryCache returns the cached expiries of key, or nil when absent.
func (s *Storage) GetExpiryCache(ctx context.Context, key string) (*models.ExpiryCacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT key, expiries, last_refreshed FROM expiry_cache WHERE key = ?`, key)

	var e models.ExpiryCacheEntry
	var expiriesJSON string
	var refreshedNano int64
	err := row.Scan(&e.Key, &expiriesJSON, &refreshedNano)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load expiry cache: %w", err)
	}
	if err := json.Unmarshal([]byte(expiriesJSON), &e.Expiries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal expiries: %w", err)
	}
	e.LastRefreshed = time.Unix(0, refreshedNano)
	return &e, nil
}

// UpsertExpiryCache writes or replaces the entry for its key.
func (s *Storage) UpsertExpiryCache(ctx context.Context, e *models.ExpiryCacheEntry) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid expiry cache entry: %w", err)
	}
	expiriesJSON, err := json.Marshal(e.Expiries)
	if err != nil {
		return fmt.Errorf("failed to marshal expiries: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO expiry_cache (key, expiries, last_refreshed) VALUES (?,?,?)
		ON CONFLICT(key) DO UPDATE SET expiries = excluded.expiries, last_refreshed = excluded.last_refreshed`,
		e.Key, string(expiriesJSON), e.LastRefreshed.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save expiry cache: %w", err)
	}
	return nil
}

// EnsureSyncControl creates the control with defaultActive if it does not
// exist and returns its current state.
func (s *Storage) EnsureSyncControl(ctx context.Context, name string, defaultActive bool) (*models.SyncControl, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO sync_control (name, is_active, updated_at) VALUES (?,?,?)`,
		name, boolToInt(defaultActive), time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to create sync control: %w", err)
	}
	return s.GetSyncControl(ctx, name)
}

// GetSyncControl returns the named control.
func (s *Storage) GetSyncControl(ctx context.Context, name string) (*models.SyncControl, error) {
	row := s.db.QueryRowContext(ctx, `SELECT name, is_active, updated_at FROM sync_control WHERE name = ?`, name)
	c, err := scanControl(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sync control %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync control: %w", err)
	}
	return c, nil
}

// SetSyncControl sets the named control, creating it if needed.
func (s *Storage) SetSyncControl(ctx context.Context, name string, active bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_control (name, is_active, updated_at) VALUES (?,?,?)
		ON CONFLICT(name) DO UPDATE SET is_active = excluded.is_active, updated_at = excluded.updated_at`,
		name, boolToInt(active), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to set sync control: %w", err)
	}
	return nil
}

// ToggleSyncControl flips the named control and returns the new state.
// A missing control starts out active, so the first toggle pauses it.
func (s *Storage) ToggleSyncControl(ctx context.Context, name string) (bool, error) {
	if _, err := s.EnsureSyncControl(ctx, name, true); err != nil {
		return false, err
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE sync_control SET is_active = 1 - is_active, updated_at = ? WHERE name = ?`,
		time.Now().UnixNano(), name); err != nil {
		return false, fmt.Errorf("failed to toggle sync control: %w", err)
	}
	c, err := s.GetSyncControl(ctx, name)
	if err != nil {
		return false, err
	}
	return c.IsActive, nil
}

// ListSyncControls returns all controls ordered by name.
func (s *Storage) ListSyncControls(ctx context.Context) ([]models.SyncControl, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, is_active, updated_at FROM sync_control ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync controls: %w", err)
	}
	defer rows.Close()

	controls := []models.SyncControl{}
	for rows.Next() {
		c, err := scanControl(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync control: %w", err)
		}
		controls = append(controls, *c)
	}
	return controls, rows.Err()
}

// Prune deletes option chain rows and snapshots older than before.
// It returns the number of deleted records.
func (s *Storage) Prune(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"option_chain", "support_resistance"} {
		res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE time < ?`, before.UnixNano())
		if err != nil {
			return total, fmt.Errorf("failed to prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func legValues(l models.LegMetrics) []any {
	return []any{l.Delta, l.IV, l.OpenInterest, l.ChangeInOI, l.Volume, l.LTP, l.ChangeInLTP,
		l.Reversal, l.RangePct, l.OIPercent, l.VolumePercent, l.ChangeInOIPercent}
}

func legPointers(l *models.LegMetrics) []any {
	return []any{&l.Delta, &l.IV, &l.OpenInterest, &l.ChangeInOI, &l.Volume, &l.LTP, &l.ChangeInLTP,
		&l.Reversal, &l.RangePct, &l.OIPercent, &l.VolumePercent, &l.ChangeInOIPercent}
}

func scanChainRow(scan func(...any) error) (*models.OptionChainRow, error) {
	var r models.OptionChainRow
	var timeNano int64
	dest := []any{&r.CycleID, &r.Symbol, &r.Expiry, &r.LotSize, &r.StrikePrice, &r.SpotPrice, &timeNano}
	dest = append(dest, legPointers(&r.CE)...)
	dest = append(dest, legPointers(&r.PE)...)
	if err := scan(dest...); err != nil {
		return nil, err
	}
	r.Time = time.Unix(0, timeNano)
	return &r, nil
}

func scanSnapshot(scan func(...any) error) (*models.SupportResistance, error) {
	var sr models.SupportResistance
	var timeNano int64
	var expiry sql.NullString
	var ceTrend, peTrend string
	var mismatch int

	dest := []any{&sr.ID, &sr.CycleID, &sr.Symbol, &timeNano, &sr.SpotPrice, &expiry, &ceTrend, &peTrend}
	for _, lv := range []*models.Level{&sr.CE.First, &sr.CE.Second, &sr.PE.First, &sr.PE.Second} {
		dest = append(dest, &lv.Strike, &lv.OIPercent, &lv.Reversal, &lv.StopLoss, &lv.DistancePct)
	}
	dest = append(dest, &sr.BearishRisk, &sr.BullishRisk, &mismatch)
	if err := scan(dest...); err != nil {
		return nil, err
	}

	sr.Time = time.Unix(0, timeNano)
	if expiry.Valid {
		sr.Expiry = &expiry.String
	}
	sr.CE.Trend = models.TrendLabel(ceTrend)
	sr.PE.Trend = models.TrendLabel(peTrend)
	sr.LevelMismatch = mismatch != 0
	return &sr, nil
}

func scanControl(scan func(...any) error) (*models.SyncControl, error) {
	var c models.SyncControl
	var active int
	var updatedNano int64
	if err := scan(&c.Name, &active, &updatedNano); err != nil {
		return nil, err
	}
	c.IsActive = active != 0
	c.UpdatedAt = time.Unix(0, updatedNano)
	return &c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
