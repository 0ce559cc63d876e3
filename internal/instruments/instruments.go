// Package instruments resolves trading symbols against the exchange instrument master.
package instruments

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/rewired-gh/strikewatch/internal/logger"
)

// ErrUnknownSymbol is returned when a symbol has no instrument key.
var ErrUnknownSymbol = errors.New("unknown symbol")

// fixedKeys covers index underlyings, which are absent from the equity master,
// and equities whose trading symbol contains characters the API rejects.
var fixedKeys = map[string]string{
	"NIFTY":      "NSE_INDEX|Nifty 50",
	"BANKNIFTY":  "NSE_INDEX|Nifty Bank",
	"FINNIFTY":   "NSE_INDEX|Nifty Fin Service",
	"MIDCPNIFTY": "NSE_INDEX|NIFTY MID SELECT",
	"SAMMAAN":    "NSE_EQ|INE148I01020",
	"M&M":        "NSE_EQ|INE101A01026",
	"L&T":        "NSE_EQ|INE018A01030",
}

var derivativeTypes = map[string]bool{
	"OPTSTK": true,
	"FUTSTK": true,
	"OPTIDX": true,
	"FUTIDX": true,
}

// Instrument is one row of the master file.
type Instrument struct {
	InstrumentKey  string
	Exchange       string
	TradingSymbol  string
	Name           string
	LotSize        int
	InstrumentType string
}

// Service answers symbol lookups from an in-memory copy of the master.
// It is immutable after construction and safe for concurrent use.
type Service struct {
	equity  map[string]string
	any     map[string]string
	lotSize map[string]int
	count   int
}

// Load reads the master CSV at path.
func Load(path string) (*Service, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open instrument master: %w", err)
	}
	defer f.Close()
	return LoadReader(f)
}

// LoadReader parses a master CSV with a header row naming at least
// instrument_key, exchange and tradingsymbol.
func LoadReader(r io.Reader) (*Service, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read master header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.TrimSpace(strings.ToLower(h))] = i
	}
	for _, required := range []string{"instrument_key", "exchange", "tradingsymbol"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("master is missing column %q", required)
		}
	}

	s := &Service{
		equity:  make(map[string]string),
		any:     make(map[string]string),
		lotSize: make(map[string]int),
	}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read master row: %w", err)
		}
		s.add(parseRecord(rec, cols))
	}

	logger.Info("Instrument master loaded: %d instruments", s.count)
	return s, nil
}

func parseRecord(rec []string, cols map[string]int) Instrument {
	field := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}
	inst := Instrument{
		InstrumentKey:  field("instrument_key"),
		Exchange:       field("exchange"),
		TradingSymbol:  field("tradingsymbol"),
		Name:           field("name"),
		InstrumentType: field("instrument_type"),
	}
	if v := field("lot_size"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			inst.LotSize = int(f)
		}
	}
	return inst
}

func (s *Service) add(inst Instrument) {
	if inst.TradingSymbol == "" || inst.InstrumentKey == "" {
		return
	}
	s.count++

	if inst.Exchange == "NSE_EQ" {
		if _, ok := s.equity[inst.TradingSymbol]; !ok {
			s.equity[inst.TradingSymbol] = inst.InstrumentKey
		}
	}
	if _, ok := s.any[inst.TradingSymbol]; !ok {
		s.any[inst.TradingSymbol] = inst.InstrumentKey
	}

	if derivativeTypes[inst.InstrumentType] && inst.LotSize > 0 {
		if u := underlying(inst.TradingSymbol); u != "" {
			if _, ok := s.lotSize[u]; !ok {
				s.lotSize[u] = inst.LotSize
			}
		}
	}
}

// underlying strips the contract suffix from a derivative trading symbol:
// "RELIANCE25JAN1300CE" and "RELIANCE 1300 CE 30 JAN 25" both yield "RELIANCE".
func underlying(tradingSymbol string) string {
	if i := strings.IndexByte(tradingSymbol, ' '); i > 0 {
		return tradingSymbol[:i]
	}
	for i := 1; i < len(tradingSymbol); i++ {
		c := tradingSymbol[i]
		if c >= '0' && c <= '9' {
			return tradingSymbol[:i]
		}
	}
	return ""
}

// Key resolves symbol to its instrument key.
func (s *Service) Key(symbol string) (string, error) {
	if k, ok := fixedKeys[symbol]; ok {
		return k, nil
	}
	if k, ok := s.equity[symbol]; ok {
		return k, nil
	}
	if k, ok := s.any[symbol]; ok {
		return k, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
}

// LotSize returns the derivative lot size of symbol, or 0 when unknown.
func (s *Service) LotSize(symbol string) int {
	return s.lotSize[symbol]
}

// Len returns the number of instruments loaded.
func (s *Service) Len() int {
	return s.count
}

// EnsureMaster downloads and decompresses the gzipped master from url into
// path when path does not exist yet.
func EnsureMaster(ctx context.Context, url, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	logger.Info("Downloading instrument master from %s", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download instrument master: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download instrument master: status %d", resp.StatusCode)
	}

	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		return fmt.Errorf("instrument master is not gzip: %w", err)
	}
	defer gz.Close()

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	tmp := path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, gz); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write instrument master: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
