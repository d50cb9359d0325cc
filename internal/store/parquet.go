package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"alphalab/internal/domain"
)

// Compile-time interface check.
var _ BarCache = (*ParquetStore)(nil)

// ParquetStore implements BarCache using Parquet files on disk, and also
// persists the columnar artifacts of backtest runs (equity curves and trade
// logs) that are too bulky for the SQLite summary row.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for cached bar history.
type BarRecord struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    float64 `parquet:"volume"`
}

// EquityRecord is the Parquet schema for one equity-curve point.
type EquityRecord struct {
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Equity    float64 `parquet:"equity"`
}

// TradeLogRecord is the Parquet schema for one trade-log entry.
type TradeLogRecord struct {
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Symbol     string  `parquet:"symbol"`
	Delta      float64 `parquet:"delta"`
	Price      float64 `parquet:"price"`
	Commission float64 `parquet:"commission"`
	Slippage   float64 `parquet:"slippage"`
	PnL        float64 `parquet:"pnl"`
}

// ---------------------------------------------------------------------------
// BarCache implementation
// ---------------------------------------------------------------------------

// WriteBars writes bar history to Parquet files organized by symbol and
// year. Each symbol+year combination produces a separate file at:
//
//	<DataDir>/bars/<SYMBOL>/<YYYY>.parquet
//
// Re-writing an overlapping range merges by timestamp, preferring the new
// bars, so refreshes never lose history.
func (s *ParquetStore) WriteBars(ctx context.Context, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	type key struct {
		symbol string
		year   int
	}
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		k := key{symbol: b.Symbol, year: b.Timestamp.Year()}
		groups[k] = append(groups[k], BarRecord{
			Symbol:    b.Symbol,
			Timestamp: b.Timestamp.UnixMilli(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}

	for k, records := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := s.barPath(k.symbol, k.year)

		existing, _ := readParquetFile[BarRecord](path)
		merged := mergeBarRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%d: %w", k.symbol, k.year, err)
		}
	}
	return nil
}

// ReadBars returns cached bars for the symbol within [start, end], ordered
// by timestamp. Missing year files are treated as empty, not as errors.
func (s *ParquetStore) ReadBars(_ context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	for year := start.Year(); year <= end.Year(); year++ {
		path := s.barPath(symbol, year)

		records, err := readParquetFile[BarRecord](path)
		if err != nil {
			continue
		}

		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if (ts.Equal(start) || ts.After(start)) && (ts.Equal(end) || ts.Before(end)) {
				bars = append(bars, domain.Bar{
					Symbol:    r.Symbol,
					Timestamp: ts,
					Open:      r.Open,
					High:      r.High,
					Low:       r.Low,
					Close:     r.Close,
					Volume:    r.Volume,
				})
			}
		}
	}
	return bars, nil
}

// ListSymbols lists all symbols that have cached bar history.
func (s *ParquetStore) ListSymbols(_ context.Context) ([]string, error) {
	dir := filepath.Join(s.DataDir, "bars")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ---------------------------------------------------------------------------
// Run artifacts
// ---------------------------------------------------------------------------

// WriteRunArtifacts persists the equity curve and trade log of a backtest
// run under <DataDir>/runs/<runID>/.
func (s *ParquetStore) WriteRunArtifacts(_ context.Context, res *domain.BacktestResult) error {
	curve := make([]EquityRecord, len(res.EquityCurve))
	for i, p := range res.EquityCurve {
		curve[i] = EquityRecord{Timestamp: p.Timestamp.UnixMilli(), Equity: p.Equity}
	}
	if err := writeParquetFile(s.runPath(res.RunID, "equity"), curve); err != nil {
		return fmt.Errorf("writing equity curve for run %s: %w", res.RunID, err)
	}

	trades := make([]TradeLogRecord, len(res.TradeLog))
	for i, e := range res.TradeLog {
		trades[i] = TradeLogRecord{
			Timestamp:  e.Timestamp.UnixMilli(),
			Symbol:     e.Symbol,
			Delta:      e.Delta,
			Price:      e.Price,
			Commission: e.Commission,
			Slippage:   e.Slippage,
			PnL:        e.PnL,
		}
	}
	if err := writeParquetFile(s.runPath(res.RunID, "trades"), trades); err != nil {
		return fmt.Errorf("writing trade log for run %s: %w", res.RunID, err)
	}
	return nil
}

// ReadEquityCurve reads back the equity curve for a run.
func (s *ParquetStore) ReadEquityCurve(_ context.Context, runID string) ([]domain.EquityPoint, error) {
	records, err := readParquetFile[EquityRecord](s.runPath(runID, "equity"))
	if err != nil {
		return nil, fmt.Errorf("reading equity curve for run %s: %w", runID, err)
	}
	points := make([]domain.EquityPoint, len(records))
	for i, r := range records {
		points[i] = domain.EquityPoint{
			Timestamp: time.UnixMilli(r.Timestamp).UTC(),
			Equity:    r.Equity,
		}
	}
	return points, nil
}

// ReadTradeLog reads back the trade log for a run.
func (s *ParquetStore) ReadTradeLog(_ context.Context, runID string) ([]domain.TradeLogEntry, error) {
	records, err := readParquetFile[TradeLogRecord](s.runPath(runID, "trades"))
	if err != nil {
		return nil, fmt.Errorf("reading trade log for run %s: %w", runID, err)
	}
	entries := make([]domain.TradeLogEntry, len(records))
	for i, r := range records {
		entries[i] = domain.TradeLogEntry{
			Timestamp:  time.UnixMilli(r.Timestamp).UTC(),
			Symbol:     r.Symbol,
			Delta:      r.Delta,
			Price:      r.Price,
			Commission: r.Commission,
			Slippage:   r.Slippage,
			PnL:        r.PnL,
		}
	}
	return entries, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// barPath returns the filesystem path for a bar Parquet file.
// Layout: <dataDir>/bars/<SYMBOL>/<YYYY>.parquet
// barPath folds pair separators into dashes so "BTC/USD" and "btc-usd"
// share one cache directory.
func (s *ParquetStore) barPath(symbol string, year int) string {
	dir := strings.ToUpper(strings.ReplaceAll(symbol, "/", "-"))
	return filepath.Join(s.DataDir, "bars", dir, fmt.Sprintf("%d.parquet", year))
}

// runPath returns the filesystem path for a run artifact.
// Layout: <dataDir>/runs/<runID>/<name>.parquet
func (s *ParquetStore) runPath(runID, name string) string {
	return filepath.Join(s.DataDir, "runs", runID, name+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeBarRecords deduplicates bar records by (symbol, timestamp), preferring
// incoming records over existing ones. Results are sorted by timestamp.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	type key struct {
		symbol string
		ts     int64
	}
	seen := make(map[key]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Symbol, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.Symbol, r.Timestamp}] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
