// Package marketdata abstracts the market-data provider consumed by the
// engine: historical OHLCV bars for panel construction and fresh prices for
// live monitoring.
package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"alphalab/internal/domain"
)

// Provider supplies instrument history and live prices. Implementations
// must be tolerant of gaps: return what is available, never synthesize
// missing bars.
type Provider interface {
	// GetHistory returns ordered bars for [start, end] at the given
	// interval ("1h", "1d", "1m").
	GetHistory(ctx context.Context, symbol, interval string, start, end time.Time) ([]domain.Bar, error)

	// GetLatestPrice returns the most recent trade price.
	GetLatestPrice(ctx context.Context, symbol string) (float64, error)
}

// PanelReport describes the outcome of one panel build: which instruments
// made it in and which were dropped and why. Partial success is explicit,
// never hidden behind a generic failure.
type PanelReport struct {
	Loaded  []string
	Skipped []domain.SkippedInstrument
}

// BuildPanel fetches history for every symbol and assembles a Panel.
// Instruments whose fetch fails or returns nothing are reported as skipped;
// the build only errors when no instrument at all loaded.
func BuildPanel(ctx context.Context, p Provider, symbols []string, interval string, start, end time.Time) (*domain.Panel, PanelReport, error) {
	log := slog.Default().With("component", "marketdata")
	series := make(map[string][]domain.Bar, len(symbols))
	var report PanelReport

	for _, symbol := range symbols {
		bars, err := p.GetHistory(ctx, symbol, interval, start, end)
		switch {
		case err != nil:
			report.Skipped = append(report.Skipped, domain.SkippedInstrument{Symbol: symbol, Reason: err.Error()})
			log.Warn("history fetch failed", "symbol", symbol, "error", err)
		case len(bars) == 0:
			report.Skipped = append(report.Skipped, domain.SkippedInstrument{Symbol: symbol, Reason: "no bars returned"})
			log.Warn("no history", "symbol", symbol)
		default:
			series[symbol] = bars
			report.Loaded = append(report.Loaded, symbol)
		}
	}

	if len(series) == 0 {
		return nil, report, fmt.Errorf("marketdata: no instrument returned history")
	}
	panel, err := domain.NewPanel(series)
	if err != nil {
		return nil, report, err
	}
	return panel, report, nil
}
