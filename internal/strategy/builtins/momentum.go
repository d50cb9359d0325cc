package builtins

import (
	"context"
	"math"
	"time"

	"alphalab/internal/domain"
	"alphalab/internal/signals"
	"alphalab/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*Momentum)(nil)

// Momentum trades trailing log returns: instruments are scored by their
// return over a lookback window, demeaned cross-sectionally so the forecast
// is a relative bet, not a market-direction bet.
type Momentum struct {
	params   map[string]float64
	lookback int

	forecasts [][]float64
}

// NewMomentum creates a Momentum strategy from a parameter snapshot.
// Recognized parameters: lookback_bars, entry_threshold_pct, min_volume,
// min_confidence, target_pct, stop_pct, expiry_hours, position_size.
func NewMomentum(params map[string]float64) *Momentum {
	lookback := int(pv(params, "lookback_bars", 24))
	if lookback < 1 {
		lookback = 1
	}
	return &Momentum{params: params, lookback: lookback}
}

// Name returns "momentum".
func (m *Momentum) Name() string { return "momentum" }

// Precompute scores every bar of the panel. Cells stay NaN until the
// lookback window is filled or where an instrument has gaps.
func (m *Momentum) Precompute(_ context.Context, panel *domain.Panel) error {
	symbols := panel.Symbols()
	n := panel.NumBars()

	m.forecasts = make([][]float64, n)
	for t := 0; t < n; t++ {
		row := make([]float64, len(symbols))
		for i, symbol := range symbols {
			row[i] = m.trailingReturn(panel, symbol, t)
		}
		demean(row)
		m.forecasts[t] = row
	}
	return nil
}

// Forecast returns the bar's precomputed score row.
func (m *Momentum) Forecast(bar int, _ time.Time, _ []bool) []float64 {
	return m.forecasts[bar]
}

// trailingReturn computes the log return over the lookback window ending at
// the t-th unified timestamp, NaN when either endpoint is missing.
func (m *Momentum) trailingReturn(panel *domain.Panel, symbol string, t int) float64 {
	if t < m.lookback {
		return math.NaN()
	}
	cur, ok := panel.BarAt(symbol, t)
	if !ok || cur.Close <= 0 {
		return math.NaN()
	}
	prev, ok := panel.BarAt(symbol, t-m.lookback)
	if !ok || prev.Close <= 0 {
		return math.NaN()
	}
	return math.Log(cur.Close / prev.Close)
}

// demean subtracts the cross-sectional mean of the defined cells in place.
func demean(row []float64) {
	sum, count := 0.0, 0
	for _, v := range row {
		if !math.IsNaN(v) {
			sum += v
			count++
		}
	}
	if count == 0 {
		return
	}
	mean := sum / float64(count)
	for i, v := range row {
		if !math.IsNaN(v) {
			row[i] = v - mean
		}
	}
}

// Recommend proposes a recommendation for every instrument whose trailing
// return clears entry_threshold_pct, long above and short below, filtered
// by the min_volume liquidity floor.
func (m *Momentum) Recommend(_ context.Context, _ time.Time, panel *domain.Panel) ([]signals.Proposal, error) {
	last := panel.NumBars() - 1
	if last < m.lookback {
		return nil, nil
	}

	var (
		threshold = pv(m.params, "entry_threshold_pct", 2) / 100
		minVolume = pv(m.params, "min_volume", 0)
		minConf   = pv(m.params, "min_confidence", 0)
		targetPct = pv(m.params, "target_pct", 5)
		stopPct   = pv(m.params, "stop_pct", 3)
		expiryHrs = pv(m.params, "expiry_hours", 24)
		size      = pv(m.params, "position_size", 1)
	)

	var proposals []signals.Proposal
	for _, symbol := range panel.Symbols() {
		r := m.trailingReturn(panel, symbol, last)
		if math.IsNaN(r) || math.Abs(r) < threshold {
			continue
		}
		bar, ok := panel.BarAt(symbol, last)
		if !ok || bar.Volume < minVolume {
			continue
		}

		confidence := math.Min(100, 50*math.Abs(r)/threshold)
		if confidence < minConf {
			continue
		}
		proposals = append(proposals, buildProposal(m.Name(), symbol, bar.Close,
			r > 0, targetPct, stopPct, expiryHrs, size, confidence, m.params))
	}
	return proposals, nil
}
