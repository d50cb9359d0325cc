// Package builtins provides the strategy implementations that ship with
// alphalab: an alpha-formula strategy and a trailing-return momentum
// strategy, both parameterized from a strategy-config snapshot.
package builtins

import (
	"context"
	"math"
	"time"

	"alphalab/internal/domain"
	"alphalab/internal/formula"
	"alphalab/internal/signals"
	"alphalab/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*Formula)(nil)

// Formula evaluates an alpha-formula expression and trades its output. The
// last row of the signal matrix drives live recommendations; the full
// matrix drives backtests.
type Formula struct {
	name   string
	text   string
	params map[string]float64

	matrix *domain.SignalMatrix
}

// NewFormula creates a Formula strategy. The expression is parsed up front
// so a malformed formula fails at construction, before any data is touched.
func NewFormula(name, text string, params map[string]float64) (*Formula, error) {
	if _, err := formula.Parse(text); err != nil {
		return nil, err
	}
	return &Formula{name: name, text: text, params: params}, nil
}

// Name returns the strategy's registered name.
func (f *Formula) Name() string { return f.name }

// Precompute evaluates the formula over the full panel.
func (f *Formula) Precompute(_ context.Context, panel *domain.Panel) error {
	m, err := formula.Eval(f.text, panel)
	if err != nil {
		return err
	}
	f.matrix = m
	return nil
}

// Forecast returns the bar's row of the precomputed matrix.
func (f *Formula) Forecast(bar int, _ time.Time, _ []bool) []float64 {
	return f.matrix.Values[bar]
}

// Recommend evaluates the formula over recent history and proposes a
// recommendation for every instrument whose latest signal clears min_score.
func (f *Formula) Recommend(_ context.Context, _ time.Time, panel *domain.Panel) ([]signals.Proposal, error) {
	if panel.NumBars() == 0 {
		return nil, nil
	}
	m, err := formula.Eval(f.text, panel)
	if err != nil {
		return nil, err
	}

	var (
		minScore  = pv(f.params, "min_score", 0.5)
		minConf   = pv(f.params, "min_confidence", 0)
		minVolume = pv(f.params, "min_volume", 0)
		targetPct = pv(f.params, "target_pct", 5)
		stopPct   = pv(f.params, "stop_pct", 3)
		expiryHrs = pv(f.params, "expiry_hours", 24)
		size      = pv(f.params, "position_size", 1)
	)

	last := panel.NumBars() - 1
	row := m.Values[last]
	var proposals []signals.Proposal
	for i, symbol := range panel.Symbols() {
		v := row[i]
		if math.IsNaN(v) || math.Abs(v) < minScore {
			continue
		}
		bar, ok := panel.BarAt(symbol, last)
		if !ok || bar.Volume < minVolume {
			continue
		}
		confidence := math.Min(100, math.Abs(v)*100)
		if confidence < minConf {
			continue
		}
		proposals = append(proposals, buildProposal(f.name, symbol, bar.Close,
			v > 0, targetPct, stopPct, expiryHrs, size, confidence, f.params))
	}
	return proposals, nil
}

// buildProposal assembles a Proposal with target and stop on the correct
// side of entry for the direction.
func buildProposal(strategyName, symbol string, entry float64, long bool,
	targetPct, stopPct, expiryHrs, size, confidence float64,
	params map[string]float64) signals.Proposal {

	p := signals.Proposal{
		StrategyName: strategyName,
		Symbol:       symbol,
		EntryPrice:   entry,
		Confidence:   confidence,
		ExpiresIn:    time.Duration(expiryHrs * float64(time.Hour)),
		PositionSize: size,
		Params:       params,
	}
	if long {
		p.Direction = domain.DirectionLong
		p.TargetPrice = entry * (1 + targetPct/100)
		p.StopLossPrice = entry * (1 - stopPct/100)
	} else {
		p.Direction = domain.DirectionShort
		p.TargetPrice = entry * (1 - targetPct/100)
		p.StopLossPrice = entry * (1 + stopPct/100)
	}
	return p
}

// pv reads a parameter with a default.
func pv(params map[string]float64, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		return v
	}
	return def
}
