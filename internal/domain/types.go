// Package domain defines the core value types shared across the alphalab
// engine: bars and panels of market history, signal matrices, live
// recommendations with their terminal outcomes, tuner adjustments, and
// backtest results.
package domain

import (
	"fmt"
	"sort"
	"time"
)

// Bar is a single OHLCV observation for one instrument.
type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// ---------------------------------------------------------------------------
// Panel
// ---------------------------------------------------------------------------

// Panel is an immutable mapping from instrument symbol to an ordered bar
// series, sharing a unified timestamp axis (the sorted union of all
// per-instrument timestamps). Gaps stay gaps: a missing bar is represented
// as absent, never synthesized.
type Panel struct {
	symbols    []string // sorted, fixed at construction
	timestamps []time.Time
	series     map[string][]Bar
	index      map[string]map[int64]int // symbol -> unix-nano -> bar index
}

// NewPanel builds a Panel from per-symbol bar series. Timestamps within one
// instrument must be strictly increasing.
func NewPanel(series map[string][]Bar) (*Panel, error) {
	p := &Panel{
		series: make(map[string][]Bar, len(series)),
		index:  make(map[string]map[int64]int, len(series)),
	}

	seen := make(map[int64]struct{})
	for symbol, bars := range series {
		for i := 1; i < len(bars); i++ {
			if !bars[i].Timestamp.After(bars[i-1].Timestamp) {
				return nil, fmt.Errorf("panel: %s: timestamps not strictly increasing at index %d", symbol, i)
			}
		}
		idx := make(map[int64]int, len(bars))
		for i, b := range bars {
			ns := b.Timestamp.UnixNano()
			idx[ns] = i
			seen[ns] = struct{}{}
		}
		p.symbols = append(p.symbols, symbol)
		p.series[symbol] = bars
		p.index[symbol] = idx
	}
	sort.Strings(p.symbols)

	p.timestamps = make([]time.Time, 0, len(seen))
	for ns := range seen {
		p.timestamps = append(p.timestamps, time.Unix(0, ns).UTC())
	}
	sort.Slice(p.timestamps, func(i, j int) bool { return p.timestamps[i].Before(p.timestamps[j]) })

	return p, nil
}

// Symbols returns the panel's instruments in their fixed sorted order.
func (p *Panel) Symbols() []string { return p.symbols }

// Timestamps returns the unified timestamp axis.
func (p *Panel) Timestamps() []time.Time { return p.timestamps }

// NumBars returns the length of the unified timestamp axis.
func (p *Panel) NumBars() int { return len(p.timestamps) }

// Series returns the ordered bar series for a symbol (nil if absent).
func (p *Panel) Series(symbol string) []Bar { return p.series[symbol] }

// BarAt returns the bar for symbol at the t-th unified timestamp. The second
// return value is false when the instrument has a gap there.
func (p *Panel) BarAt(symbol string, t int) (Bar, bool) {
	idx, ok := p.index[symbol]
	if !ok || t < 0 || t >= len(p.timestamps) {
		return Bar{}, false
	}
	i, ok := idx[p.timestamps[t].UnixNano()]
	if !ok {
		return Bar{}, false
	}
	return p.series[symbol][i], true
}

// ---------------------------------------------------------------------------
// Signal matrix
// ---------------------------------------------------------------------------

// SignalMatrix holds one value per (timestamp, instrument). Cells are NaN
// during warm-up or where arithmetic was undefined. Built once per run and
// treated as immutable thereafter.
type SignalMatrix struct {
	Timestamps []time.Time
	Symbols    []string    // same order as the source panel
	Values     [][]float64 // [timestamp][symbol]
}

// At returns the value for the t-th timestamp and n-th symbol.
func (m *SignalMatrix) At(t, n int) float64 { return m.Values[t][n] }

// ---------------------------------------------------------------------------
// Recommendations and outcomes
// ---------------------------------------------------------------------------

// Direction of a recommendation.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// RecStatus is the lifecycle status of a recommendation.
type RecStatus string

const (
	RecStatusActive RecStatus = "ACTIVE"
	RecStatusClosed RecStatus = "CLOSED"
)

// Recommendation is a live trading recommendation produced by a strategy.
// Created once; resolved to exactly one terminal Outcome.
type Recommendation struct {
	ID            string
	StrategyName  string
	Symbol        string
	Direction     Direction
	EntryPrice    float64
	TargetPrice   float64
	StopLossPrice float64
	Confidence    float64 // 0..100
	ExpiresAt     time.Time
	PositionSize  float64
	ParamSnapshot map[string]float64
	Status        RecStatus
	CreatedAt     time.Time
}

// OutcomeType classifies how a recommendation resolved.
type OutcomeType string

const (
	OutcomeTargetHit OutcomeType = "TARGET_HIT"
	OutcomeStopped   OutcomeType = "STOPPED"
	OutcomeExpired   OutcomeType = "EXPIRED"
)

// Outcome is the immutable terminal resolution of a recommendation.
type Outcome struct {
	RecommendationID string
	Type             OutcomeType
	PnLAmount        float64
	PnLPct           float64
	HoldDuration     time.Duration
	ResolvedAt       time.Time
}

// ---------------------------------------------------------------------------
// Tuner adjustments
// ---------------------------------------------------------------------------

// AdjustmentStatus is the lifecycle status of a proposed parameter change.
// Legal transitions: PENDING -> APPROVED -> APPLIED, PENDING -> REVERTED.
type AdjustmentStatus string

const (
	AdjustmentPending  AdjustmentStatus = "PENDING"
	AdjustmentApproved AdjustmentStatus = "APPROVED"
	AdjustmentApplied  AdjustmentStatus = "APPLIED"
	AdjustmentReverted AdjustmentStatus = "REVERTED"
)

// CanTransition reports whether moving from s to next is a legal advance.
// Status never regresses.
func (s AdjustmentStatus) CanTransition(next AdjustmentStatus) bool {
	switch s {
	case AdjustmentPending:
		return next == AdjustmentApproved || next == AdjustmentReverted
	case AdjustmentApproved:
		return next == AdjustmentApplied
	default:
		return false
	}
}

// Adjustment is a proposed, bounded change to one strategy parameter.
type Adjustment struct {
	ID           string
	StrategyName string
	Parameter    string
	OldValue     float64
	NewValue     float64
	Reason       string
	Context      map[string]float64 // metrics that triggered the proposal
	Status       AdjustmentStatus
	CreatedAt    time.Time
}

// ---------------------------------------------------------------------------
// Metric snapshots
// ---------------------------------------------------------------------------

// MetricSnapshot is a per-strategy trailing-window performance rollup.
// Snapshots are recomputed periodically; superseded ones are retained for
// history and never mutated.
type MetricSnapshot struct {
	StrategyName string
	Period       string // e.g. "24h", "7d", "30d"
	SignalCount  int
	WinRate      float64 // 0..1
	AvgPnLPct    float64
	TotalPnL     float64
	ExpiryRate   float64 // 0..1
	Sharpe       float64
	Sortino      float64
	MaxDrawdown  float64
	ProfitFactor float64
	ComputedAt   time.Time
}

// ---------------------------------------------------------------------------
// Backtest results
// ---------------------------------------------------------------------------

// EquityPoint is one entry of an equity curve.
type EquityPoint struct {
	Timestamp time.Time
	Equity    float64
}

// TradeLogEntry records a position change applied at one bar.
type TradeLogEntry struct {
	Timestamp  time.Time
	Symbol     string
	Delta      float64 // change in held units
	Price      float64
	Commission float64
	Slippage   float64
	PnL        float64 // P&L realized on this bar from the prior position
}

// SkippedInstrument explains why an instrument was excluded from a run.
type SkippedInstrument struct {
	Symbol string
	Reason string
}

// BacktestResult is the full record of one backtest run, consumed by the
// persistence sink and any downstream reporting layer.
type BacktestResult struct {
	RunID       string
	Engine      string // engine identity, e.g. "alphalab-v1"
	Formula     string // formula text or strategy name
	Symbols     []string
	Start       time.Time
	End         time.Time
	Bars        int
	FinalEquity float64
	EquityCurve []EquityPoint
	Exposure    []float64 // per-bar net exposure: held notional / equity
	TradeLog    []TradeLogEntry
	Skipped     []SkippedInstrument

	// Summary metrics.
	TotalReturn  float64
	Sharpe       float64
	Sortino      float64
	MaxDrawdown  float64
	CAGR         float64
	Omega        float64
	ProfitFactor float64
	VaR95        float64
	CVaR95       float64

	// Optional hypothesis-test p-values (nil when tests were not run).
	Hypothesis map[string]float64
	CreatedAt  time.Time
}
