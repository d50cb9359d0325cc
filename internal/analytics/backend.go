package analytics

import (
	"math/rand"

	"alphalab/internal/domain"
)

// HypothesisInput carries the decision sequences a backend needs for the
// permutation tests. Fields may be left nil; tests without their inputs are
// skipped rather than failed.
type HypothesisInput struct {
	StrategyReturns   []float64   // per-bar strategy returns
	Exposure          []float64   // per-bar net exposure (timer test)
	BarReturns        []float64   // underlying per-bar market returns
	Selection         []int       // chosen instrument per bar, -1 = flat (picker test)
	InstrumentReturns [][]float64 // [bar][instrument] returns, NaN = unavailable
	TradeReturns      []float64   // realized per-trade returns
}

// Backend is a simulation analytics backend. A minimal built-in backend is
// always available; a richer one is selected once at process start when
// hypothesis testing is enabled, never re-checked per call.
type Backend interface {
	Name() string
	Summarize(returns []float64, curve []domain.EquityPoint, initial, barsPerYear, years float64) Summary

	// Hypothesis runs the supported permutation tests and returns their
	// p-values keyed timer_p/picker_p/trader_p1/trader_p2. The core
	// backend returns nil.
	Hypothesis(in HypothesisInput) map[string]float64
}

// Select picks the backend once at startup.
func Select(hypothesis bool, seed int64, permutations int) Backend {
	if hypothesis {
		return &fullBackend{seed: seed, perms: permutations}
	}
	return coreBackend{}
}

// coreBackend computes summary metrics only.
type coreBackend struct{}

func (coreBackend) Name() string { return "core" }

func (coreBackend) Summarize(returns []float64, curve []domain.EquityPoint, initial, barsPerYear, years float64) Summary {
	return Summarize(returns, curve, initial, barsPerYear, years)
}

func (coreBackend) Hypothesis(HypothesisInput) map[string]float64 { return nil }

// fullBackend adds the Monte Carlo permutation tests. Each Hypothesis call
// reseeds from the configured seed, keeping reported p-values reproducible.
type fullBackend struct {
	seed  int64
	perms int
}

func (b *fullBackend) Name() string { return "full" }

func (b *fullBackend) Summarize(returns []float64, curve []domain.EquityPoint, initial, barsPerYear, years float64) Summary {
	return Summarize(returns, curve, initial, barsPerYear, years)
}

func (b *fullBackend) Hypothesis(in HypothesisInput) map[string]float64 {
	rng := rand.New(rand.NewSource(b.seed))
	out := make(map[string]float64)

	if in.Exposure != nil && in.BarReturns != nil {
		out["timer_p"] = TimerP(in.Exposure, in.BarReturns, b.perms, rng).P
	}
	if in.Selection != nil && in.InstrumentReturns != nil {
		out["picker_p"] = PickerP(in.Selection, in.InstrumentReturns, b.perms, rng).P
	}
	if in.TradeReturns != nil && in.BarReturns != nil {
		out["trader_p1"] = TraderP1(in.TradeReturns, in.BarReturns, b.perms, rng).P
	}
	if in.StrategyReturns != nil {
		out["trader_p2"] = TraderP2(in.StrategyReturns, b.perms, rng).P
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
