package analytics

import (
	"math"
	"math/rand"
	"testing"
)

func TestTimerPSkilledTiming(t *testing.T) {
	// Bar returns alternate +1% / -1%; the exposure is long exactly on the
	// positive bars. Random timing should almost never match that.
	n := 200
	barReturns := make([]float64, n)
	exposure := make([]float64, n)
	for i := range barReturns {
		if i%2 == 0 {
			barReturns[i] = 0.01
			exposure[i] = 1
		} else {
			barReturns[i] = -0.01
			exposure[i] = 0
		}
	}

	rng := rand.New(rand.NewSource(42))
	res := TimerP(exposure, barReturns, 500, rng)
	if !res.Significant() {
		t.Errorf("p = %v, want < %v for perfectly timed entries", res.P, Significance)
	}
	if res.N != 500 {
		t.Errorf("N = %d, want 500", res.N)
	}
}

func TestTimerPNoSkill(t *testing.T) {
	// Constant exposure: permuting timing changes nothing, so every
	// permutation ties the observed statistic.
	n := 100
	barReturns := make([]float64, n)
	exposure := make([]float64, n)
	for i := range barReturns {
		barReturns[i] = math.Sin(float64(i)) * 0.01
		exposure[i] = 1
	}

	rng := rand.New(rand.NewSource(1))
	res := TimerP(exposure, barReturns, 200, rng)
	if res.P != 1 {
		t.Errorf("p = %v, want 1 for timing-invariant exposure", res.P)
	}
}

func TestPickerPSkilledSelection(t *testing.T) {
	// Instrument 0 always wins, instrument 1 always loses; the selection
	// always picks 0.
	n := 100
	inst := make([][]float64, n)
	selection := make([]int, n)
	for i := range inst {
		wiggle := 0.002 * math.Sin(float64(i))
		inst[i] = []float64{0.01 + wiggle, -0.01 + wiggle}
		selection[i] = 0
	}

	rng := rand.New(rand.NewSource(7))
	res := PickerP(selection, inst, 500, rng)
	if !res.Significant() {
		t.Errorf("p = %v, want < %v for perfect selection", res.P, Significance)
	}
}

func TestTraderP1RandomProcessNotSignificant(t *testing.T) {
	// Trades drawn from the same distribution as the null should not look
	// significant.
	rng := rand.New(rand.NewSource(3))
	barReturns := make([]float64, 300)
	for i := range barReturns {
		barReturns[i] = rng.NormFloat64() * 0.01
	}
	trades := make([]float64, 50)
	for i := range trades {
		trades[i] = barReturns[rng.Intn(len(barReturns))]
	}

	res := TraderP1(trades, barReturns, 500, rand.New(rand.NewSource(9)))
	if res.Significant() {
		t.Errorf("p = %v; random trading should not reject the null", res.P)
	}
}

func TestTraderP2StrongEdgeSurvivesResampling(t *testing.T) {
	// A return series that is positive on nearly every bar keeps a positive
	// Sharpe under bootstrap resampling.
	returns := make([]float64, 200)
	for i := range returns {
		returns[i] = 0.01
		if i%50 == 0 {
			returns[i] = -0.002
		}
	}

	res := TraderP2(returns, 500, rand.New(rand.NewSource(11)))
	if !res.Significant() {
		t.Errorf("p = %v, want < %v for a robust edge", res.P, Significance)
	}
}

func TestPermutationDeterminism(t *testing.T) {
	barReturns := []float64{0.01, -0.02, 0.03, -0.01, 0.02, 0.01, -0.03, 0.015}
	exposure := []float64{1, 0, 1, 0, 1, 1, 0, 1}

	a := TimerP(exposure, barReturns, 200, rand.New(rand.NewSource(5)))
	b := TimerP(exposure, barReturns, 200, rand.New(rand.NewSource(5)))
	if a.P != b.P || a.Observed != b.Observed {
		t.Errorf("same seed gave different results: %+v vs %+v", a, b)
	}
}

func TestBackendHypothesisKeys(t *testing.T) {
	be := Select(true, 17, 100)
	in := HypothesisInput{
		StrategyReturns: []float64{0.01, -0.01, 0.02, 0.0, 0.01},
		Exposure:        []float64{1, 0, 1, 1, 0},
		BarReturns:      []float64{0.01, -0.01, 0.02, 0.0, 0.01},
		TradeReturns:    []float64{0.02, -0.01, 0.03},
	}
	got := be.Hypothesis(in)
	for _, key := range []string{"timer_p", "trader_p1", "trader_p2"} {
		if _, ok := got[key]; !ok {
			t.Errorf("missing p-value %q", key)
		}
	}
	if _, ok := got["picker_p"]; ok {
		t.Error("picker_p should be skipped without selection input")
	}
}
