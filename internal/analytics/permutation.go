package analytics

import (
	"math"
	"math/rand"
)

// Significance is the p-value threshold below which the null hypothesis is
// rejected.
const Significance = 0.05

// TestResult is the outcome of one Monte Carlo permutation test.
type TestResult struct {
	Observed float64 // observed test statistic (non-annualized Sharpe)
	P        float64 // fraction of permutations at or above the observed value
	N        int     // permutation count
}

// Significant reports whether the null is rejected at the 5% level.
func (r TestResult) Significant() bool { return r.P < Significance }

// statOf is the raw (non-annualized) Sharpe used as the permutation test
// statistic.
func statOf(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := meanOf(returns)
	std := stdOf(returns, mean)
	if std == 0 {
		return 0
	}
	return mean / std
}

// TimerP tests whether entry timing adds skill. Asset selection is held
// fixed while the exposure sequence is permuted across bars; the p-value is
// the fraction of permutations whose Sharpe reaches the observed one.
func TimerP(exposure, barReturns []float64, perms int, rng *rand.Rand) TestResult {
	n := len(exposure)
	if len(barReturns) < n {
		n = len(barReturns)
	}
	observed := statOf(applyExposure(exposure[:n], barReturns[:n], nil))

	hits := 0
	scratch := make([]float64, n)
	for i := 0; i < perms; i++ {
		perm := rng.Perm(n)
		shuffled := make([]float64, n)
		for j, p := range perm {
			shuffled[j] = exposure[p]
		}
		if statOf(applyExposure(shuffled, barReturns[:n], scratch)) >= observed {
			hits++
		}
	}
	return TestResult{Observed: observed, P: frac(hits, perms), N: perms}
}

// PickerP is the symmetric test: timing is held fixed while asset selection
// is permuted across the available instruments at each bar. selection[t] is
// the chosen instrument index at bar t, or -1 when flat; instReturns[t][n]
// is instrument n's return over bar t (NaN where unavailable).
func PickerP(selection []int, instReturns [][]float64, perms int, rng *rand.Rand) TestResult {
	observed := statOf(selectedReturns(selection, instReturns))

	hits := 0
	randomSel := make([]int, len(selection))
	for i := 0; i < perms; i++ {
		for t, s := range selection {
			if s < 0 {
				randomSel[t] = -1
				continue
			}
			randomSel[t] = randomInstrument(instReturns[t], rng)
		}
		if statOf(selectedReturns(randomSel, instReturns)) >= observed {
			hits++
		}
	}
	return TestResult{Observed: observed, P: frac(hits, perms), N: perms}
}

// TraderP1 tests the combined process (order, timing, and sizing jointly)
// against random trading: synthetic trade sequences of the same length draw
// uniformly-random bars and directions from the sample.
func TraderP1(tradeReturns, barReturns []float64, perms int, rng *rand.Rand) TestResult {
	observed := statOf(tradeReturns)
	if len(barReturns) == 0 || len(tradeReturns) == 0 {
		return TestResult{Observed: observed, P: 1, N: perms}
	}

	hits := 0
	synthetic := make([]float64, len(tradeReturns))
	for i := 0; i < perms; i++ {
		for j := range synthetic {
			r := barReturns[rng.Intn(len(barReturns))]
			if rng.Intn(2) == 0 {
				r = -r
			}
			synthetic[j] = r
		}
		if statOf(synthetic) >= observed {
			hits++
		}
	}
	return TestResult{Observed: observed, P: frac(hits, perms), N: perms}
}

// TraderP2 is the overfitting check: the strategy's per-bar return series
// is bootstrap-resampled (with replacement) and the p-value is the fraction
// of alternative paths on which the edge disappears (Sharpe <= 0).
func TraderP2(stratReturns []float64, perms int, rng *rand.Rand) TestResult {
	observed := statOf(stratReturns)
	if len(stratReturns) == 0 {
		return TestResult{Observed: observed, P: 1, N: perms}
	}

	hits := 0
	resampled := make([]float64, len(stratReturns))
	for i := 0; i < perms; i++ {
		for j := range resampled {
			resampled[j] = stratReturns[rng.Intn(len(stratReturns))]
		}
		if statOf(resampled) <= 0 {
			hits++
		}
	}
	return TestResult{Observed: observed, P: frac(hits, perms), N: perms}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// applyExposure multiplies exposure by bar returns, writing into out when
// provided.
func applyExposure(exposure, barReturns, out []float64) []float64 {
	if out == nil || len(out) != len(exposure) {
		out = make([]float64, len(exposure))
	}
	for i := range exposure {
		out[i] = exposure[i] * barReturns[i]
	}
	return out
}

// selectedReturns extracts the chosen instrument's return per bar, skipping
// flat bars and undefined cells.
func selectedReturns(selection []int, instReturns [][]float64) []float64 {
	var out []float64
	for t, s := range selection {
		if s < 0 || s >= len(instReturns[t]) {
			continue
		}
		r := instReturns[t][s]
		if math.IsNaN(r) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// randomInstrument picks a uniformly random instrument with a defined
// return this bar, or -1 when none exists.
func randomInstrument(row []float64, rng *rand.Rand) int {
	var candidates []int
	for n, r := range row {
		if !math.IsNaN(r) {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return -1
	}
	return candidates[rng.Intn(len(candidates))]
}

func frac(hits, total int) float64 {
	if total == 0 {
		return 1
	}
	return float64(hits) / float64(total)
}
