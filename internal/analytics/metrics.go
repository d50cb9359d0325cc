// Package analytics computes risk/return metrics from return series and
// equity curves, and runs Monte Carlo permutation tests against trading
// decision sequences.
package analytics

import (
	"math"
	"sort"

	"alphalab/internal/domain"
)

// Annualization factors. Crypto markets trade every period, so there is no
// calendar-day discounting.
const (
	BarsPerYearHourly = 8760
	BarsPerYearDaily  = 365
	BarsPerYearMinute = 525600
)

// NoDownside is the defined sentinel reported for ratios whose downside
// denominator is empty (a return series with no negative returns, a trade
// log with no losers).
const NoDownside = 999.0

// Summary bundles the standard metrics computed from one return series and
// equity curve.
type Summary struct {
	TotalReturn float64
	Sharpe      float64
	Sortino     float64
	MaxDrawdown float64
	CAGR        float64
	Omega       float64
	VaR95       float64
	CVaR95      float64
}

// ReturnsFromEquity converts an equity curve into simple per-bar returns.
// The first bar's return is taken against the initial equity.
func ReturnsFromEquity(curve []domain.EquityPoint, initial float64) []float64 {
	returns := make([]float64, 0, len(curve))
	prev := initial
	for _, p := range curve {
		if prev != 0 {
			returns = append(returns, (p.Equity-prev)/prev)
		}
		prev = p.Equity
	}
	return returns
}

// BarReturns computes the equal-weighted market return series of a panel:
// element t is the mean simple close-to-close return over the transition
// from unified bar t to t+1, across the instruments priced at both ends.
// Transitions with no such instrument contribute 0.
func BarReturns(p *domain.Panel) []float64 {
	n := p.NumBars()
	if n < 2 {
		return nil
	}
	returns := make([]float64, n-1)
	for t := 0; t < n-1; t++ {
		var sum float64
		var count int
		for _, symbol := range p.Symbols() {
			prev, ok := p.BarAt(symbol, t)
			if !ok || prev.Close <= 0 {
				continue
			}
			cur, ok := p.BarAt(symbol, t+1)
			if !ok {
				continue
			}
			sum += cur.Close/prev.Close - 1
			count++
		}
		if count > 0 {
			returns[t] = sum / float64(count)
		}
	}
	return returns
}

// TradeReturns converts a trade log into per-trade returns: each entry's
// realized PnL relative to the notional it traded. Entries with no traded
// notional are skipped.
func TradeReturns(trades []domain.TradeLogEntry) []float64 {
	returns := make([]float64, 0, len(trades))
	for _, tr := range trades {
		notional := math.Abs(tr.Delta) * tr.Price
		if notional == 0 {
			continue
		}
		returns = append(returns, tr.PnL/notional)
	}
	return returns
}

// Summarize computes the full metric set. years is the elapsed calendar
// span of the curve, used for CAGR.
func Summarize(returns []float64, curve []domain.EquityPoint, initial, barsPerYear, years float64) Summary {
	s := Summary{
		Sharpe:      Sharpe(returns, barsPerYear),
		Sortino:     Sortino(returns, barsPerYear),
		MaxDrawdown: MaxDrawdown(curve),
		Omega:       Omega(returns),
	}
	s.VaR95, s.CVaR95 = VaR95(returns)
	if len(curve) > 0 && initial != 0 {
		final := curve[len(curve)-1].Equity
		s.TotalReturn = (final - initial) / initial
		s.CAGR = CAGR(initial, final, years)
	}
	return s
}

// Sharpe is mean/std of the per-bar returns, annualized by sqrt(barsPerYear).
func Sharpe(returns []float64, barsPerYear float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := meanOf(returns)
	std := stdOf(returns, mean)
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(barsPerYear)
}

// Sortino penalizes only downside volatility. A series with no negative
// returns yields the NoDownside sentinel, never NaN or a panic.
func Sortino(returns []float64, barsPerYear float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := meanOf(returns)
	var ss float64
	neg := 0
	for _, r := range returns {
		if r < 0 {
			ss += r * r
			neg++
		}
	}
	if neg == 0 {
		return NoDownside
	}
	dd := math.Sqrt(ss / float64(len(returns)))
	if dd == 0 {
		return NoDownside
	}
	return mean / dd * math.Sqrt(barsPerYear)
}

// MaxDrawdown is the minimum of equity/runningMax - 1 over the curve,
// expressed as a negative fraction (0 for a curve that never declines).
func MaxDrawdown(curve []domain.EquityPoint) float64 {
	if len(curve) == 0 {
		return 0
	}
	peak := curve[0].Equity
	worst := 0.0
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			dd := p.Equity/peak - 1
			if dd < worst {
				worst = dd
			}
		}
	}
	return worst
}

// CAGR is the compound annual growth rate over the elapsed years.
func CAGR(initial, final, years float64) float64 {
	if initial <= 0 || final <= 0 || years <= 0 {
		return 0
	}
	return math.Pow(final/initial, 1/years) - 1
}

// Omega is the ratio of summed gains to summed losses.
func Omega(returns []float64) float64 {
	var pos, neg float64
	for _, r := range returns {
		if r > 0 {
			pos += r
		} else if r < 0 {
			neg += -r
		}
	}
	if neg == 0 {
		if pos > 0 {
			return NoDownside
		}
		return 0
	}
	return pos / neg
}

// VaR95 returns the 5th percentile of the return distribution and the mean
// of returns at or below it (CVaR).
func VaR95(returns []float64) (float64, float64) {
	if len(returns) == 0 {
		return 0, 0
	}
	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)
	// Nearest-rank percentile: the ceil(0.05*n)-th smallest value.
	idx := int(math.Ceil(0.05*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	v := sorted[idx]

	var sum float64
	count := 0
	for _, r := range sorted {
		if r <= v {
			sum += r
			count++
		}
	}
	return v, sum / float64(count)
}

// ProfitFactor is gross profit over gross loss from the trade log (not raw
// returns). No losing trades yields the NoDownside sentinel.
func ProfitFactor(trades []domain.TradeLogEntry) float64 {
	var profit, loss float64
	for _, t := range trades {
		if t.PnL >= 0 {
			profit += t.PnL
		} else {
			loss += -t.PnL
		}
	}
	if loss == 0 {
		if profit > 0 {
			return NoDownside
		}
		return 0
	}
	return profit / loss
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func meanOf(vs []float64) float64 {
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

func stdOf(vs []float64, mean float64) float64 {
	if len(vs) < 2 {
		return 0
	}
	var ss float64
	for _, v := range vs {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(vs)-1))
}
