package formula

import (
	"math"
	"sort"

	"alphalab/internal/domain"
)

// Eval parses and evaluates a formula against a panel in one call.
func Eval(text string, p *domain.Panel) (*domain.SignalMatrix, error) {
	node, err := Parse(text)
	if err != nil {
		return nil, err
	}
	return Evaluate(node, p)
}

// Evaluate computes the signal matrix for a parsed formula. Evaluation is a
// post-order traversal; every intermediate is a T×N matrix over the panel's
// unified timestamp axis and fixed symbol order. Warm-up cells and undefined
// arithmetic resolve to NaN. Repeated evaluation of the same tree against
// the same panel is bit-for-bit identical: all aggregation is index-ordered.
func Evaluate(root *Node, p *domain.Panel) (*domain.SignalMatrix, error) {
	ev := &evaluator{panel: p, t: p.NumBars(), n: len(p.Symbols())}
	values := ev.eval(root)
	return &domain.SignalMatrix{
		Timestamps: p.Timestamps(),
		Symbols:    p.Symbols(),
		Values:     values,
	}, nil
}

type evaluator struct {
	panel *domain.Panel
	t, n  int
}

func (ev *evaluator) eval(node *Node) [][]float64 {
	switch node.kind {
	case nodeNumber:
		return ev.constant(node.number)
	case nodeColumn:
		return ev.column(node.column)
	default:
		args := make([][][]float64, len(node.args))
		for i, a := range node.args {
			args[i] = ev.eval(a)
		}
		return ev.apply(node, args)
	}
}

func (ev *evaluator) apply(node *Node, args [][][]float64) [][]float64 {
	switch node.op.name {
	case "logret":
		return ev.logret(args[0], node.n1)
	case "volatility":
		return ev.rollingStd(ev.logret(args[0], 1), node.n1)
	case "mean":
		return ev.rolling(args[0], node.n1, meanOf)
	case "max":
		return ev.rolling(args[0], node.n1, maxOf)
	case "min":
		return ev.rolling(args[0], node.n1, minOf)
	case "ts_rank":
		return ev.tsRank(args[0], node.n1)
	case "cs_rank":
		return ev.csRank(args[0])
	case "ls":
		return ev.longShort(args[0], float64(node.n1), float64(node.n2))
	case "mac":
		return ev.mac(args[0], node.n1, node.n2)
	case "abs":
		return ev.unary(args[0], math.Abs)
	case "sign":
		return ev.unary(args[0], signOf)
	case "log":
		return ev.unary(args[0], safeLog)
	case "div":
		return ev.binary(args[0], args[1], safeDiv)
	case "mult":
		return ev.binary(args[0], args[1], func(a, b float64) float64 { return a * b })
	case "plus":
		return ev.binary(args[0], args[1], func(a, b float64) float64 { return a + b })
	default: // "minus"
		return ev.binary(args[0], args[1], func(a, b float64) float64 { return a - b })
	}
}

// ---------------------------------------------------------------------------
// Leaves
// ---------------------------------------------------------------------------

func (ev *evaluator) alloc() [][]float64 {
	m := make([][]float64, ev.t)
	for t := range m {
		m[t] = make([]float64, ev.n)
	}
	return m
}

func (ev *evaluator) constant(v float64) [][]float64 {
	m := ev.alloc()
	for t := range m {
		for n := range m[t] {
			m[t][n] = v
		}
	}
	return m
}

func (ev *evaluator) column(name string) [][]float64 {
	m := ev.alloc()
	for n, symbol := range ev.panel.Symbols() {
		for t := 0; t < ev.t; t++ {
			bar, ok := ev.panel.BarAt(symbol, t)
			if !ok {
				m[t][n] = math.NaN()
				continue
			}
			switch name {
			case "open":
				m[t][n] = bar.Open
			case "high":
				m[t][n] = bar.High
			case "low":
				m[t][n] = bar.Low
			case "close":
				m[t][n] = bar.Close
			default:
				m[t][n] = bar.Volume
			}
		}
	}
	return m
}

// ---------------------------------------------------------------------------
// Element-wise operators
// ---------------------------------------------------------------------------

func (ev *evaluator) unary(a [][]float64, f func(float64) float64) [][]float64 {
	m := ev.alloc()
	for t := range m {
		for n := range m[t] {
			v := a[t][n]
			if math.IsNaN(v) {
				m[t][n] = math.NaN()
			} else {
				m[t][n] = f(v)
			}
		}
	}
	return m
}

func (ev *evaluator) binary(a, b [][]float64, f func(x, y float64) float64) [][]float64 {
	m := ev.alloc()
	for t := range m {
		for n := range m[t] {
			x, y := a[t][n], b[t][n]
			if math.IsNaN(x) || math.IsNaN(y) {
				m[t][n] = math.NaN()
			} else {
				m[t][n] = f(x, y)
			}
		}
	}
	return m
}

func signOf(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// safeLog resolves log of non-positive input to NaN rather than -Inf/panic.
func safeLog(v float64) float64 {
	if v <= 0 {
		return math.NaN()
	}
	return math.Log(v)
}

// safeDiv resolves division by zero to NaN, never an exception.
func safeDiv(a, b float64) float64 {
	if b == 0 {
		return math.NaN()
	}
	return a / b
}

// ---------------------------------------------------------------------------
// Windowed transforms
// ---------------------------------------------------------------------------

// logret computes the N-period log return of its input.
func (ev *evaluator) logret(a [][]float64, n int) [][]float64 {
	m := ev.alloc()
	for t := range m {
		for j := range m[t] {
			if t < n {
				m[t][j] = math.NaN()
				continue
			}
			cur, prev := a[t][j], a[t-n][j]
			if math.IsNaN(cur) || math.IsNaN(prev) || cur <= 0 || prev <= 0 {
				m[t][j] = math.NaN()
				continue
			}
			m[t][j] = math.Log(cur / prev)
		}
	}
	return m
}

// rolling applies agg over each trailing window of length n. Windows that
// contain a NaN (including warm-up) produce NaN.
func (ev *evaluator) rolling(a [][]float64, n int, agg func([]float64) float64) [][]float64 {
	m := ev.alloc()
	window := make([]float64, n)
	for t := range m {
		for j := range m[t] {
			if t < n-1 {
				m[t][j] = math.NaN()
				continue
			}
			ok := true
			for k := 0; k < n; k++ {
				v := a[t-n+1+k][j]
				if math.IsNaN(v) {
					ok = false
					break
				}
				window[k] = v
			}
			if !ok {
				m[t][j] = math.NaN()
				continue
			}
			m[t][j] = agg(window)
		}
	}
	return m
}

// rollingStd is the sample standard deviation over trailing windows of n
// observations of the input (used for volatility over 1-period returns).
func (ev *evaluator) rollingStd(a [][]float64, n int) [][]float64 {
	return ev.rolling(a, n, stdOf)
}

// tsRank gives the percentile rank of the current value within its own
// trailing n-window, in [0, 1].
func (ev *evaluator) tsRank(a [][]float64, n int) [][]float64 {
	m := ev.alloc()
	for t := range m {
		for j := range m[t] {
			if t < n-1 {
				m[t][j] = math.NaN()
				continue
			}
			cur := a[t][j]
			if math.IsNaN(cur) {
				m[t][j] = math.NaN()
				continue
			}
			below, defined := 0, 0
			nan := false
			for k := t - n + 1; k <= t; k++ {
				v := a[k][j]
				if math.IsNaN(v) {
					nan = true
					break
				}
				defined++
				if v < cur {
					below++
				}
			}
			if nan || defined < 2 {
				m[t][j] = math.NaN()
				continue
			}
			m[t][j] = float64(below) / float64(defined-1)
		}
	}
	return m
}

// mac is the difference of two moving averages: SMA(n1) - SMA(n2).
func (ev *evaluator) mac(a [][]float64, n1, n2 int) [][]float64 {
	fast := ev.rolling(a, n1, meanOf)
	slow := ev.rolling(a, n2, meanOf)
	return ev.binary(fast, slow, func(x, y float64) float64 { return x - y })
}

// ---------------------------------------------------------------------------
// Cross-sectional operators
// ---------------------------------------------------------------------------

// csRank ranks all instruments' current value to [0, 1] at each timestamp.
// Ties break by the panel's fixed symbol order, keeping output deterministic.
func (ev *evaluator) csRank(a [][]float64) [][]float64 {
	m := ev.alloc()
	for t := range m {
		m[t] = csRankRow(a[t])
	}
	return m
}

// csRankRow ranks one timestamp's cross-section. NaN cells stay NaN; a
// single defined value ranks 0.5.
func csRankRow(row []float64) []float64 {
	out := make([]float64, len(row))
	var idx []int
	for j, v := range row {
		if math.IsNaN(v) {
			out[j] = math.NaN()
		} else {
			idx = append(idx, j)
		}
	}
	switch len(idx) {
	case 0:
		return out
	case 1:
		out[idx[0]] = 0.5
		return out
	}
	sort.SliceStable(idx, func(a, b int) bool {
		if row[idx[a]] != row[idx[b]] {
			return row[idx[a]] < row[idx[b]]
		}
		return idx[a] < idx[b]
	})
	denom := float64(len(idx) - 1)
	for rank, j := range idx {
		out[j] = float64(rank) / denom
	}
	return out
}

// longShort assigns short weights to the bottom p1 percentile and long
// weights to the top (100-p2) percentile of each timestamp's cross-sectional
// rank. Magnitude scales with normalized distance from the nearest included
// band boundary; everything between the bands gets zero.
func (ev *evaluator) longShort(a [][]float64, p1, p2 float64) [][]float64 {
	m := ev.alloc()
	for t := range m {
		ranks := csRankRow(a[t])
		for j, r := range ranks {
			if math.IsNaN(r) {
				m[t][j] = math.NaN()
				continue
			}
			pct := r * 100
			switch {
			case p1 > 0 && pct <= p1:
				m[t][j] = -(p1 - pct) / p1
			case p2 < 100 && pct >= p2:
				m[t][j] = (pct - p2) / (100 - p2)
			default:
				m[t][j] = 0
			}
		}
	}
	return m
}

// ---------------------------------------------------------------------------
// Aggregation helpers
// ---------------------------------------------------------------------------

func meanOf(vs []float64) float64 {
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

func maxOf(vs []float64) float64 {
	m := vs[0]
	for _, v := range vs[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func minOf(vs []float64) float64 {
	m := vs[0]
	for _, v := range vs[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// stdOf is the sample standard deviation.
func stdOf(vs []float64) float64 {
	if len(vs) < 2 {
		return math.NaN()
	}
	mean := meanOf(vs)
	var ss float64
	for _, v := range vs {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(vs)-1))
}
