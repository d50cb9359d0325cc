package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"alphalab/internal/analytics"
	"alphalab/internal/domain"
)

// Config holds the simulation knobs. Zero values fall back to the defaults
// documented on each field.
type Config struct {
	PortfolioVol  float64 // annualized target volatility, default 0.20
	InitialEquity float64 // default 10000
	VolWindow     int     // realized-vol estimate window in bars, default 30
	BarsPerYear   float64 // annualization, 8760 for hourly crypto
	MinHistory    int     // bars an instrument needs to join the run, default VolWindow+2

	// Per-instrument cost rates on traded notional, with flat fallbacks.
	CommissionRate    map[string]float64
	SlippageRate      map[string]float64
	DefaultCommission float64
	DefaultSlippage   float64

	// Crypto markets have no session gaps: every bar is tradeable. Both
	// default true and exist so equities-style calendars can be bolted on.
	WeekendTrading bool
	AroundTheClock bool
}

func (c Config) withDefaults() Config {
	if c.PortfolioVol == 0 {
		c.PortfolioVol = 0.20
	}
	if c.InitialEquity == 0 {
		c.InitialEquity = 10000
	}
	if c.VolWindow == 0 {
		c.VolWindow = 30
	}
	if c.BarsPerYear == 0 {
		c.BarsPerYear = 8760
	}
	if c.MinHistory == 0 {
		c.MinHistory = c.VolWindow + 2
	}
	return c
}

func (c Config) commission(symbol string) float64 {
	if r, ok := c.CommissionRate[symbol]; ok {
		return r
	}
	return c.DefaultCommission
}

func (c Config) slippage(symbol string) float64 {
	if r, ok := c.SlippageRate[symbol]; ok {
		return r
	}
	return c.DefaultSlippage
}

// Engine runs sequential, deterministic backtests. One Engine may be shared
// by concurrent runs: it holds no per-run state.
type Engine struct {
	cfg Config
	log *slog.Logger
}

// New creates an Engine with defaults applied to cfg.
func New(cfg Config) *Engine {
	return &Engine{
		cfg: cfg.withDefaults(),
		log: slog.Default().With("component", "backtest"),
	}
}

// Run executes one backtest of src over the panel. The fold is strictly
// sequential over bars; cancellation is honored at bar boundaries only, so
// a partial equity curve is always valid up to its last entry. On
// cancellation the partial result is returned together with ctx.Err().
func (e *Engine) Run(ctx context.Context, src Source, panel *domain.Panel, label string) (*domain.BacktestResult, error) {
	cfg := e.cfg
	symbols := panel.Symbols()
	nBars := panel.NumBars()

	res := &domain.BacktestResult{
		RunID:     uuid.NewString(),
		Engine:    "alphalab-v1",
		Formula:   label,
		Symbols:   symbols,
		CreatedAt: time.Now().UTC(),
	}
	if nBars > 0 {
		res.Start = panel.Timestamps()[0]
		res.End = panel.Timestamps()[nBars-1]
	}

	// Instruments without enough total history are excluded up front and
	// reported; the rest of the run proceeds unaffected.
	excluded := make([]bool, len(symbols))
	active := 0
	for n, sym := range symbols {
		if len(panel.Series(sym)) < cfg.MinHistory {
			excluded[n] = true
			derr := &DataError{Symbol: sym, Reason: fmt.Sprintf("insufficient history: %d bars, need %d", len(panel.Series(sym)), cfg.MinHistory)}
			res.Skipped = append(res.Skipped, domain.SkippedInstrument{Symbol: sym, Reason: derr.Reason})
			e.log.Warn("skipping instrument", "symbol", sym, "reason", derr.Reason)
			continue
		}
		active++
	}
	if active == 0 {
		return res, fmt.Errorf("backtest: no instrument has %d bars of history", cfg.MinHistory)
	}

	if err := src.Precompute(ctx, panel); err != nil {
		return res, fmt.Errorf("backtest: precompute: %w", err)
	}

	var (
		equity    = cfg.InitialEquity
		positions = make([]float64, len(symbols)) // held units per instrument
		lastPrice = make([]float64, len(symbols))
		hasPrice  = make([]bool, len(symbols))
		closes    = make([][]float64, len(symbols)) // observed closes for vol estimation
		eligible  = make([]bool, len(symbols))
		annFactor = math.Sqrt(cfg.BarsPerYear)
	)

	for t := 0; t < nBars; t++ {
		if err := ctx.Err(); err != nil {
			res.Bars = len(res.EquityCurve)
			res.FinalEquity = equity
			e.fill(res, cfg)
			return res, err
		}
		ts := panel.Timestamps()[t]

		// Mark-to-market the carried positions against this bar's prices.
		var barPnL float64
		for n, sym := range symbols {
			bar, ok := panel.BarAt(sym, t)
			if !ok {
				continue
			}
			if hasPrice[n] && positions[n] != 0 {
				barPnL += positions[n] * (bar.Close - lastPrice[n])
			}
			closes[n] = append(closes[n], bar.Close)
		}

		// Eligibility: instrument priced this bar, not excluded, and with
		// enough observed closes for a realized-vol estimate.
		for n, sym := range symbols {
			_, priced := panel.BarAt(sym, t)
			eligible[n] = priced && !excluded[n] && len(closes[n]) > cfg.VolWindow
		}

		forecast := src.Forecast(t, ts, eligible)

		// Convert forecasts to volatility-targeted positions and charge
		// turnover costs on traded notional.
		var costs float64
		for n, sym := range symbols {
			bar, priced := panel.BarAt(sym, t)
			if !priced {
				// No price this bar: the instrument is excluded from this
				// bar's position set; the held units carry untouched.
				continue
			}
			target := 0.0
			if eligible[n] {
				vol := realizedVol(closes[n], cfg.VolWindow) * annFactor
				if vol > 0 {
					target = nanToZero(forecast[n]) * (cfg.PortfolioVol / vol)
				}
			}
			delta := target - positions[n]
			if delta != 0 {
				notional := math.Abs(delta) * bar.Close
				commission := notional * cfg.commission(sym)
				slip := notional * cfg.slippage(sym)
				costs += commission + slip
				res.TradeLog = append(res.TradeLog, domain.TradeLogEntry{
					Timestamp:  ts,
					Symbol:     sym,
					Delta:      delta,
					Price:      bar.Close,
					Commission: commission,
					Slippage:   slip,
					PnL:        positions[n] * (bar.Close - lastPriceOr(lastPrice, hasPrice, n, bar.Close)),
				})
			}
			positions[n] = target
			lastPrice[n] = bar.Close
			hasPrice[n] = true
		}

		equity += barPnL - costs
		res.EquityCurve = append(res.EquityCurve, domain.EquityPoint{Timestamp: ts, Equity: equity})
		res.Exposure = append(res.Exposure, netExposure(positions, lastPrice, hasPrice, equity))
	}

	res.Bars = len(res.EquityCurve)
	res.FinalEquity = equity
	e.fill(res, cfg)
	return res, nil
}

// fill computes summary metrics from the completed (or partial) curve.
func (e *Engine) fill(res *domain.BacktestResult, cfg Config) {
	if len(res.EquityCurve) == 0 {
		return
	}
	returns := analytics.ReturnsFromEquity(res.EquityCurve, cfg.InitialEquity)
	years := res.EquityCurve[len(res.EquityCurve)-1].Timestamp.Sub(res.Start).Hours() / 24 / 365
	sum := analytics.Summarize(returns, res.EquityCurve, cfg.InitialEquity, cfg.BarsPerYear, years)

	res.TotalReturn = sum.TotalReturn
	res.Sharpe = sum.Sharpe
	res.Sortino = sum.Sortino
	res.MaxDrawdown = sum.MaxDrawdown
	res.CAGR = sum.CAGR
	res.Omega = sum.Omega
	res.VaR95 = sum.VaR95
	res.CVaR95 = sum.CVaR95
	res.ProfitFactor = analytics.ProfitFactor(res.TradeLog)
}

// realizedVol is the sample standard deviation of the trailing window of
// 1-bar log returns over the observed close series (per bar, not annualized).
func realizedVol(closes []float64, window int) float64 {
	if len(closes) < window+1 {
		return math.NaN()
	}
	rets := make([]float64, 0, window)
	for i := len(closes) - window; i < len(closes); i++ {
		prev, cur := closes[i-1], closes[i]
		if prev <= 0 || cur <= 0 {
			return math.NaN()
		}
		rets = append(rets, math.Log(cur/prev))
	}
	mean := 0.0
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	var ss float64
	for _, r := range rets {
		d := r - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(rets)-1))
}

func lastPriceOr(last []float64, has []bool, n int, fallback float64) float64 {
	if has[n] {
		return last[n]
	}
	return fallback
}

// netExposure is the signed held notional as a fraction of equity at the
// end of a bar.
func netExposure(positions, lastPrice []float64, hasPrice []bool, equity float64) float64 {
	if equity == 0 {
		return 0
	}
	var notional float64
	for n, units := range positions {
		if hasPrice[n] {
			notional += units * lastPrice[n]
		}
	}
	return notional / equity
}
