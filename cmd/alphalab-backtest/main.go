package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"alphalab/internal/analytics"
	"alphalab/internal/backtest"
	"alphalab/internal/config"
	"alphalab/internal/domain"
	"alphalab/internal/formula"
	"alphalab/internal/marketdata"
	"alphalab/internal/store"
	"alphalab/internal/util"
)

func main() {
	var (
		formulaText = flag.String("formula", "", `alpha formula, e.g. "ls_25/75(mac_10/40(close))"`)
		symbolsCSV  = flag.String("symbols", "", "comma-separated instruments (default: every cached symbol)")
		interval    = flag.String("interval", "1h", "bar interval: 1m, 1h or 1d")
		startStr    = flag.String("start", "", "history start, RFC3339 or YYYY-MM-DD (default: 90 days back)")
		endStr      = flag.String("end", "", "history end (default: now)")
		label       = flag.String("label", "", "run label stored with the result (default: the formula text)")
		refresh     = flag.Bool("refresh", false, "fetch bars from Alpaca and update the local cache")
		hypothesis  = flag.Bool("hypothesis", false, "run Monte Carlo permutation tests on the run")
		perms       = flag.Int("permutations", 1000, "permutation count for hypothesis tests")
		seed        = flag.Int64("seed", 42, "RNG seed for hypothesis tests")
	)
	flag.Parse()

	if *formulaText == "" {
		flag.Usage()
		log.Fatal("missing required -formula")
	}
	// Fail on a malformed formula before touching any market data.
	if _, err := formula.Parse(*formulaText); err != nil {
		log.Fatalf("formula: %v", err)
	}

	cfgPath := "config/alphalab.yaml"
	if p := os.Getenv("ALPHALAB_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	end := time.Now().UTC()
	if *endStr != "" {
		if end, err = parseTime(*endStr); err != nil {
			log.Fatalf("invalid -end: %v", err)
		}
	}
	start := end.Add(-90 * 24 * time.Hour)
	if *startStr != "" {
		if start, err = parseTime(*startStr); err != nil {
			log.Fatalf("invalid -start: %v", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pstore := store.NewParquetStore(cfg.Storage.DataDir)

	symbols := splitSymbols(*symbolsCSV)
	if len(symbols) == 0 {
		if symbols, err = pstore.ListSymbols(ctx); err != nil {
			log.Fatalf("listing cached symbols: %v", err)
		}
		if len(symbols) == 0 {
			log.Fatal("no cached symbols; pass -symbols with -refresh to fetch history")
		}
	}

	panel, err := loadPanel(ctx, cfg, pstore, symbols, *interval, start, end, *refresh)
	if err != nil {
		log.Fatalf("building panel: %v", err)
	}

	engine := backtest.New(backtest.Config{
		PortfolioVol:      cfg.Backtest.PortfolioVol,
		InitialEquity:     cfg.Backtest.InitialEquity,
		VolWindow:         cfg.Backtest.VolWindow,
		BarsPerYear:       cfg.Backtest.BarsPerYear,
		DefaultCommission: cfg.Backtest.CommissionRate,
		DefaultSlippage:   cfg.Backtest.SlippageRate,
	})

	matrix, err := formula.Eval(*formulaText, panel)
	if err != nil {
		log.Fatalf("evaluating formula: %v", err)
	}

	runLabel := *label
	if runLabel == "" {
		runLabel = *formulaText
	}

	res, err := engine.Run(ctx, backtest.NewMatrixSource(matrix), panel, runLabel)
	if err != nil {
		log.Fatalf("backtest: %v", err)
	}

	if *hypothesis {
		initial := cfg.Backtest.InitialEquity
		if initial == 0 {
			initial = 10000
		}
		backend := analytics.Select(true, *seed, *perms)
		// Selection stays nil: vol-targeted positions are a weighted book,
		// not a single-instrument pick per bar, so the picker test has no
		// defined input here.
		res.Hypothesis = backend.Hypothesis(analytics.HypothesisInput{
			StrategyReturns: analytics.ReturnsFromEquity(res.EquityCurve, initial),
			Exposure:        res.Exposure,
			BarReturns:      analytics.BarReturns(panel),
			TradeReturns:    analytics.TradeReturns(res.TradeLog),
		})
	}

	sq, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening sqlite store: %v", err)
	}
	defer sq.Close()

	results := store.NewBufferedResultStore(sq, logger)
	if err := results.SaveResult(ctx, res); err != nil {
		log.Fatalf("saving result: %v", err)
	}
	if err := pstore.WriteRunArtifacts(ctx, res); err != nil {
		log.Fatalf("writing run artifacts: %v", err)
	}

	printResult(res)
}

func loadPanel(ctx context.Context, cfg *config.Config, pstore *store.ParquetStore,
	symbols []string, interval string, start, end time.Time, refresh bool) (*domain.Panel, error) {

	if refresh {
		if cfg.Alpaca.APIKey == "" {
			return nil, fmt.Errorf("-refresh needs Alpaca credentials (APCA_API_KEY_ID / APCA_API_SECRET_KEY)")
		}
		provider := marketdata.NewAlpacaProvider(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, "", 0)
		panel, report, err := marketdata.BuildPanel(ctx, provider, symbols, interval, start, end)
		if err != nil {
			return nil, err
		}
		for _, sym := range report.Loaded {
			if err := pstore.WriteBars(ctx, panel.Series(sym)); err != nil {
				return nil, fmt.Errorf("caching %s: %w", sym, err)
			}
		}
		return panel, nil
	}

	series := make(map[string][]domain.Bar, len(symbols))
	for _, sym := range symbols {
		bars, err := pstore.ReadBars(ctx, sym, start, end)
		if err != nil {
			return nil, fmt.Errorf("reading cached bars for %s: %w", sym, err)
		}
		if len(bars) == 0 {
			continue
		}
		series[sym] = bars
	}
	if len(series) == 0 {
		return nil, fmt.Errorf("no cached bars in [%s, %s]; run with -refresh first",
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return domain.NewPanel(series)
}

func printResult(res *domain.BacktestResult) {
	fmt.Printf("run      %s\n", res.RunID)
	fmt.Printf("formula  %s\n", res.Formula)
	fmt.Printf("span     %s .. %s  (%d bars, %d instruments)\n",
		res.Start.Format("2006-01-02 15:04"), res.End.Format("2006-01-02 15:04"),
		res.Bars, len(res.Symbols))
	fmt.Printf("equity   %.2f  (total return %+.2f%%, CAGR %+.2f%%)\n",
		res.FinalEquity, res.TotalReturn*100, res.CAGR*100)
	fmt.Printf("sharpe   %.3f   sortino %.3f   max drawdown %.2f%%\n",
		res.Sharpe, res.Sortino, res.MaxDrawdown*100)
	fmt.Printf("omega    %.3f   profit factor %.3f   VaR95 %.4f   CVaR95 %.4f\n",
		res.Omega, res.ProfitFactor, res.VaR95, res.CVaR95)

	if len(res.Hypothesis) > 0 {
		keys := make([]string, 0, len(res.Hypothesis))
		for k := range res.Hypothesis {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			p := res.Hypothesis[k]
			verdict := "not significant"
			if p < analytics.Significance {
				verdict = "significant"
			}
			fmt.Printf("%-9s p=%.4f  (%s)\n", k, p, verdict)
		}
	}

	for _, sk := range res.Skipped {
		fmt.Printf("skipped  %s: %s\n", sk.Symbol, sk.Reason)
	}
	if math.IsNaN(res.Sharpe) {
		fmt.Println("warning: too few bars for a stable Sharpe estimate")
	}
}

func splitSymbols(csv string) []string {
	if csv == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(csv, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, strings.ToUpper(s))
		}
	}
	return out
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC3339 or YYYY-MM-DD, got %q", s)
	}
	return t.UTC(), nil
}
