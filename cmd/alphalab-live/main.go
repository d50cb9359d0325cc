package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"alphalab/internal/config"
	"alphalab/internal/live"
	"alphalab/internal/marketdata"
	"alphalab/internal/params"
	"alphalab/internal/signals"
	"alphalab/internal/store"
	"alphalab/internal/strategy"
	"alphalab/internal/strategy/builtins"
	"alphalab/internal/tuner"
	"alphalab/internal/util"
)

func main() {
	formulaText := flag.String("formula", "", `optional alpha formula to run as a "formula" strategy`)
	flag.Parse()

	cfgPath := "config/alphalab.yaml"
	if p := os.Getenv("ALPHALAB_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
		log.Fatal("alpaca credentials missing: set APCA_API_KEY_ID / APCA_API_SECRET_KEY")
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	sq, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening sqlite store: %v", err)
	}
	defer sq.Close()

	ps := params.NewStore(cfg.Storage.ParamsPath, logger)
	factories := map[string]live.Factory{
		"momentum": func(values map[string]float64) (strategy.Strategy, error) {
			return builtins.NewMomentum(values), nil
		},
	}
	if err := defineMomentumParams(ps); err != nil {
		log.Fatalf("defining momentum parameters: %v", err)
	}

	if *formulaText != "" {
		text := *formulaText
		factories["formula"] = func(values map[string]float64) (strategy.Strategy, error) {
			return builtins.NewFormula("formula", text, values)
		}
		if err := defineFormulaParams(ps); err != nil {
			log.Fatalf("defining formula parameters: %v", err)
		}
	}

	provider := marketdata.NewAlpacaProvider(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, "", 0)

	manager := signals.NewManager(sq, provider,
		signals.Config{FetchTimeout: cfg.Live.FetchTimeout.Std()}, logger)
	tn := tuner.New(ps, sq,
		tuner.Config{MinSignals: cfg.Tuner.MinSignals, MaxRelChange: cfg.Tuner.MaxRelChange}, logger)

	runner, err := live.NewRunner(live.Config{
		Symbols:        cfg.Live.Symbols,
		Interval:       cfg.Live.Interval,
		HistoryBars:    cfg.Live.HistoryBars,
		TickEvery:      cfg.Live.TickEvery.Std(),
		TuneEvery:      cfg.Live.TuneEvery.Std(),
		SnapshotPeriod: cfg.Live.SnapshotPeriod,
		SnapshotWindow: cfg.Live.SnapshotWindow.Std(),
	}, provider, manager, ps, tn, sq, factories, logger)
	if err != nil {
		log.Fatalf("building live runner: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("live pipeline: %v", err)
	}
	logger.Info("live pipeline stopped")
}

// defineMomentumParams registers the momentum strategy's tunable parameters
// with their defaults and hard bounds. Values already tuned in the store
// survive; only bounds are refreshed.
func defineMomentumParams(ps *params.Store) error {
	return defineAll(ps, "momentum", []paramDef{
		{"lookback_bars", 24, 2, 168},
		{"entry_threshold_pct", 2, 0.5, 10},
		{"min_confidence", 50, 10, 100},
		{"min_volume", 0, 0, 1e9},
		{"target_pct", 5, 1, 25},
		{"stop_pct", 3, 0.5, 15},
		{"expiry_hours", 24, 1, 168},
		{"position_size", 1, 0.1, 10},
	})
}

func defineFormulaParams(ps *params.Store) error {
	return defineAll(ps, "formula", []paramDef{
		{"min_score", 0.5, 0.05, 1},
		{"min_confidence", 50, 10, 100},
		{"min_volume", 0, 0, 1e9},
		{"target_pct", 5, 1, 25},
		{"stop_pct", 3, 0.5, 15},
		{"expiry_hours", 24, 1, 168},
		{"position_size", 1, 0.1, 10},
	})
}

type paramDef struct {
	name          string
	def, min, max float64
}

func defineAll(ps *params.Store, strategyName string, defs []paramDef) error {
	for _, d := range defs {
		if err := ps.Define(strategyName, d.name, d.def, d.min, d.max); err != nil {
			return fmt.Errorf("%s/%s: %w", strategyName, d.name, err)
		}
	}
	return nil
}
