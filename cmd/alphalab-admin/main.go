package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"alphalab/internal/config"
	"alphalab/internal/domain"
	"alphalab/internal/params"
	"alphalab/internal/store"
	"alphalab/internal/tuner"
	"alphalab/internal/util"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: alphalab-admin <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  recs         List recommendations\n")
	fmt.Fprintf(os.Stderr, "  adjustments  List tuner adjustments\n")
	fmt.Fprintf(os.Stderr, "  approve      Approve a pending adjustment by ID\n")
	fmt.Fprintf(os.Stderr, "  revert       Discard a pending adjustment by ID\n")
	fmt.Fprintf(os.Stderr, "  snapshots    List metric snapshots for a strategy\n")
	fmt.Fprintf(os.Stderr, "  params       Show the current parameter store\n")
	fmt.Fprintf(os.Stderr, "\n")
}

func main() {
	flag.Usage = usage
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfgPath := "config/alphalab.yaml"
	if p := os.Getenv("ALPHALAB_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger("warn", "text")
	util.SetDefault(logger)

	sq, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening sqlite store: %v", err)
	}
	defer sq.Close()

	ctx := context.Background()

	switch os.Args[1] {
	case "recs":
		fs := flag.NewFlagSet("recs", flag.ExitOnError)
		status := fs.String("status", "ACTIVE", "ACTIVE or CLOSED")
		strategyName := fs.String("strategy", "", "filter by strategy")
		limit := fs.Int("limit", 50, "max rows")
		fs.Parse(os.Args[2:])

		recs, err := sq.ListRecommendations(ctx, domain.RecStatus(*status), *strategyName, *limit)
		if err != nil {
			log.Fatalf("listing recommendations: %v", err)
		}
		for _, r := range recs {
			fmt.Printf("%s  %-12s %-10s %-5s entry=%.4f target=%.4f stop=%.4f conf=%.0f expires=%s\n",
				r.ID, r.StrategyName, r.Symbol, r.Direction,
				r.EntryPrice, r.TargetPrice, r.StopLossPrice, r.Confidence,
				r.ExpiresAt.Format(time.RFC3339))
		}

	case "adjustments":
		fs := flag.NewFlagSet("adjustments", flag.ExitOnError)
		strategyName := fs.String("strategy", "", "filter by strategy")
		status := fs.String("status", "PENDING", "PENDING, APPROVED, APPLIED or REVERTED")
		fs.Parse(os.Args[2:])

		adjs, err := sq.ListAdjustments(ctx, *strategyName, domain.AdjustmentStatus(*status))
		if err != nil {
			log.Fatalf("listing adjustments: %v", err)
		}
		for _, a := range adjs {
			fmt.Printf("%s  %-12s %-20s %.4f -> %.4f  [%s]  %s\n",
				a.ID, a.StrategyName, a.Parameter, a.OldValue, a.NewValue, a.Status, a.Reason)
		}

	case "approve", "revert":
		if len(os.Args) < 3 {
			log.Fatalf("%s needs an adjustment ID", os.Args[1])
		}
		id := os.Args[2]
		ps := params.NewStore(cfg.Storage.ParamsPath, logger)
		tn := tuner.New(ps, sq, tuner.Config{}, logger)
		if os.Args[1] == "approve" {
			err = tn.Approve(ctx, id)
		} else {
			err = tn.Revert(ctx, id)
		}
		if err != nil {
			log.Fatalf("%s %s: %v", os.Args[1], id, err)
		}
		fmt.Printf("%s: %sed\n", id, os.Args[1])

	case "snapshots":
		fs := flag.NewFlagSet("snapshots", flag.ExitOnError)
		strategyName := fs.String("strategy", "", "strategy name (required)")
		period := fs.String("period", "", "rollup period, e.g. 7d (empty = all periods)")
		limit := fs.Int("limit", 20, "max rows")
		fs.Parse(os.Args[2:])
		if *strategyName == "" {
			log.Fatal("snapshots needs -strategy")
		}

		snaps, err := sq.ListSnapshots(ctx, *strategyName, *period, *limit)
		if err != nil {
			log.Fatalf("listing snapshots: %v", err)
		}
		for _, s := range snaps {
			fmt.Printf("%s  %-4s signals=%-3d win=%.0f%% expiry=%.0f%% avg_pnl=%+.2f%% sharpe=%.2f pf=%.2f\n",
				s.ComputedAt.Format(time.RFC3339), s.Period, s.SignalCount,
				s.WinRate*100, s.ExpiryRate*100, s.AvgPnLPct*100, s.Sharpe, s.ProfitFactor)
		}

	case "params":
		fs := flag.NewFlagSet("params", flag.ExitOnError)
		strategyName := fs.String("strategy", "", "filter by strategy")
		fs.Parse(os.Args[2:])

		ps := params.NewStore(cfg.Storage.ParamsPath, logger)
		snapshot := ps.Snapshot()
		strategies := make([]string, 0, len(snapshot))
		for name := range snapshot {
			if *strategyName != "" && name != *strategyName {
				continue
			}
			strategies = append(strategies, name)
		}
		sort.Strings(strategies)
		for _, name := range strategies {
			names := make([]string, 0, len(snapshot[name]))
			for pn := range snapshot[name] {
				names = append(names, pn)
			}
			sort.Strings(names)
			for _, pn := range names {
				p := snapshot[name][pn]
				fmt.Printf("%-12s %-20s %.4f  [%.4f, %.4f]\n", name, pn, p.Value, p.Min, p.Max)
			}
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}
