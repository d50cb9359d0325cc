// Package live runs the scheduled recommendation pipeline: per tick,
// outcome evaluation and signal generation; on a longer period, metric
// rollups, tuning, and application of approved adjustments. Strategy
// instances are rebuilt wholesale from the parameter store at the tuning
// boundary, so readers never observe a half-mutated parameter set.
package live

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"alphalab/internal/marketdata"
	"alphalab/internal/params"
	"alphalab/internal/signals"
	"alphalab/internal/store"
	"alphalab/internal/strategy"
	"alphalab/internal/tuner"
)

// Factory builds a strategy instance from a parameter-value snapshot.
type Factory func(values map[string]float64) (strategy.Strategy, error)

// Config controls the pipeline schedule and data window.
type Config struct {
	Symbols        []string
	Interval       string        // bar interval for history fetches, e.g. "1h"
	HistoryBars    int           // bars of recent history per tick
	TickEvery      time.Duration // signal generation + outcome evaluation
	TuneEvery      time.Duration // metric rollup + tuning
	SnapshotPeriod string        // label for stored rollups, e.g. "7d"
	SnapshotWindow time.Duration // trailing window the rollup covers
}

func (c Config) withDefaults() Config {
	if c.Interval == "" {
		c.Interval = "1h"
	}
	if c.HistoryBars == 0 {
		c.HistoryBars = 168
	}
	if c.TickEvery == 0 {
		c.TickEvery = time.Minute
	}
	if c.TuneEvery == 0 {
		c.TuneEvery = time.Hour
	}
	if c.SnapshotPeriod == "" {
		c.SnapshotPeriod = "7d"
	}
	if c.SnapshotWindow == 0 {
		c.SnapshotWindow = 7 * 24 * time.Hour
	}
	return c
}

// Runner wires the live pipeline together.
type Runner struct {
	cfg       Config
	provider  marketdata.Provider
	manager   *signals.Manager
	params    *params.Store
	tuner     *tuner.Tuner
	snaps     store.SnapshotStore
	factories map[string]Factory
	log       *slog.Logger

	registry *strategy.Registry

	mu       sync.Mutex
	inFlight map[string]bool // single-flight per strategy
}

// NewRunner creates a Runner and builds the initial strategy instances from
// the current parameter store.
func NewRunner(cfg Config, provider marketdata.Provider, manager *signals.Manager,
	ps *params.Store, tn *tuner.Tuner, snaps store.SnapshotStore,
	factories map[string]Factory, log *slog.Logger) (*Runner, error) {

	if log == nil {
		log = slog.Default()
	}
	r := &Runner{
		cfg:       cfg.withDefaults(),
		provider:  provider,
		manager:   manager,
		params:    ps,
		tuner:     tn,
		snaps:     snaps,
		factories: factories,
		log:       log,
		registry:  strategy.NewRegistry(),
		inFlight:  make(map[string]bool),
	}
	if err := r.rebuildAll(); err != nil {
		return nil, err
	}
	return r, nil
}

// Run drives the pipeline until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	tick := time.NewTicker(r.cfg.TickEvery)
	defer tick.Stop()
	tune := time.NewTicker(r.cfg.TuneEvery)
	defer tune.Stop()

	r.log.Info("live pipeline started",
		"strategies", r.registry.List(), "symbols", r.cfg.Symbols,
		"tick_every", r.cfg.TickEvery, "tune_every", r.cfg.TuneEvery)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tune.C:
			r.TuneCycle(ctx, time.Now().UTC())
		case <-tick.C:
			r.Tick(ctx, time.Now().UTC())
		}
	}
}

// Tick runs one pipeline tick: resolve open recommendations against fresh
// prices, then let each strategy propose new ones. Strategies already busy
// (a slow previous tick or an in-progress tune) are skipped, not queued.
func (r *Runner) Tick(ctx context.Context, now time.Time) {
	if closed, err := r.manager.EvaluateOpen(ctx, now); err != nil {
		r.log.Warn("outcome evaluation incomplete", "error", err)
	} else if closed > 0 {
		r.log.Info("outcomes resolved", "closed", closed)
	}

	var wg sync.WaitGroup
	for _, name := range r.registry.List() {
		if !r.acquire(name) {
			r.log.Debug("strategy busy, skipping tick", "strategy", name)
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			defer r.release(name)
			if err := r.generate(ctx, name, now); err != nil {
				r.log.Warn("signal generation failed",
					"strategy", name, "error", err)
			}
		}(name)
	}
	wg.Wait()
}

// generate fetches recent history and turns one strategy's proposals into
// recommendations.
func (r *Runner) generate(ctx context.Context, name string, now time.Time) error {
	strat, ok := r.registry.Get(name)
	if !ok {
		return fmt.Errorf("strategy %s not registered", name)
	}

	start := now.Add(-time.Duration(r.cfg.HistoryBars) * intervalDuration(r.cfg.Interval))
	panel, report, err := marketdata.BuildPanel(ctx, r.provider, r.cfg.Symbols, r.cfg.Interval, start, now)
	if err != nil {
		return fmt.Errorf("building panel: %w", err)
	}
	for _, sk := range report.Skipped {
		r.log.Warn("instrument excluded from tick",
			"strategy", name, "symbol", sk.Symbol, "reason", sk.Reason)
	}

	proposals, err := strat.Recommend(ctx, now, panel)
	if err != nil {
		return fmt.Errorf("recommend: %w", err)
	}
	for _, p := range proposals {
		if _, err := r.manager.Create(ctx, p); err != nil {
			r.log.Warn("rejected proposal",
				"strategy", name, "symbol", p.Symbol, "error", err)
		}
	}
	return nil
}

// TuneCycle runs one tuning cycle: per strategy, roll up trailing outcomes
// into a snapshot, evaluate the tuner's rules against it, apply whatever
// has been approved, and rebuild the strategy instance from the resulting
// parameter values. This is the only place parameters reach a strategy.
func (r *Runner) TuneCycle(ctx context.Context, now time.Time) {
	for _, name := range r.registry.List() {
		if !r.acquire(name) {
			r.log.Debug("strategy busy, skipping tune", "strategy", name)
			continue
		}
		if err := r.tuneOne(ctx, name, now); err != nil {
			r.log.Warn("tuning cycle failed", "strategy", name, "error", err)
		}
		r.release(name)
	}
}

func (r *Runner) tuneOne(ctx context.Context, name string, now time.Time) error {
	snap, err := r.manager.Snapshot(ctx, name, r.cfg.SnapshotPeriod, r.cfg.SnapshotWindow, now)
	if err != nil {
		return fmt.Errorf("rolling up metrics: %w", err)
	}
	if err := r.snaps.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}

	proposed, err := r.tuner.Evaluate(ctx, snap)
	if err != nil {
		return fmt.Errorf("evaluating rules: %w", err)
	}
	if len(proposed) > 0 {
		r.log.Info("adjustments proposed", "strategy", name, "count", len(proposed))
	}

	applied, err := r.tuner.ApplyApproved(ctx, name)
	if err != nil {
		return fmt.Errorf("applying approved adjustments: %w", err)
	}
	if applied > 0 {
		if err := r.rebuild(name); err != nil {
			return fmt.Errorf("rebuilding after %d applied adjustments: %w", applied, err)
		}
		r.log.Info("strategy rebuilt with tuned parameters",
			"strategy", name, "applied", applied)
	}
	return nil
}

// rebuild swaps in a fresh strategy instance built from the current
// parameter values.
func (r *Runner) rebuild(name string) error {
	factory, ok := r.factories[name]
	if !ok {
		return fmt.Errorf("no factory for strategy %s", name)
	}
	inst, err := factory(r.params.Values(name))
	if err != nil {
		return err
	}
	if inst.Name() != name {
		return fmt.Errorf("factory for %s built strategy named %s", name, inst.Name())
	}
	if !r.registry.Register(inst) {
		r.log.Info("strategy registered", "strategy", name)
	}
	return nil
}

func (r *Runner) rebuildAll() error {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := r.rebuild(name); err != nil {
			return fmt.Errorf("building strategy %s: %w", name, err)
		}
	}
	return nil
}

func (r *Runner) acquire(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight[name] {
		return false
	}
	r.inFlight[name] = true
	return true
}

func (r *Runner) release(name string) {
	r.mu.Lock()
	delete(r.inFlight, name)
	r.mu.Unlock()
}

// intervalDuration maps a bar interval label to its duration.
func intervalDuration(interval string) time.Duration {
	switch interval {
	case "1m":
		return time.Minute
	case "1d":
		return 24 * time.Hour
	default:
		return time.Hour
	}
}
