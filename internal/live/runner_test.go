package live

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"alphalab/internal/domain"
	"alphalab/internal/marketdata"
	"alphalab/internal/params"
	"alphalab/internal/signals"
	"alphalab/internal/store"
	"alphalab/internal/strategy"
	"alphalab/internal/strategy/builtins"
	"alphalab/internal/tuner"
)

type testPipeline struct {
	runner   *Runner
	sim      *marketdata.SimProvider
	db       *store.SQLiteStore
	ps       *params.Store
	tn       *tuner.Tuner
	manager  *signals.Manager
	rebuilds int
}

func newTestPipeline(t *testing.T) *testPipeline {
	t.Helper()
	dir := t.TempDir()
	log := slog.New(slog.DiscardHandler)

	db, err := store.NewSQLiteStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ps := params.NewStore(filepath.Join(dir, "params.json"), log)
	defs := []struct {
		name          string
		val, min, max float64
	}{
		{"lookback_bars", 4, 1, 720},
		{"entry_threshold_pct", 2, 0.1, 20},
		{"min_confidence", 60, 0, 100},
		{"min_volume", 100, 10, 100000},
		{"expiry_hours", 24, 1, 168},
	}
	for _, d := range defs {
		if err := ps.Define("momentum", d.name, d.val, d.min, d.max); err != nil {
			t.Fatalf("Define %s: %v", d.name, err)
		}
	}

	sim := marketdata.NewSimProvider()
	manager := signals.NewManager(db, sim, signals.Config{}, log)
	tn := tuner.New(ps, db, tuner.Config{}, log)

	tp := &testPipeline{sim: sim, db: db, ps: ps, tn: tn, manager: manager}
	factories := map[string]Factory{
		"momentum": func(values map[string]float64) (strategy.Strategy, error) {
			tp.rebuilds++
			return builtins.NewMomentum(values), nil
		},
	}

	runner, err := NewRunner(Config{
		Symbols:     []string{"UP-USD"},
		Interval:    "1h",
		HistoryBars: 48,
	}, sim, manager, ps, tn, db, factories, log)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	tp.runner = runner
	return tp
}

// seedRisingHistory gives UP-USD n hourly bars compounding +1% up to now.
func (tp *testPipeline) seedRisingHistory(n int, now time.Time) float64 {
	bars := make([]domain.Bar, n)
	price := 100.0
	for i := 0; i < n; i++ {
		price *= 1.01
		bars[i] = domain.Bar{
			Symbol:    "UP-USD",
			Timestamp: now.Add(-time.Duration(n-1-i) * time.Hour),
			Open:      price, High: price * 1.001, Low: price * 0.999,
			Close:  price,
			Volume: 1000,
		}
	}
	tp.sim.SetHistory("UP-USD", bars)
	return price
}

func TestTickCreatesAndResolvesRecommendations(t *testing.T) {
	tp := newTestPipeline(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	entry := tp.seedRisingHistory(48, now)
	tp.runner.Tick(ctx, now)

	active, err := tp.db.ListRecommendations(ctx, domain.RecStatusActive, "momentum", 0)
	if err != nil {
		t.Fatalf("ListRecommendations: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("got %d active recommendations after tick, want 1", len(active))
	}
	rec := active[0]
	if rec.Symbol != "UP-USD" || rec.Direction != domain.DirectionLong {
		t.Errorf("recommendation = %+v, want a LONG on UP-USD", rec)
	}
	if rec.ParamSnapshot["entry_threshold_pct"] != 2 {
		t.Errorf("param snapshot = %v, want the creating values recorded", rec.ParamSnapshot)
	}

	// Price clears the target; the next tick resolves it.
	tp.sim.SetLatestPrice("UP-USD", entry*1.06)
	tp.runner.Tick(ctx, now.Add(time.Hour))

	out, err := tp.db.GetOutcome(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetOutcome: %v", err)
	}
	if out.Type != domain.OutcomeTargetHit {
		t.Errorf("outcome = %s, want TARGET_HIT", out.Type)
	}
}

func TestTickSurvivesProviderFailure(t *testing.T) {
	tp := newTestPipeline(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tp.sim.FailWith("UP-USD", context.DeadlineExceeded)
	tp.runner.Tick(ctx, now) // must not panic or abort

	active, err := tp.db.ListRecommendations(ctx, domain.RecStatusActive, "momentum", 0)
	if err != nil {
		t.Fatalf("ListRecommendations: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("got %d recommendations from a dead provider, want 0", len(active))
	}
}

// seedLosingOutcomes records n closed losing recommendations so the tuner
// has a sample to act on.
func (tp *testPipeline) seedLosingOutcomes(t *testing.T, n int, now time.Time) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		rec := &domain.Recommendation{
			ID:            uuid.NewString(),
			StrategyName:  "momentum",
			Symbol:        "UP-USD",
			Direction:     domain.DirectionLong,
			EntryPrice:    100,
			TargetPrice:   110,
			StopLossPrice: 95,
			Confidence:    70,
			ExpiresAt:     now.Add(24 * time.Hour),
			PositionSize:  1,
			ParamSnapshot: map[string]float64{},
			Status:        domain.RecStatusActive,
			CreatedAt:     now.Add(-time.Duration(n-i) * time.Hour),
		}
		if err := tp.db.SaveRecommendation(ctx, rec); err != nil {
			t.Fatalf("SaveRecommendation: %v", err)
		}
		out := &domain.Outcome{
			RecommendationID: rec.ID,
			Type:             domain.OutcomeStopped,
			PnLAmount:        -5,
			PnLPct:           -0.05,
			HoldDuration:     time.Hour,
			ResolvedAt:       rec.CreatedAt.Add(time.Hour),
		}
		if _, err := tp.db.CloseRecommendation(ctx, rec.ID, out); err != nil {
			t.Fatalf("CloseRecommendation: %v", err)
		}
	}
}

func TestTuneCycleProposesAppliesAndRebuilds(t *testing.T) {
	tp := newTestPipeline(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 8, 0, 0, 0, 0, time.UTC)

	tp.seedLosingOutcomes(t, 12, now)
	builds := tp.rebuilds

	// First cycle: snapshot saved, adjustments proposed, nothing applied
	// yet (no approval).
	tp.runner.TuneCycle(ctx, now)

	snaps, err := tp.db.ListSnapshots(ctx, "momentum", "7d", 1)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snaps) != 1 || snaps[0].SignalCount != 12 {
		t.Fatalf("snapshots = %+v, want one rollup of 12 signals", snaps)
	}

	pending, err := tp.db.ListAdjustments(ctx, "momentum", domain.AdjustmentPending)
	if err != nil {
		t.Fatalf("ListAdjustments: %v", err)
	}
	if len(pending) == 0 {
		t.Fatal("expected pending adjustments for an all-losing strategy")
	}
	if tp.rebuilds != builds {
		t.Errorf("strategy rebuilt %d times without any applied adjustment", tp.rebuilds-builds)
	}

	// Approve everything; next cycle applies and rebuilds.
	before := tp.ps.Values("momentum")
	for _, adj := range pending {
		if err := tp.tn.Approve(ctx, adj.ID); err != nil {
			t.Fatalf("Approve: %v", err)
		}
	}
	tp.runner.TuneCycle(ctx, now.Add(time.Hour))

	after := tp.ps.Values("momentum")
	changed := false
	for k, v := range after {
		if before[k] != v {
			changed = true
		}
	}
	if !changed {
		t.Error("no parameter changed after approved adjustments were applied")
	}
	if tp.rebuilds != builds+1 {
		t.Errorf("rebuilds = %d, want exactly one after apply", tp.rebuilds-builds)
	}

	applied, err := tp.db.ListAdjustments(ctx, "momentum", domain.AdjustmentApplied)
	if err != nil {
		t.Fatalf("ListAdjustments (applied): %v", err)
	}
	if len(applied) != len(pending) {
		t.Errorf("applied %d adjustments, want %d", len(applied), len(pending))
	}
}

func TestSingleFlightPerStrategy(t *testing.T) {
	tp := newTestPipeline(t)

	if !tp.runner.acquire("momentum") {
		t.Fatal("first acquire should succeed")
	}
	if tp.runner.acquire("momentum") {
		t.Error("second acquire should fail while in flight")
	}
	tp.runner.release("momentum")
	if !tp.runner.acquire("momentum") {
		t.Error("acquire after release should succeed")
	}
}
