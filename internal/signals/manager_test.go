package signals

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

	"alphalab/internal/domain"
	"alphalab/internal/marketdata"
	"alphalab/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *marketdata.SimProvider, *store.SQLiteStore) {
	t.Helper()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sim := marketdata.NewSimProvider()
	m := NewManager(db, sim, Config{}, slog.New(slog.DiscardHandler))
	return m, sim, db
}

// longProposal is the lifecycle scenario baseline: LONG, entry 100,
// target 110, stop 95, 24h expiry.
func longProposal() Proposal {
	return Proposal{
		StrategyName:  "momentum",
		Symbol:        "BTC-USD",
		Direction:     domain.DirectionLong,
		EntryPrice:    100,
		TargetPrice:   110,
		StopLossPrice: 95,
		Confidence:    70,
		ExpiresIn:     24 * time.Hour,
		PositionSize:  2,
		Params:        map[string]float64{"min_confidence": 60},
	}
}

func TestCreateValidates(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	bad := []Proposal{
		func() Proposal { p := longProposal(); p.Symbol = ""; return p }(),
		func() Proposal { p := longProposal(); p.EntryPrice = 0; return p }(),
		func() Proposal { p := longProposal(); p.Confidence = 120; return p }(),
		func() Proposal { p := longProposal(); p.TargetPrice = 90; return p }(),
		func() Proposal { p := longProposal(); p.StopLossPrice = 105; return p }(),
		func() Proposal { p := longProposal(); p.ExpiresIn = 0; return p }(),
		func() Proposal { p := longProposal(); p.Direction = "SIDEWAYS"; return p }(),
	}
	for i, p := range bad {
		if _, err := m.Create(ctx, p); err == nil {
			t.Errorf("proposal %d should have been rejected: %+v", i, p)
		}
	}

	rec, err := m.Create(ctx, longProposal())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.Status != domain.RecStatusActive || rec.ID == "" {
		t.Errorf("created recommendation = %+v, want ACTIVE with an ID", rec)
	}
}

func TestTargetHitAtHourFive(t *testing.T) {
	m, sim, db := newTestManager(t)
	ctx := context.Background()

	rec, err := m.Create(ctx, longProposal())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Price reaches 111 five hours in.
	sim.SetLatestPrice("BTC-USD", 111)
	at := rec.CreatedAt.Add(5 * time.Hour)
	closed, err := m.EvaluateOpen(ctx, at)
	if err != nil {
		t.Fatalf("EvaluateOpen: %v", err)
	}
	if closed != 1 {
		t.Fatalf("closed %d recommendations, want 1", closed)
	}

	out, err := db.GetOutcome(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetOutcome: %v", err)
	}
	if out.Type != domain.OutcomeTargetHit {
		t.Errorf("outcome = %s, want TARGET_HIT", out.Type)
	}
	if out.PnLPct <= 0 {
		t.Errorf("pnl_pct = %v, want positive", out.PnLPct)
	}
	if math.Abs(out.PnLPct-0.11) > 1e-9 {
		t.Errorf("pnl_pct = %v, want 0.11", out.PnLPct)
	}
	if out.HoldDuration != 5*time.Hour {
		t.Errorf("hold duration = %v, want 5h", out.HoldDuration)
	}
}

func TestExpiryUsesLastPrice(t *testing.T) {
	m, sim, db := newTestManager(t)
	ctx := context.Background()

	rec, err := m.Create(ctx, longProposal())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Price drifts down without crossing target or stop; 24h elapse.
	sim.SetLatestPrice("BTC-USD", 97)
	closed, err := m.EvaluateOpen(ctx, rec.CreatedAt.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("EvaluateOpen: %v", err)
	}
	if closed != 1 {
		t.Fatalf("closed %d recommendations, want 1", closed)
	}

	out, err := db.GetOutcome(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetOutcome: %v", err)
	}
	if out.Type != domain.OutcomeExpired {
		t.Errorf("outcome = %s, want EXPIRED", out.Type)
	}
	// pnl = (97 - 100) / 100: expiry may resolve negative.
	if math.Abs(out.PnLPct-(-0.03)) > 1e-9 {
		t.Errorf("pnl_pct = %v, want -0.03", out.PnLPct)
	}
}

func TestStopCheckedBeforeTarget(t *testing.T) {
	m, sim, db := newTestManager(t)
	ctx := context.Background()

	// A gap straight through the stop resolves as STOPPED even though
	// the intrabar path is unknown: conservative tie-break.
	rec, err := m.Create(ctx, longProposal())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sim.SetLatestPrice("BTC-USD", 94)
	if _, err := m.EvaluateOpen(ctx, rec.CreatedAt.Add(time.Hour)); err != nil {
		t.Fatalf("EvaluateOpen: %v", err)
	}

	out, err := db.GetOutcome(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetOutcome: %v", err)
	}
	if out.Type != domain.OutcomeStopped {
		t.Errorf("outcome = %s, want STOPPED", out.Type)
	}
	if out.PnLPct >= 0 {
		t.Errorf("pnl_pct = %v, want negative on a stop", out.PnLPct)
	}
}

func TestShortDirectionResolution(t *testing.T) {
	m, sim, db := newTestManager(t)
	ctx := context.Background()

	rec, err := m.Create(ctx, Proposal{
		StrategyName:  "momentum",
		Symbol:        "ETH-USD",
		Direction:     domain.DirectionShort,
		EntryPrice:    2000,
		TargetPrice:   1900,
		StopLossPrice: 2100,
		Confidence:    65,
		ExpiresIn:     24 * time.Hour,
		PositionSize:  1,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sim.SetLatestPrice("ETH-USD", 1880)
	if _, err := m.EvaluateOpen(ctx, rec.CreatedAt.Add(time.Hour)); err != nil {
		t.Fatalf("EvaluateOpen: %v", err)
	}

	out, err := db.GetOutcome(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetOutcome: %v", err)
	}
	if out.Type != domain.OutcomeTargetHit {
		t.Errorf("outcome = %s, want TARGET_HIT for a short below target", out.Type)
	}
	if out.PnLPct <= 0 {
		t.Errorf("pnl_pct = %v, want positive for a winning short", out.PnLPct)
	}
}

func TestEvaluateIdempotentOnClosed(t *testing.T) {
	m, sim, db := newTestManager(t)
	ctx := context.Background()

	rec, err := m.Create(ctx, longProposal())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sim.SetLatestPrice("BTC-USD", 111)
	if _, err := m.EvaluateOpen(ctx, rec.CreatedAt.Add(5*time.Hour)); err != nil {
		t.Fatalf("EvaluateOpen: %v", err)
	}
	first, err := db.GetOutcome(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetOutcome: %v", err)
	}

	// Price later collapses; re-evaluation must not touch the outcome.
	sim.SetLatestPrice("BTC-USD", 80)
	closed, err := m.EvaluateOpen(ctx, rec.CreatedAt.Add(10*time.Hour))
	if err != nil {
		t.Fatalf("EvaluateOpen (second): %v", err)
	}
	if closed != 0 {
		t.Errorf("second evaluation closed %d, want 0", closed)
	}

	second, err := db.GetOutcome(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetOutcome (second): %v", err)
	}
	if second.Type != first.Type || second.PnLPct != first.PnLPct {
		t.Errorf("outcome changed on re-evaluation: %+v -> %+v", first, second)
	}
}

func TestProviderFailureSkipsTick(t *testing.T) {
	m, sim, db := newTestManager(t)
	ctx := context.Background()

	rec, err := m.Create(ctx, longProposal())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sim.FailWith("BTC-USD", errors.New("provider down"))
	closed, err := m.EvaluateOpen(ctx, rec.CreatedAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("EvaluateOpen should not abort on provider failure: %v", err)
	}
	if closed != 0 {
		t.Errorf("closed %d with a dead provider, want 0", closed)
	}

	// Next tick the provider recovers and resolution proceeds.
	sim.FailWith("BTC-USD", nil)
	sim.SetLatestPrice("BTC-USD", 111)
	closed, err = m.EvaluateOpen(ctx, rec.CreatedAt.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("EvaluateOpen (recovered): %v", err)
	}
	if closed != 1 {
		t.Errorf("closed %d after recovery, want 1", closed)
	}
	if _, err := db.GetOutcome(ctx, rec.ID); err != nil {
		t.Errorf("outcome should exist after recovery: %v", err)
	}
}

func TestLifecycleEvents(t *testing.T) {
	m, sim, _ := newTestManager(t)
	ctx := context.Background()

	id, ch := m.Subscribe(4)
	defer m.Unsubscribe(id)

	rec, err := m.Create(ctx, longProposal())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	sim.SetLatestPrice("BTC-USD", 111)
	if _, err := m.EvaluateOpen(ctx, rec.CreatedAt.Add(time.Hour)); err != nil {
		t.Fatalf("EvaluateOpen: %v", err)
	}

	want := []string{"created", "closed"}
	for _, wt := range want {
		select {
		case e := <-ch:
			if e.Type != wt {
				t.Errorf("event type = %s, want %s", e.Type, wt)
			}
			if wt == "closed" && e.Outcome == nil {
				t.Error("closed event missing outcome")
			}
		default:
			t.Fatalf("expected a buffered %q event", wt)
		}
	}
}

func TestSnapshotAggregatesOutcomes(t *testing.T) {
	m, sim, _ := newTestManager(t)
	ctx := context.Background()

	// Three recommendations: one winner, one stop, one expiry.
	specs := []struct {
		symbol string
		price  float64
	}{
		{"BTC-USD", 111}, // target hit: +11%
		{"ETH-USD", 94},  // stopped: -6%
		{"SOL-USD", 99},  // expires: -1%
	}
	var created time.Time
	for _, sp := range specs {
		p := longProposal()
		p.Symbol = sp.symbol
		rec, err := m.Create(ctx, p)
		if err != nil {
			t.Fatalf("Create %s: %v", sp.symbol, err)
		}
		created = rec.CreatedAt
		sim.SetLatestPrice(sp.symbol, sp.price)
	}

	// First tick resolves the target and the stop; the expiry needs 24h.
	if _, err := m.EvaluateOpen(ctx, created.Add(time.Hour)); err != nil {
		t.Fatalf("EvaluateOpen: %v", err)
	}
	if _, err := m.EvaluateOpen(ctx, created.Add(24*time.Hour)); err != nil {
		t.Fatalf("EvaluateOpen (expiry): %v", err)
	}

	snap, err := m.Snapshot(ctx, "momentum", "7d", 7*24*time.Hour, created.Add(25*time.Hour))
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.SignalCount != 3 {
		t.Fatalf("signal count = %d, want 3", snap.SignalCount)
	}
	if math.Abs(snap.WinRate-1.0/3.0) > 1e-9 {
		t.Errorf("win rate = %v, want 1/3", snap.WinRate)
	}
	if math.Abs(snap.ExpiryRate-1.0/3.0) > 1e-9 {
		t.Errorf("expiry rate = %v, want 1/3", snap.ExpiryRate)
	}
	wantAvg := (0.11 - 0.06 - 0.01) / 3
	if math.Abs(snap.AvgPnLPct-wantAvg) > 1e-9 {
		t.Errorf("avg pnl = %v, want %v", snap.AvgPnLPct, wantAvg)
	}
	if snap.MaxDrawdown >= 0 {
		t.Errorf("max drawdown = %v, want negative with losing signals", snap.MaxDrawdown)
	}
	if snap.ProfitFactor <= 0 {
		t.Errorf("profit factor = %v, want positive", snap.ProfitFactor)
	}
}

func TestSnapshotEmptyWindow(t *testing.T) {
	m, _, _ := newTestManager(t)

	snap, err := m.Snapshot(context.Background(), "idle", "24h", 24*time.Hour, time.Now().UTC())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.SignalCount != 0 || snap.WinRate != 0 {
		t.Errorf("empty snapshot = %+v, want zeros", snap)
	}
}
