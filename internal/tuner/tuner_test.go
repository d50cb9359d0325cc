package tuner

import (
	"context"
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

	"alphalab/internal/domain"
	"alphalab/internal/params"
	"alphalab/internal/store"
)

func newTestTuner(t *testing.T) (*Tuner, *params.Store) {
	t.Helper()
	dir := t.TempDir()

	log := slog.New(slog.DiscardHandler)
	ps := params.NewStore(filepath.Join(dir, "params.json"), log)
	for _, def := range []struct {
		name          string
		val, min, max float64
	}{
		{"min_confidence", 60, 0, 100},
		{"min_volume", 1000, 100, 100000},
		{"expiry_hours", 24, 1, 168},
	} {
		if err := ps.Define("momentum", def.name, def.val, def.min, def.max); err != nil {
			t.Fatalf("Define %s: %v", def.name, err)
		}
	}

	db, err := store.NewSQLiteStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return New(ps, db, Config{}, log), ps
}

func snapshot(count int, winRate, avgPnL, expiryRate float64) *domain.MetricSnapshot {
	return &domain.MetricSnapshot{
		StrategyName: "momentum",
		Period:       "7d",
		SignalCount:  count,
		WinRate:      winRate,
		AvgPnLPct:    avgPnL,
		ExpiryRate:   expiryRate,
		ComputedAt:   time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestEvaluateLowWinRateTightensEntry(t *testing.T) {
	tn, _ := newTestTuner(t)
	ctx := context.Background()

	// 25% win rate over 30 signals: enough sample to act.
	adjs, err := tn.Evaluate(ctx, snapshot(30, 0.25, 0.005, 0.1))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(adjs) != 1 {
		t.Fatalf("got %d adjustments, want 1: %+v", len(adjs), adjs)
	}

	adj := adjs[0]
	if adj.Parameter != "min_confidence" {
		t.Errorf("parameter = %s, want min_confidence", adj.Parameter)
	}
	if adj.Status != domain.AdjustmentPending {
		t.Errorf("status = %s, want PENDING", adj.Status)
	}
	if math.Abs(adj.NewValue-66) > 1e-9 {
		t.Errorf("new value = %v, want 66 (60 raised 10%%)", adj.NewValue)
	}
	rel := math.Abs(adj.NewValue-adj.OldValue) / adj.OldValue
	if rel > 0.25 {
		t.Errorf("relative change %v exceeds the 25%% cap", rel)
	}
	if adj.Context["win_rate"] != 0.25 || adj.Context["signal_count"] != 30 {
		t.Errorf("context = %v, want the triggering metrics recorded", adj.Context)
	}
}

func TestEvaluateIgnoresNoisySamples(t *testing.T) {
	tn, _ := newTestTuner(t)

	// Terrible win rate but only 3 signals: below the sample floor, and
	// too weak for the widen-entry rule.
	adjs, err := tn.Evaluate(context.Background(), snapshot(3, 0.0, -0.05, 0.0))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(adjs) != 0 {
		t.Errorf("got %d adjustments on a noisy sample, want 0: %+v", len(adjs), adjs)
	}
}

func TestEvaluateHealthySnapshotIsQuiet(t *testing.T) {
	tn, _ := newTestTuner(t)

	adjs, err := tn.Evaluate(context.Background(), snapshot(40, 0.55, 0.01, 0.2))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(adjs) != 0 {
		t.Errorf("got %d adjustments for a healthy strategy, want 0: %+v", len(adjs), adjs)
	}
}

func TestEvaluateMultipleRulesFire(t *testing.T) {
	tn, _ := newTestTuner(t)

	// Low win rate, negative PnL, and heavy expiry all at once.
	adjs, err := tn.Evaluate(context.Background(), snapshot(50, 0.20, -0.02, 0.6))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(adjs) != 3 {
		t.Fatalf("got %d adjustments, want 3: %+v", len(adjs), adjs)
	}

	byParam := map[string]domain.Adjustment{}
	for _, a := range adjs {
		byParam[a.Parameter] = a
	}
	if a := byParam["min_volume"]; math.Abs(a.NewValue-1200) > 1e-9 {
		t.Errorf("min_volume new value = %v, want 1200", a.NewValue)
	}
	if a := byParam["expiry_hours"]; math.Abs(a.NewValue-28.8) > 1e-9 {
		t.Errorf("expiry_hours new value = %v, want 28.8", a.NewValue)
	}
}

func TestEvaluateClampsToParamBounds(t *testing.T) {
	tn, ps := newTestTuner(t)
	ctx := context.Background()

	// Push min_confidence near the ceiling: a 10% raise would exceed 100.
	if err := ps.Set("momentum", "min_confidence", 98); err != nil {
		t.Fatalf("Set: %v", err)
	}

	adjs, err := tn.Evaluate(ctx, snapshot(30, 0.25, 0.005, 0.1))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(adjs) != 1 {
		t.Fatalf("got %d adjustments, want 1", len(adjs))
	}
	if adjs[0].NewValue != 100 {
		t.Errorf("clamped value = %v, want the bound 100", adjs[0].NewValue)
	}
}

func TestAdjustmentLifecycle(t *testing.T) {
	tn, ps := newTestTuner(t)
	ctx := context.Background()

	adjs, err := tn.Evaluate(ctx, snapshot(30, 0.25, 0.005, 0.1))
	if err != nil || len(adjs) != 1 {
		t.Fatalf("Evaluate: adjs=%v err=%v", adjs, err)
	}
	id := adjs[0].ID

	// Nothing applies while PENDING.
	n, err := tn.ApplyApproved(ctx, "momentum")
	if err != nil {
		t.Fatalf("ApplyApproved: %v", err)
	}
	if n != 0 {
		t.Fatalf("applied %d pending adjustments, want 0", n)
	}
	if v := ps.Values("momentum")["min_confidence"]; v != 60 {
		t.Fatalf("param moved to %v before approval", v)
	}

	if err := tn.Approve(ctx, id); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	// Approving twice fails: the adjustment is no longer pending.
	if err := tn.Approve(ctx, id); err == nil {
		t.Error("second Approve should fail")
	}

	n, err = tn.ApplyApproved(ctx, "momentum")
	if err != nil {
		t.Fatalf("ApplyApproved: %v", err)
	}
	if n != 1 {
		t.Fatalf("applied %d adjustments, want 1", n)
	}
	if v := ps.Values("momentum")["min_confidence"]; math.Abs(v-66) > 1e-9 {
		t.Errorf("param after apply = %v, want 66", v)
	}

	// Reverting an applied adjustment is illegal.
	if err := tn.Revert(ctx, id); err == nil {
		t.Error("Revert after apply should fail")
	}
}

func TestRevertDiscardsProposal(t *testing.T) {
	tn, ps := newTestTuner(t)
	ctx := context.Background()

	adjs, err := tn.Evaluate(ctx, snapshot(30, 0.25, 0.005, 0.1))
	if err != nil || len(adjs) != 1 {
		t.Fatalf("Evaluate: adjs=%v err=%v", adjs, err)
	}

	if err := tn.Revert(ctx, adjs[0].ID); err != nil {
		t.Fatalf("Revert: %v", err)
	}
	n, err := tn.ApplyApproved(ctx, "momentum")
	if err != nil {
		t.Fatalf("ApplyApproved: %v", err)
	}
	if n != 0 {
		t.Errorf("applied %d reverted adjustments, want 0", n)
	}
	if v := ps.Values("momentum")["min_confidence"]; v != 60 {
		t.Errorf("param after revert = %v, want untouched 60", v)
	}
}
