// Package tuner proposes bounded parameter adjustments from trailing
// strategy performance. Proposals go through an explicit lifecycle
// (PENDING, APPROVED, APPLIED, or REVERTED); nothing touches a live
// parameter until an approved adjustment is applied.
package tuner

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"alphalab/internal/domain"
	"alphalab/internal/params"
	"alphalab/internal/store"
)

// Config bounds the tuner's behavior.
type Config struct {
	// MinSignals is the sample size below which win-rate and PnL
	// metrics are considered too noisy to act on.
	MinSignals int

	// MaxRelChange caps how far a single adjustment may move a
	// parameter, as a fraction of its current value.
	MaxRelChange float64
}

func (c Config) withDefaults() Config {
	if c.MinSignals == 0 {
		c.MinSignals = 10
	}
	if c.MaxRelChange == 0 {
		c.MaxRelChange = 0.25
	}
	return c
}

// rule maps a performance condition to a multiplicative parameter change.
type rule struct {
	name    string
	applies func(cfg Config, snap *domain.MetricSnapshot) bool
	param   string
	factor  float64
	reason  string
}

var rules = []rule{
	{
		name: "tighten-entry",
		applies: func(cfg Config, s *domain.MetricSnapshot) bool {
			return s.SignalCount >= cfg.MinSignals && s.WinRate < 0.30
		},
		param:  "min_confidence",
		factor: 1.10,
		reason: "win rate below 30%, tightening entry threshold",
	},
	{
		name: "loosen-entry",
		applies: func(cfg Config, s *domain.MetricSnapshot) bool {
			return s.SignalCount >= cfg.MinSignals && s.WinRate > 0.70
		},
		param:  "min_confidence",
		factor: 0.95,
		reason: "win rate above 70%, loosening entry threshold",
	},
	{
		name: "raise-volume-floor",
		applies: func(cfg Config, s *domain.MetricSnapshot) bool {
			return s.SignalCount >= cfg.MinSignals && s.AvgPnLPct < -0.01
		},
		param:  "min_volume",
		factor: 1.20,
		reason: "average PnL below -1%, raising volume floor",
	},
	{
		name: "extend-expiry",
		applies: func(cfg Config, s *domain.MetricSnapshot) bool {
			return s.SignalCount >= cfg.MinSignals && s.ExpiryRate > 0.50
		},
		param:  "expiry_hours",
		factor: 1.20,
		reason: "over half of signals expiring, extending expiry window",
	},
	{
		name: "widen-entry",
		applies: func(cfg Config, s *domain.MetricSnapshot) bool {
			return s.SignalCount > 0 && s.SignalCount < cfg.MinSignals && s.WinRate >= 0.40
		},
		param:  "min_confidence",
		factor: 0.90,
		reason: "too few signals at an acceptable win rate, widening entry threshold",
	},
}

// Tuner evaluates metric snapshots against the rule table and manages the
// adjustment lifecycle.
type Tuner struct {
	cfg    Config
	params *params.Store
	adjs   store.AdjustmentStore
	log    *slog.Logger
}

// New creates a Tuner. Zero-valued Config fields get defaults.
func New(ps *params.Store, adjs store.AdjustmentStore, cfg Config, log *slog.Logger) *Tuner {
	if log == nil {
		log = slog.Default()
	}
	return &Tuner{cfg: cfg.withDefaults(), params: ps, adjs: adjs, log: log}
}

// Evaluate inspects a metric snapshot and records a PENDING adjustment for
// every rule that fires against a defined parameter. Proposals are clamped
// to the parameter's bounds and to the configured relative-change cap, and
// dropped entirely when clamping leaves the value unchanged.
func (t *Tuner) Evaluate(ctx context.Context, snap *domain.MetricSnapshot) ([]domain.Adjustment, error) {
	defined := t.params.Get(snap.StrategyName)
	metrics := map[string]float64{
		"signal_count": float64(snap.SignalCount),
		"win_rate":     snap.WinRate,
		"avg_pnl_pct":  snap.AvgPnLPct,
		"expiry_rate":  snap.ExpiryRate,
	}

	var proposed []domain.Adjustment
	for _, r := range rules {
		if !r.applies(t.cfg, snap) {
			continue
		}
		p, ok := defined[r.param]
		if !ok {
			continue
		}

		next := t.clamp(p.Value*r.factor, p)
		if next == p.Value {
			continue
		}

		adj := domain.Adjustment{
			ID:           uuid.NewString(),
			StrategyName: snap.StrategyName,
			Parameter:    r.param,
			OldValue:     p.Value,
			NewValue:     next,
			Reason:       r.reason,
			Context:      metrics,
			Status:       domain.AdjustmentPending,
			CreatedAt:    time.Now().UTC(),
		}
		if err := t.adjs.SaveAdjustment(ctx, &adj); err != nil {
			return proposed, fmt.Errorf("saving adjustment for %s/%s: %w", snap.StrategyName, r.param, err)
		}
		t.log.Info("proposed adjustment",
			"strategy", snap.StrategyName, "rule", r.name,
			"param", r.param, "old", p.Value, "new", next)
		proposed = append(proposed, adj)
	}
	return proposed, nil
}

// clamp restricts a proposed value to the parameter's bounds and to the
// relative-change cap around the current value.
func (t *Tuner) clamp(next float64, p params.Param) float64 {
	if p.Value != 0 {
		maxDelta := math.Abs(p.Value) * t.cfg.MaxRelChange
		if next > p.Value+maxDelta {
			next = p.Value + maxDelta
		}
		if next < p.Value-maxDelta {
			next = p.Value - maxDelta
		}
	}
	if next < p.Min {
		next = p.Min
	}
	if next > p.Max {
		next = p.Max
	}
	return next
}

// Approve advances a PENDING adjustment to APPROVED.
func (t *Tuner) Approve(ctx context.Context, id string) error {
	ok, err := t.adjs.TransitionAdjustment(ctx, id, domain.AdjustmentPending, domain.AdjustmentApproved)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("adjustment %s: not pending", id)
	}
	return nil
}

// Revert discards a PENDING adjustment.
func (t *Tuner) Revert(ctx context.Context, id string) error {
	ok, err := t.adjs.TransitionAdjustment(ctx, id, domain.AdjustmentPending, domain.AdjustmentReverted)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("adjustment %s: not pending", id)
	}
	return nil
}

// ApplyApproved writes every APPROVED adjustment for a strategy into the
// parameter store and marks it APPLIED. Returns how many were applied. An
// adjustment whose value no longer fits the parameter's bounds is skipped
// and left APPROVED for operator attention.
func (t *Tuner) ApplyApproved(ctx context.Context, strategy string) (int, error) {
	approved, err := t.adjs.ListAdjustments(ctx, strategy, domain.AdjustmentApproved)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, adj := range approved {
		if err := t.params.Set(adj.StrategyName, adj.Parameter, adj.NewValue); err != nil {
			t.log.Warn("skipping approved adjustment",
				"adjustment", adj.ID, "error", err)
			continue
		}
		ok, err := t.adjs.TransitionAdjustment(ctx, adj.ID, domain.AdjustmentApproved, domain.AdjustmentApplied)
		if err != nil {
			return applied, err
		}
		if !ok {
			continue
		}
		t.log.Info("applied adjustment",
			"strategy", adj.StrategyName, "param", adj.Parameter,
			"old", adj.OldValue, "new", adj.NewValue)
		applied++
	}
	return applied, nil
}
