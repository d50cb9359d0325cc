// Package signals manages the live recommendation lifecycle: creation from
// a strategy's current output, periodic resolution of open recommendations
// against fresh prices, and trailing metric rollups for the tuner.
package signals

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"alphalab/internal/analytics"
	"alphalab/internal/domain"
	"alphalab/internal/marketdata"
	"alphalab/internal/store"
)

// Event notifies subscribers of lifecycle transitions.
type Event struct {
	Type           string // "created", "closed"
	Recommendation *domain.Recommendation
	Outcome        *domain.Outcome // closed only
}

// Config bounds the manager's behavior.
type Config struct {
	// FetchTimeout caps each latest-price fetch during evaluation.
	FetchTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FetchTimeout == 0 {
		c.FetchTimeout = 5 * time.Second
	}
	return c
}

// Proposal is a strategy's request to open a recommendation.
type Proposal struct {
	StrategyName  string
	Symbol        string
	Direction     domain.Direction
	EntryPrice    float64
	TargetPrice   float64
	StopLossPrice float64
	Confidence    float64 // 0..100
	ExpiresIn     time.Duration
	PositionSize  float64
	Params        map[string]float64 // parameter snapshot at creation
}

// Manager drives recommendations from ACTIVE to a terminal outcome.
type Manager struct {
	cfg      Config
	recs     store.RecommendationStore
	provider marketdata.Provider
	log      *slog.Logger
	now      func() time.Time

	subsMu    sync.Mutex
	nextSubID int
	subs      map[int]chan Event
}

// NewManager creates a Manager. Zero-valued Config fields get defaults.
func NewManager(recs store.RecommendationStore, provider marketdata.Provider, cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:      cfg.withDefaults(),
		recs:     recs,
		provider: provider,
		log:      log,
		now:      time.Now,
		subs:     make(map[int]chan Event),
	}
}

// Create validates a proposal, persists it as an ACTIVE recommendation, and
// publishes a "created" event.
func (m *Manager) Create(ctx context.Context, p Proposal) (*domain.Recommendation, error) {
	if err := validate(p); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	rec := &domain.Recommendation{
		ID:            uuid.NewString(),
		StrategyName:  p.StrategyName,
		Symbol:        p.Symbol,
		Direction:     p.Direction,
		EntryPrice:    p.EntryPrice,
		TargetPrice:   p.TargetPrice,
		StopLossPrice: p.StopLossPrice,
		Confidence:    p.Confidence,
		ExpiresAt:     now.Add(p.ExpiresIn),
		PositionSize:  p.PositionSize,
		ParamSnapshot: p.Params,
		Status:        domain.RecStatusActive,
		CreatedAt:     now,
	}
	if err := m.recs.SaveRecommendation(ctx, rec); err != nil {
		return nil, fmt.Errorf("saving recommendation for %s/%s: %w", p.StrategyName, p.Symbol, err)
	}

	m.log.Info("recommendation created",
		"id", rec.ID, "strategy", rec.StrategyName, "symbol", rec.Symbol,
		"direction", rec.Direction, "entry", rec.EntryPrice)
	m.broadcast(Event{Type: "created", Recommendation: rec})
	return rec, nil
}

func validate(p Proposal) error {
	if p.StrategyName == "" || p.Symbol == "" {
		return fmt.Errorf("signals: proposal missing strategy or symbol")
	}
	if p.EntryPrice <= 0 {
		return fmt.Errorf("signals: %s: entry price %v must be positive", p.Symbol, p.EntryPrice)
	}
	if p.Confidence < 0 || p.Confidence > 100 {
		return fmt.Errorf("signals: %s: confidence %v outside [0, 100]", p.Symbol, p.Confidence)
	}
	if p.ExpiresIn <= 0 {
		return fmt.Errorf("signals: %s: expiry %v must be positive", p.Symbol, p.ExpiresIn)
	}
	switch p.Direction {
	case domain.DirectionLong:
		if p.TargetPrice <= p.EntryPrice || p.StopLossPrice >= p.EntryPrice {
			return fmt.Errorf("signals: %s: LONG needs target above and stop below entry", p.Symbol)
		}
	case domain.DirectionShort:
		if p.TargetPrice >= p.EntryPrice || p.StopLossPrice <= p.EntryPrice {
			return fmt.Errorf("signals: %s: SHORT needs target below and stop above entry", p.Symbol)
		}
	default:
		return fmt.Errorf("signals: %s: unknown direction %q", p.Symbol, p.Direction)
	}
	return nil
}

// EvaluateOpen fetches a fresh price for every ACTIVE recommendation and
// resolves those that crossed their target or stop, or expired. A provider
// failure skips that recommendation for this tick; it is retried on the
// next one. Returns how many recommendations were closed.
//
// When a monitoring gap lets the price cross both thresholds between ticks,
// the stop-loss wins: a conservative, fixed tie-break, not a reconstruction
// of intrabar price action.
func (m *Manager) EvaluateOpen(ctx context.Context, now time.Time) (int, error) {
	active, err := m.recs.ListRecommendations(ctx, domain.RecStatusActive, "", 0)
	if err != nil {
		return 0, fmt.Errorf("listing active recommendations: %w", err)
	}

	closed := 0
	for i := range active {
		rec := &active[i]

		fetchCtx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
		price, err := m.provider.GetLatestPrice(fetchCtx, rec.Symbol)
		cancel()
		if err != nil {
			m.log.Warn("price fetch failed, skipping this tick",
				"id", rec.ID, "symbol", rec.Symbol, "error", err)
			continue
		}

		outcomeType, resolved := resolve(rec, price, now)
		if !resolved {
			continue
		}

		out := buildOutcome(rec, outcomeType, price, now)
		ok, err := m.recs.CloseRecommendation(ctx, rec.ID, out)
		if err != nil {
			return closed, fmt.Errorf("closing recommendation %s: %w", rec.ID, err)
		}
		if !ok {
			// Already closed elsewhere; nothing to do.
			continue
		}

		closed++
		rec.Status = domain.RecStatusClosed
		m.log.Info("recommendation resolved",
			"id", rec.ID, "symbol", rec.Symbol, "outcome", out.Type,
			"pnl_pct", out.PnLPct)
		m.broadcast(Event{Type: "closed", Recommendation: rec, Outcome: out})
	}

	if err := ctx.Err(); err != nil {
		return closed, err
	}
	return closed, nil
}

// resolve applies the transition rules. Stop-loss is checked before target.
func resolve(rec *domain.Recommendation, price float64, now time.Time) (domain.OutcomeType, bool) {
	long := rec.Direction == domain.DirectionLong
	switch {
	case long && price <= rec.StopLossPrice, !long && price >= rec.StopLossPrice:
		return domain.OutcomeStopped, true
	case long && price >= rec.TargetPrice, !long && price <= rec.TargetPrice:
		return domain.OutcomeTargetHit, true
	case !now.Before(rec.ExpiresAt):
		return domain.OutcomeExpired, true
	}
	return "", false
}

func buildOutcome(rec *domain.Recommendation, t domain.OutcomeType, price float64, now time.Time) *domain.Outcome {
	move := price - rec.EntryPrice
	if rec.Direction == domain.DirectionShort {
		move = -move
	}
	return &domain.Outcome{
		RecommendationID: rec.ID,
		Type:             t,
		PnLAmount:        move * rec.PositionSize,
		PnLPct:           move / rec.EntryPrice,
		HoldDuration:     now.Sub(rec.CreatedAt),
		ResolvedAt:       now,
	}
}

// ---------------------------------------------------------------------------
// Metric rollups
// ---------------------------------------------------------------------------

// Snapshot aggregates outcomes for a strategy over the trailing window into
// a MetricSnapshot. The Sharpe and Sortino here are per-signal (no
// annualization): outcomes arrive irregularly, not on a fixed bar clock.
func (m *Manager) Snapshot(ctx context.Context, strategy, period string, window time.Duration, now time.Time) (*domain.MetricSnapshot, error) {
	outs, err := m.recs.ListOutcomes(ctx, strategy, now.Add(-window))
	if err != nil {
		return nil, fmt.Errorf("listing outcomes for %s: %w", strategy, err)
	}

	snap := &domain.MetricSnapshot{
		StrategyName: strategy,
		Period:       period,
		SignalCount:  len(outs),
		ComputedAt:   now,
	}
	if len(outs) == 0 {
		return snap, nil
	}

	returns := make([]float64, len(outs))
	curve := make([]domain.EquityPoint, len(outs)+1)
	curve[0] = domain.EquityPoint{Timestamp: now.Add(-window), Equity: 1}
	wins, expired := 0, 0
	grossProfit, grossLoss := 0.0, 0.0
	for i, o := range outs {
		returns[i] = o.PnLPct
		curve[i+1] = domain.EquityPoint{
			Timestamp: o.ResolvedAt,
			Equity:    curve[i].Equity * (1 + o.PnLPct),
		}
		snap.AvgPnLPct += o.PnLPct
		snap.TotalPnL += o.PnLAmount
		if o.PnLPct > 0 {
			wins++
			grossProfit += o.PnLAmount
		} else {
			grossLoss += math.Abs(o.PnLAmount)
		}
		if o.Type == domain.OutcomeExpired {
			expired++
		}
	}
	n := float64(len(outs))
	snap.AvgPnLPct /= n
	snap.WinRate = float64(wins) / n
	snap.ExpiryRate = float64(expired) / n
	snap.Sharpe = analytics.Sharpe(returns, 1)
	snap.Sortino = analytics.Sortino(returns, 1)
	snap.MaxDrawdown = analytics.MaxDrawdown(curve)
	if grossLoss > 0 {
		snap.ProfitFactor = grossProfit / grossLoss
	} else if grossProfit > 0 {
		snap.ProfitFactor = analytics.NoDownside
	}
	return snap, nil
}

// ---------------------------------------------------------------------------
// Event stream
// ---------------------------------------------------------------------------

// Subscribe returns a channel that receives lifecycle events. bufSize
// controls the channel buffer; slow consumers will have events dropped.
func (m *Manager) Subscribe(bufSize int) (int, <-chan Event) {
	ch := make(chan Event, bufSize)
	m.subsMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = ch
	m.subsMu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (m *Manager) Unsubscribe(id int) {
	m.subsMu.Lock()
	if ch, ok := m.subs[id]; ok {
		delete(m.subs, id)
		close(ch)
	}
	m.subsMu.Unlock()
}

// broadcast sends an event to all subscribers non-blocking (drop on full).
func (m *Manager) broadcast(e Event) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- e:
		default:
			// Slow consumer — drop event.
		}
	}
}
