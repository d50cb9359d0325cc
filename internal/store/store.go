// Package store defines the persistence interfaces for the alphalab core —
// bar history caching, backtest results, recommendations with outcomes,
// tuner adjustments, and metric snapshots — plus SQLite, Parquet, and
// buffered implementations.
package store

import (
	"context"
	"time"

	"alphalab/internal/domain"
)

// BarCache persists and retrieves OHLCV bar history.
type BarCache interface {
	// WriteBars persists a batch of bars.
	WriteBars(ctx context.Context, bars []domain.Bar) error

	// ReadBars returns bars for the symbol within [start, end].
	ReadBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct cached symbols.
	ListSymbols(ctx context.Context) ([]string, error)
}

// ResultStore accepts completed backtest results.
type ResultStore interface {
	SaveResult(ctx context.Context, res *domain.BacktestResult) error
}

// RecommendationStore persists recommendations and their terminal outcomes.
type RecommendationStore interface {
	// SaveRecommendation inserts a new recommendation.
	SaveRecommendation(ctx context.Context, rec *domain.Recommendation) error

	// GetRecommendation retrieves a single recommendation by ID.
	GetRecommendation(ctx context.Context, id string) (*domain.Recommendation, error)

	// ListRecommendations returns recommendations matching status, newest
	// first, up to limit. Empty strategy matches all strategies.
	ListRecommendations(ctx context.Context, status domain.RecStatus, strategy string, limit int) ([]domain.Recommendation, error)

	// CloseRecommendation atomically transitions an ACTIVE recommendation
	// to CLOSED and records its outcome. Returns false when the
	// recommendation was already closed; the stored outcome is untouched
	// in that case.
	CloseRecommendation(ctx context.Context, id string, out *domain.Outcome) (bool, error)

	// GetOutcome retrieves the outcome for a closed recommendation.
	GetOutcome(ctx context.Context, recommendationID string) (*domain.Outcome, error)

	// ListOutcomes returns outcomes for a strategy resolved at or after
	// since, oldest first.
	ListOutcomes(ctx context.Context, strategy string, since time.Time) ([]domain.Outcome, error)
}

// AdjustmentStore persists tuner adjustments with their lifecycle status.
type AdjustmentStore interface {
	// SaveAdjustment inserts a new adjustment (normally PENDING).
	SaveAdjustment(ctx context.Context, adj *domain.Adjustment) error

	// TransitionAdjustment advances an adjustment's status, enforcing the
	// legal transitions. Returns false when the stored status is not the
	// expected one.
	TransitionAdjustment(ctx context.Context, id string, from, to domain.AdjustmentStatus) (bool, error)

	// ListAdjustments returns adjustments for a strategy in the given
	// status, oldest first. Empty strategy matches all strategies.
	ListAdjustments(ctx context.Context, strategy string, status domain.AdjustmentStatus) ([]domain.Adjustment, error)
}

// SnapshotStore persists metric snapshots; superseded snapshots are kept
// for history, never mutated.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *domain.MetricSnapshot) error

	// ListSnapshots returns the most recent snapshots for a strategy,
	// newest first, up to limit. An empty period matches all periods.
	ListSnapshots(ctx context.Context, strategy, period string, limit int) ([]domain.MetricSnapshot, error)
}
