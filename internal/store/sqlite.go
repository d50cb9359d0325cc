package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"alphalab/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ RecommendationStore = (*SQLiteStore)(nil)
var _ AdjustmentStore = (*SQLiteStore)(nil)
var _ ResultStore = (*SQLiteStore)(nil)
var _ SnapshotStore = (*SQLiteStore)(nil)

// SQLiteStore implements RecommendationStore, AdjustmentStore, ResultStore,
// and SnapshotStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS recommendations (
	id              TEXT PRIMARY KEY,
	strategy_name   TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	direction       TEXT NOT NULL,
	entry_price     REAL NOT NULL,
	target_price    REAL NOT NULL,
	stop_loss_price REAL NOT NULL,
	confidence      REAL NOT NULL,
	expires_at      INTEGER NOT NULL,
	position_size   REAL NOT NULL,
	param_snapshot  TEXT NOT NULL,
	status          TEXT NOT NULL,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rec_status ON recommendations(status, strategy_name, created_at);

CREATE TABLE IF NOT EXISTS outcomes (
	recommendation_id TEXT PRIMARY KEY REFERENCES recommendations(id),
	outcome_type      TEXT NOT NULL,
	pnl_amount        REAL NOT NULL,
	pnl_pct           REAL NOT NULL,
	hold_duration_ns  INTEGER NOT NULL,
	resolved_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS adjustments (
	id            TEXT PRIMARY KEY,
	strategy_name TEXT NOT NULL,
	parameter     TEXT NOT NULL,
	old_value     REAL NOT NULL,
	new_value     REAL NOT NULL,
	reason        TEXT NOT NULL,
	context       TEXT NOT NULL,
	status        TEXT NOT NULL,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_adj_status ON adjustments(strategy_name, status, created_at);

CREATE TABLE IF NOT EXISTS backtest_results (
	run_id        TEXT PRIMARY KEY,
	engine        TEXT NOT NULL,
	formula       TEXT NOT NULL,
	symbols       TEXT NOT NULL,
	start_at      INTEGER NOT NULL,
	end_at        INTEGER NOT NULL,
	bars          INTEGER NOT NULL,
	final_equity  REAL NOT NULL,
	total_return  REAL NOT NULL,
	sharpe        REAL NOT NULL,
	sortino       REAL NOT NULL,
	max_drawdown  REAL NOT NULL,
	cagr          REAL NOT NULL,
	omega         REAL NOT NULL,
	profit_factor REAL NOT NULL,
	var95         REAL NOT NULL,
	cvar95        REAL NOT NULL,
	skipped       TEXT NOT NULL,
	hypothesis    TEXT,
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS metric_snapshots (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	strategy_name TEXT NOT NULL,
	period        TEXT NOT NULL,
	signal_count  INTEGER NOT NULL,
	win_rate      REAL NOT NULL,
	avg_pnl_pct   REAL NOT NULL,
	total_pnl     REAL NOT NULL,
	expiry_rate   REAL NOT NULL,
	sharpe        REAL NOT NULL,
	sortino       REAL NOT NULL,
	max_drawdown  REAL NOT NULL,
	profit_factor REAL NOT NULL,
	computed_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snap_lookup ON metric_snapshots(strategy_name, period, computed_at);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, runs the
// schema, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// modernc.org/sqlite serializes on the driver side but a single
	// connection avoids SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// RecommendationStore implementation
// ---------------------------------------------------------------------------

// SaveRecommendation inserts a new recommendation.
func (s *SQLiteStore) SaveRecommendation(ctx context.Context, rec *domain.Recommendation) error {
	params, err := json.Marshal(rec.ParamSnapshot)
	if err != nil {
		return fmt.Errorf("encoding param snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recommendations
			(id, strategy_name, symbol, direction, entry_price, target_price,
			 stop_loss_price, confidence, expires_at, position_size,
			 param_snapshot, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.StrategyName, rec.Symbol, string(rec.Direction),
		rec.EntryPrice, rec.TargetPrice, rec.StopLossPrice, rec.Confidence,
		rec.ExpiresAt.UnixNano(), rec.PositionSize, string(params),
		string(rec.Status), rec.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("inserting recommendation %s: %w", rec.ID, err)
	}
	return nil
}

// GetRecommendation retrieves a single recommendation by ID.
func (s *SQLiteStore) GetRecommendation(ctx context.Context, id string) (*domain.Recommendation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, strategy_name, symbol, direction, entry_price, target_price,
		       stop_loss_price, confidence, expires_at, position_size,
		       param_snapshot, status, created_at
		FROM recommendations WHERE id = ?`, id)
	rec, err := scanRecommendation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("recommendation %s: not found", id)
	}
	return rec, err
}

// ListRecommendations returns recommendations matching status, newest first,
// up to limit. Empty strategy matches all strategies.
func (s *SQLiteStore) ListRecommendations(ctx context.Context, status domain.RecStatus, strategy string, limit int) ([]domain.Recommendation, error) {
	query := `
		SELECT id, strategy_name, symbol, direction, entry_price, target_price,
		       stop_loss_price, confidence, expires_at, position_size,
		       param_snapshot, status, created_at
		FROM recommendations WHERE status = ?`
	args := []any{string(status)}
	if strategy != "" {
		query += ` AND strategy_name = ?`
		args = append(args, strategy)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.Recommendation
	for rows.Next() {
		rec, err := scanRecommendation(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// CloseRecommendation atomically transitions an ACTIVE recommendation to
// CLOSED and records its outcome. Returns false when the recommendation was
// already closed.
func (s *SQLiteStore) CloseRecommendation(ctx context.Context, id string, out *domain.Outcome) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE recommendations SET status = ? WHERE id = ? AND status = ?`,
		string(domain.RecStatusClosed), id, string(domain.RecStatusActive))
	if err != nil {
		return false, fmt.Errorf("closing recommendation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outcomes
			(recommendation_id, outcome_type, pnl_amount, pnl_pct,
			 hold_duration_ns, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, string(out.Type), out.PnLAmount, out.PnLPct,
		int64(out.HoldDuration), out.ResolvedAt.UnixNano())
	if err != nil {
		return false, fmt.Errorf("recording outcome for %s: %w", id, err)
	}
	return true, tx.Commit()
}

// GetOutcome retrieves the outcome for a closed recommendation.
func (s *SQLiteStore) GetOutcome(ctx context.Context, recommendationID string) (*domain.Outcome, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT recommendation_id, outcome_type, pnl_amount, pnl_pct,
		       hold_duration_ns, resolved_at
		FROM outcomes WHERE recommendation_id = ?`, recommendationID)
	out, err := scanOutcome(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("outcome for %s: not found", recommendationID)
	}
	return out, err
}

// ListOutcomes returns outcomes for a strategy resolved at or after since,
// oldest first.
func (s *SQLiteStore) ListOutcomes(ctx context.Context, strategy string, since time.Time) ([]domain.Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.recommendation_id, o.outcome_type, o.pnl_amount, o.pnl_pct,
		       o.hold_duration_ns, o.resolved_at
		FROM outcomes o
		JOIN recommendations r ON r.id = o.recommendation_id
		WHERE r.strategy_name = ? AND o.resolved_at >= ?
		ORDER BY o.resolved_at ASC`,
		strategy, since.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outs []domain.Outcome
	for rows.Next() {
		out, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		outs = append(outs, *out)
	}
	return outs, rows.Err()
}

// ---------------------------------------------------------------------------
// AdjustmentStore implementation
// ---------------------------------------------------------------------------

// SaveAdjustment inserts a new adjustment.
func (s *SQLiteStore) SaveAdjustment(ctx context.Context, adj *domain.Adjustment) error {
	cctx, err := json.Marshal(adj.Context)
	if err != nil {
		return fmt.Errorf("encoding adjustment context: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO adjustments
			(id, strategy_name, parameter, old_value, new_value, reason,
			 context, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		adj.ID, adj.StrategyName, adj.Parameter, adj.OldValue, adj.NewValue,
		adj.Reason, string(cctx), string(adj.Status), adj.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("inserting adjustment %s: %w", adj.ID, err)
	}
	return nil
}

// TransitionAdjustment advances an adjustment's status, enforcing the legal
// transitions. Returns false when the stored status is not the expected one.
func (s *SQLiteStore) TransitionAdjustment(ctx context.Context, id string, from, to domain.AdjustmentStatus) (bool, error) {
	if !from.CanTransition(to) {
		return false, fmt.Errorf("adjustment %s: illegal transition %s -> %s", id, from, to)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE adjustments SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListAdjustments returns adjustments for a strategy in the given status,
// oldest first. Empty strategy matches all strategies.
func (s *SQLiteStore) ListAdjustments(ctx context.Context, strategy string, status domain.AdjustmentStatus) ([]domain.Adjustment, error) {
	query := `
		SELECT id, strategy_name, parameter, old_value, new_value, reason,
		       context, status, created_at
		FROM adjustments WHERE status = ?`
	args := []any{string(status)}
	if strategy != "" {
		query += ` AND strategy_name = ?`
		args = append(args, strategy)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var adjs []domain.Adjustment
	for rows.Next() {
		var (
			adj           domain.Adjustment
			cctx, statusS string
			createdNS     int64
		)
		if err := rows.Scan(&adj.ID, &adj.StrategyName, &adj.Parameter,
			&adj.OldValue, &adj.NewValue, &adj.Reason, &cctx, &statusS,
			&createdNS); err != nil {
			return nil, err
		}
		adj.Status = domain.AdjustmentStatus(statusS)
		adj.CreatedAt = time.Unix(0, createdNS).UTC()
		if err := json.Unmarshal([]byte(cctx), &adj.Context); err != nil {
			return nil, fmt.Errorf("decoding adjustment context for %s: %w", adj.ID, err)
		}
		adjs = append(adjs, adj)
	}
	return adjs, rows.Err()
}

// ---------------------------------------------------------------------------
// ResultStore implementation
// ---------------------------------------------------------------------------

// SaveResult persists the summary row of a backtest run. Equity curves and
// trade logs are large and columnar — they go to the Parquet store instead.
func (s *SQLiteStore) SaveResult(ctx context.Context, res *domain.BacktestResult) error {
	symbols, err := json.Marshal(res.Symbols)
	if err != nil {
		return fmt.Errorf("encoding symbols: %w", err)
	}
	skipped, err := json.Marshal(res.Skipped)
	if err != nil {
		return fmt.Errorf("encoding skipped instruments: %w", err)
	}
	var hypothesis any
	if res.Hypothesis != nil {
		h, err := json.Marshal(res.Hypothesis)
		if err != nil {
			return fmt.Errorf("encoding hypothesis results: %w", err)
		}
		hypothesis = string(h)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO backtest_results
			(run_id, engine, formula, symbols, start_at, end_at, bars,
			 final_equity, total_return, sharpe, sortino, max_drawdown,
			 cagr, omega, profit_factor, var95, cvar95, skipped,
			 hypothesis, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.RunID, res.Engine, res.Formula, string(symbols),
		res.Start.UnixNano(), res.End.UnixNano(), res.Bars,
		res.FinalEquity, res.TotalReturn, res.Sharpe, res.Sortino,
		res.MaxDrawdown, res.CAGR, res.Omega, res.ProfitFactor,
		res.VaR95, res.CVaR95, string(skipped), hypothesis,
		res.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("inserting backtest result %s: %w", res.RunID, err)
	}
	return nil
}

// GetResult retrieves the summary of a backtest run by its run ID. The
// equity curve and trade log are not populated.
func (s *SQLiteStore) GetResult(ctx context.Context, runID string) (*domain.BacktestResult, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, engine, formula, symbols, start_at, end_at, bars,
		       final_equity, total_return, sharpe, sortino, max_drawdown,
		       cagr, omega, profit_factor, var95, cvar95, skipped,
		       hypothesis, created_at
		FROM backtest_results WHERE run_id = ?`, runID)

	var (
		res                       domain.BacktestResult
		symbols, skipped          string
		hypothesis                sql.NullString
		startNS, endNS, createdNS int64
	)
	err := row.Scan(&res.RunID, &res.Engine, &res.Formula, &symbols,
		&startNS, &endNS, &res.Bars, &res.FinalEquity, &res.TotalReturn,
		&res.Sharpe, &res.Sortino, &res.MaxDrawdown, &res.CAGR, &res.Omega,
		&res.ProfitFactor, &res.VaR95, &res.CVaR95, &skipped, &hypothesis,
		&createdNS)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("backtest result %s: not found", runID)
	}
	if err != nil {
		return nil, err
	}
	res.Start = time.Unix(0, startNS).UTC()
	res.End = time.Unix(0, endNS).UTC()
	res.CreatedAt = time.Unix(0, createdNS).UTC()
	if err := json.Unmarshal([]byte(symbols), &res.Symbols); err != nil {
		return nil, fmt.Errorf("decoding symbols for %s: %w", runID, err)
	}
	if err := json.Unmarshal([]byte(skipped), &res.Skipped); err != nil {
		return nil, fmt.Errorf("decoding skipped instruments for %s: %w", runID, err)
	}
	if hypothesis.Valid {
		if err := json.Unmarshal([]byte(hypothesis.String), &res.Hypothesis); err != nil {
			return nil, fmt.Errorf("decoding hypothesis results for %s: %w", runID, err)
		}
	}
	return &res, nil
}

// ---------------------------------------------------------------------------
// SnapshotStore implementation
// ---------------------------------------------------------------------------

// SaveSnapshot appends a metric snapshot. Snapshots are never updated in
// place; each recomputation inserts a fresh row.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *domain.MetricSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metric_snapshots
			(strategy_name, period, signal_count, win_rate, avg_pnl_pct,
			 total_pnl, expiry_rate, sharpe, sortino, max_drawdown,
			 profit_factor, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.StrategyName, snap.Period, snap.SignalCount, snap.WinRate,
		snap.AvgPnLPct, snap.TotalPnL, snap.ExpiryRate, snap.Sharpe,
		snap.Sortino, snap.MaxDrawdown, snap.ProfitFactor,
		snap.ComputedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("inserting snapshot for %s/%s: %w", snap.StrategyName, snap.Period, err)
	}
	return nil
}

// ListSnapshots returns the most recent snapshots for a strategy, newest
// first, up to limit. An empty period matches all periods.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, strategy, period string, limit int) ([]domain.MetricSnapshot, error) {
	query := `
		SELECT strategy_name, period, signal_count, win_rate, avg_pnl_pct,
		       total_pnl, expiry_rate, sharpe, sortino, max_drawdown,
		       profit_factor, computed_at
		FROM metric_snapshots
		WHERE strategy_name = ?`
	args := []any{strategy}
	if period != "" {
		query += ` AND period = ?`
		args = append(args, period)
	}
	query += `
		ORDER BY computed_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []domain.MetricSnapshot
	for rows.Next() {
		var (
			snap       domain.MetricSnapshot
			computedNS int64
		)
		if err := rows.Scan(&snap.StrategyName, &snap.Period,
			&snap.SignalCount, &snap.WinRate, &snap.AvgPnLPct,
			&snap.TotalPnL, &snap.ExpiryRate, &snap.Sharpe, &snap.Sortino,
			&snap.MaxDrawdown, &snap.ProfitFactor, &computedNS); err != nil {
			return nil, err
		}
		snap.ComputedAt = time.Unix(0, computedNS).UTC()
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// ---------------------------------------------------------------------------
// Row scanning helpers
// ---------------------------------------------------------------------------

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecommendation(row rowScanner) (*domain.Recommendation, error) {
	var (
		rec                       domain.Recommendation
		direction, params, status string
		expiresNS, createdNS      int64
	)
	err := row.Scan(&rec.ID, &rec.StrategyName, &rec.Symbol, &direction,
		&rec.EntryPrice, &rec.TargetPrice, &rec.StopLossPrice,
		&rec.Confidence, &expiresNS, &rec.PositionSize, &params, &status,
		&createdNS)
	if err != nil {
		return nil, err
	}
	rec.Direction = domain.Direction(direction)
	rec.Status = domain.RecStatus(status)
	rec.ExpiresAt = time.Unix(0, expiresNS).UTC()
	rec.CreatedAt = time.Unix(0, createdNS).UTC()
	if err := json.Unmarshal([]byte(params), &rec.ParamSnapshot); err != nil {
		return nil, fmt.Errorf("decoding param snapshot for %s: %w", rec.ID, err)
	}
	return &rec, nil
}

func scanOutcome(row rowScanner) (*domain.Outcome, error) {
	var (
		out                  domain.Outcome
		outType              string
		durationNS, resolved int64
	)
	err := row.Scan(&out.RecommendationID, &outType, &out.PnLAmount,
		&out.PnLPct, &durationNS, &resolved)
	if err != nil {
		return nil, err
	}
	out.Type = domain.OutcomeType(outType)
	out.HoldDuration = time.Duration(durationNS)
	out.ResolvedAt = time.Unix(0, resolved).UTC()
	return &out, nil
}
