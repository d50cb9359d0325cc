// Package backtest implements the bar-by-bar simulation engine: forecasts
// become volatility-targeted positions, positions fold against price changes
// net of commission and slippage into an equity curve.
package backtest

import (
	"context"
	"fmt"
	"math"
	"time"

	"alphalab/internal/domain"
)

// Source produces per-instrument forecast vectors, one per bar. It is either
// a precomputed signal matrix or a strategy object.
type Source interface {
	// Precompute is called once before the bar loop with the full panel.
	Precompute(ctx context.Context, panel *domain.Panel) error

	// Forecast returns the forecast vector for one bar, aligned to the
	// panel's symbol order. Ineligible instruments may carry any value;
	// the engine forces their positions to zero.
	Forecast(bar int, ts time.Time, eligible []bool) []float64
}

// MatrixSource adapts a precomputed SignalMatrix to the Source interface.
type MatrixSource struct {
	matrix *domain.SignalMatrix
}

// NewMatrixSource wraps an already-evaluated signal matrix.
func NewMatrixSource(m *domain.SignalMatrix) *MatrixSource {
	return &MatrixSource{matrix: m}
}

// Compile-time interface check.
var _ Source = (*MatrixSource)(nil)

// Precompute verifies the matrix covers the panel's axis.
func (s *MatrixSource) Precompute(_ context.Context, panel *domain.Panel) error {
	if len(s.matrix.Values) != panel.NumBars() {
		return fmt.Errorf("backtest: matrix has %d bars, panel has %d", len(s.matrix.Values), panel.NumBars())
	}
	if len(s.matrix.Symbols) != len(panel.Symbols()) {
		return fmt.Errorf("backtest: matrix has %d symbols, panel has %d", len(s.matrix.Symbols), len(panel.Symbols()))
	}
	return nil
}

// Forecast looks up the bar's row. NaN cells are passed through; the engine
// treats NaN as a zero-position forecast.
func (s *MatrixSource) Forecast(bar int, _ time.Time, _ []bool) []float64 {
	return s.matrix.Values[bar]
}

// DataError reports an instrument that could not participate in a run. A
// multi-instrument run never aborts over one bad instrument; these surface
// on the result as skipped entries.
type DataError struct {
	Symbol string
	Reason string
}

func (e *DataError) Error() string {
	return fmt.Sprintf("backtest: %s: %s", e.Symbol, e.Reason)
}

// nanToZero maps undefined forecasts to flat positions.
func nanToZero(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}
