// Package strategy defines the Strategy interface shared by the offline
// backtest path and the live recommendation path, and provides a Registry
// for managing multiple strategy implementations.
package strategy

import (
	"context"
	"sort"
	"time"

	"alphalab/internal/domain"
	"alphalab/internal/signals"
)

// Strategy is the interface that all trading strategies must implement.
// Precompute and Forecast make a strategy usable directly as a backtest
// signal source; Recommend drives the live path. A strategy instance is
// built from one parameter snapshot and never mutated — tuned parameters
// take effect by rebuilding the instance at a cycle boundary.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// Precompute is called once with the full panel before any forecasts
	// are requested.
	Precompute(ctx context.Context, panel *domain.Panel) error

	// Forecast returns the per-instrument forecast vector for one bar,
	// aligned to the panel's symbol order.
	Forecast(bar int, ts time.Time, eligible []bool) []float64

	// Recommend inspects recent history and proposes zero or more live
	// recommendations.
	Recommend(ctx context.Context, now time.Time, panel *domain.Panel) ([]signals.Proposal, error)
}

// Registry holds a named collection of strategies for lookup and enumeration.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
	}
}

// Register adds a strategy to the registry, keyed by its Name(). A second
// registration under the same name replaces the first, which is how tuned
// parameter snapshots take effect; the return value reports whether that
// happened.
func (r *Registry) Register(s Strategy) (replaced bool) {
	_, replaced = r.strategies[s.Name()]
	r.strategies[s.Name()] = s
	return replaced
}

// Get retrieves a strategy by name. The second return value indicates whether
// the strategy was found.
func (r *Registry) Get(name string) (Strategy, bool) {
	s, ok := r.strategies[name]
	return s, ok
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
