package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"alphalab/internal/domain"
)

// Compile-time interface check.
var _ Provider = (*SimProvider)(nil)

// SimProvider is a deterministic in-memory Provider for tests and offline
// runs. History is seeded up front; latest prices can be moved by the test
// to drive lifecycle transitions.
type SimProvider struct {
	mu      sync.RWMutex
	history map[string][]domain.Bar
	latest  map[string]float64
	fail    map[string]error // symbols that should error on access
}

// NewSimProvider creates an empty provider.
func NewSimProvider() *SimProvider {
	return &SimProvider{
		history: make(map[string][]domain.Bar),
		latest:  make(map[string]float64),
		fail:    make(map[string]error),
	}
}

// SetHistory seeds the bar series for a symbol.
func (p *SimProvider) SetHistory(symbol string, bars []domain.Bar) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history[symbol] = bars
	if len(bars) > 0 {
		p.latest[symbol] = bars[len(bars)-1].Close
	}
}

// SetLatestPrice moves the live quote for a symbol.
func (p *SimProvider) SetLatestPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latest[symbol] = price
}

// FailWith makes all subsequent calls for symbol return err (nil clears).
func (p *SimProvider) FailWith(symbol string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.fail, symbol)
	} else {
		p.fail[symbol] = err
	}
}

// GetHistory returns the seeded bars clipped to [start, end].
func (p *SimProvider) GetHistory(ctx context.Context, symbol, _ string, start, end time.Time) ([]domain.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.fail[symbol]; err != nil {
		return nil, err
	}
	var out []domain.Bar
	for _, b := range p.history[symbol] {
		if !b.Timestamp.Before(start) && !b.Timestamp.After(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

// GetLatestPrice returns the current quote.
func (p *SimProvider) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.fail[symbol]; err != nil {
		return 0, err
	}
	price, ok := p.latest[symbol]
	if !ok {
		return 0, fmt.Errorf("marketdata: no price for %s", symbol)
	}
	return price, nil
}
