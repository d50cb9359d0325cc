package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"alphalab/internal/domain"
)

// Compile-time interface check.
var _ ResultStore = (*BufferedResultStore)(nil)

// BufferedResultStore wraps a ResultStore with retry and an in-memory
// holding buffer. A completed backtest result is never silently dropped: if
// the inner store keeps failing after retries, the result is parked in the
// buffer and re-attempted on the next save or an explicit Flush.
type BufferedResultStore struct {
	inner ResultStore
	log   *slog.Logger

	mu      sync.Mutex
	pending []*domain.BacktestResult
}

// NewBufferedResultStore wraps inner with retry and buffering.
func NewBufferedResultStore(inner ResultStore, log *slog.Logger) *BufferedResultStore {
	if log == nil {
		log = slog.Default()
	}
	return &BufferedResultStore{inner: inner, log: log}
}

// SaveResult persists res, retrying transient failures with exponential
// backoff. On persistent failure the result is buffered and an error is
// returned so the caller knows durability is not yet achieved.
func (b *BufferedResultStore) SaveResult(ctx context.Context, res *domain.BacktestResult) error {
	// Try to clear any parked results first so ordering is preserved.
	if err := b.Flush(ctx); err != nil {
		b.park(res)
		return fmt.Errorf("result %s buffered: %w", res.RunID, err)
	}

	if err := b.save(ctx, res); err != nil {
		b.park(res)
		b.log.Warn("result store unavailable, result buffered",
			"run_id", res.RunID, "error", err)
		return fmt.Errorf("result %s buffered: %w", res.RunID, err)
	}
	return nil
}

// Flush re-attempts every buffered result, stopping at the first failure so
// results reach the store in completion order.
func (b *BufferedResultStore) Flush(ctx context.Context) error {
	for {
		b.mu.Lock()
		if len(b.pending) == 0 {
			b.mu.Unlock()
			return nil
		}
		head := b.pending[0]
		b.mu.Unlock()

		if err := b.save(ctx, head); err != nil {
			return err
		}

		b.mu.Lock()
		b.pending = b.pending[1:]
		b.mu.Unlock()
		b.log.Info("flushed buffered result", "run_id", head.RunID)
	}
}

// Pending reports how many results are parked in the buffer.
func (b *BufferedResultStore) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *BufferedResultStore) park(res *domain.BacktestResult) {
	b.mu.Lock()
	b.pending = append(b.pending, res)
	b.mu.Unlock()
}

func (b *BufferedResultStore) save(ctx context.Context, res *domain.BacktestResult) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = 10 * time.Second
	return backoff.Retry(func() error {
		return b.inner.SaveResult(ctx, res)
	}, backoff.WithContext(bo, ctx))
}
