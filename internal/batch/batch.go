// Package batch runs work items in consecutive, paced batches.
package batch

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Limiter paces batch starts.
type Limiter interface {
	Wait(ctx context.Context) error
}

// NewLimiter returns a token bucket that admits one batch per interval with
// a burst of one, so the first batch starts immediately. A non-positive
// interval disables pacing.
func NewLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// Options configures Run.
type Options struct {
	// Size is the number of items processed concurrently per batch.
	Size int
	// Limiter is waited on before every batch. Nil means no pacing.
	Limiter Limiter
	// Before is called with the index of the first item of each batch
	// before its items start.
	Before func(start int)
	// After is called once every item in items[start:end] has settled.
	After func(start, end int)
}

// Run splits items into consecutive batches of opts.Size and calls fn for
// every item of a batch concurrently. Batch k+1 starts only after all calls
// of batch k have returned. Per-item failures the caller wants to survive
// must be handled inside fn; an error returned from fn cancels the rest of
// its batch and stops the run once that batch has settled.
func Run[T any](ctx context.Context, items []T, opts Options, fn func(ctx context.Context, index int, item T) error) error {
	size := opts.Size
	if size < 1 {
		size = 1
	}

	for start := 0; start < len(items); start += size {
		if err := ctx.Err(); err != nil {
			return err
		}
		if opts.Limiter != nil {
			if err := opts.Limiter.Wait(ctx); err != nil {
				return err
			}
		}

		end := min(start+size, len(items))
		if opts.Before != nil {
			opts.Before(start)
		}

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			g.Go(func() error {
				return fn(gctx, i, items[i])
			})
		}
		err := g.Wait()

		if opts.After != nil {
			opts.After(start, end)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of batches Run issues for n items.
func Count(n, size int) int {
	if size < 1 {
		size = 1
	}
	return (n + size - 1) / size
}
