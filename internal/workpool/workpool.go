// Package workpool splits index ranges into chunks and processes them on a
// bounded number of goroutines.
package workpool

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// DefaultChunkSize is the number of items handed to one goroutine at a time.
const DefaultChunkSize = 512

// Range calls fn for consecutive [lo, hi) ranges covering [0, n). At most
// limit ranges run at once; limit <= 0 means GOMAXPROCS. fn must only touch
// state owned by its own range. The first error cancels ctx for the
// remaining ranges and is returned.
func Range(ctx context.Context, n, chunkSize, limit int, fn func(ctx context.Context, lo, hi int) error) error {
	if n <= 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for lo := 0; lo < n; lo += chunkSize {
		hi := min(lo+chunkSize, n)
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return fn(gctx, lo, hi)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
