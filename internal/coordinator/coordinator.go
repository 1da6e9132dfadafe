// Package coordinator fans dataset work out across a bounded worker pool.
// One task per dataset per stage; a failing dataset never cancels its
// siblings, but its error aborts progression to the next layer.
package coordinator

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// RunLayer submits one task per item to a pool sized
// min(maxWorkers, len(items)) and waits for all of them. The first error is
// returned after every worker has finished; siblings are not cancelled.
func RunLayer[T any](ctx context.Context, layer string, logger *slog.Logger, items []T, maxWorkers int, task func(context.Context, T) error) error {
	if len(items) == 0 {
		logger.Info("layer has no work", slog.String("layer", layer))

		return nil
	}

	workers := maxWorkers
	if workers < 1 {
		workers = 1
	}

	if len(items) < workers {
		workers = len(items)
	}

	logger.Info("starting layer",
		slog.String("layer", layer),
		slog.Int("datasets", len(items)),
		slog.Int("workers", workers),
	)

	startedAt := time.Now()

	// A plain errgroup (no derived context) keeps sibling isolation: one
	// dataset failing must not cancel the others mid-write.
	var group errgroup.Group

	group.SetLimit(workers)

	for _, item := range items {
		group.Go(func() error {
			return task(ctx, item)
		})
	}

	err := group.Wait()

	logger.Info("layer finished",
		slog.String("layer", layer),
		slog.Duration("elapsed", time.Since(startedAt)),
		slog.Bool("failed", err != nil),
	)

	return err
}
