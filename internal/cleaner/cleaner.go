// Package cleaner bounds result-table growth by periodically deleting rows
// older than the retention period, in paced batches so live writes keep
// making progress.
package cleaner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vigil-io/vigil/internal/monitor"
	"github.com/vigil-io/vigil/internal/observability"
)

const (
	// DefaultInterval between cleanup passes.
	DefaultInterval = time.Hour

	// DefaultRetention is how long results are kept.
	DefaultRetention = 24 * time.Hour

	// DefaultBatchSize is how many rows one delete statement may remove.
	DefaultBatchSize = 1000

	// batchesPerSecond paces consecutive delete batches within one pass. Each
	// batch holds the write lock briefly; the limiter guarantees gaps where
	// result inserts get through.
	batchesPerSecond = 4
)

// Cleaner runs the retention loop.
type Cleaner struct {
	store     monitor.Store
	metrics   *observability.Metrics
	logger    *slog.Logger
	interval  time.Duration
	retention time.Duration
	batchSize int

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a cleaner. Non-positive arguments fall back to the defaults.
func New(store monitor.Store, metrics *observability.Metrics, logger *slog.Logger,
	interval, retention time.Duration, batchSize int,
) *Cleaner {
	if interval <= 0 {
		interval = DefaultInterval
	}

	if retention <= 0 {
		retention = DefaultRetention
	}

	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	return &Cleaner{
		store:     store,
		metrics:   metrics,
		logger:    logger,
		interval:  interval,
		retention: retention,
		batchSize: batchSize,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Run performs one pass per interval until the context ends or Stop is
// called.
func (c *Cleaner) Run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("cleaner started",
		slog.Duration("interval", c.interval),
		slog.Duration("retention", c.retention),
		slog.Int("batch_size", c.batchSize),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.runOnce(ctx)
		}
	}
}

// runOnce deletes expired results batch by batch until a short batch signals
// the backlog is gone. Errors abort the pass; the next tick retries.
func (c *Cleaner) runOnce(ctx context.Context) {
	cutoff := time.Now().Add(-c.retention).Unix()
	limiter := rate.NewLimiter(rate.Limit(batchesPerSecond), 1)

	var total int64

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		deleted, err := c.store.DeleteResultsOlderThan(ctx, cutoff, c.batchSize)
		if err != nil {
			c.metrics.StoreErrors.Inc()
			c.logger.Error("result cleanup failed",
				slog.Int64("deleted_so_far", total),
				slog.String("error", err.Error()),
			)

			return
		}

		total += deleted
		c.metrics.ResultsDeleted.Add(float64(deleted))

		if deleted < int64(c.batchSize) {
			break
		}
	}

	if total > 0 {
		c.logger.Info("cleanup pass finished", slog.Int64("deleted", total))
	}
}

// Stop signals the loop to exit and waits for it. Safe to call more than
// once.
func (c *Cleaner) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}
