// Package scheduler polls the store for due checks and hands them to the bus
// as ExecuteChecks commands.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vigil-io/vigil/internal/bus"
	"github.com/vigil-io/vigil/internal/monitor"
)

const (
	// DefaultInterval is the poll period between ListDue calls.
	DefaultInterval = 5 * time.Second

	// dueLimit bounds one poll's batch. With the default interval this caps
	// sustained throughput well above anything a single-node agent monitors.
	dueLimit = 1000
)

// Scheduler is the clock of the agent: every interval it claims due checks
// and dispatches them asynchronously, so a long-running batch never delays
// the next poll.
type Scheduler struct {
	store    monitor.Store
	bus      *bus.Bus
	logger   *slog.Logger
	interval time.Duration

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a scheduler.
func New(store monitor.Store, b *bus.Bus, logger *slog.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Scheduler{
		store:    store,
		bus:      b,
		logger:   logger,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run polls until the context ends or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	now := time.Now().Unix()

	checks, err := s.store.ListDue(ctx, now, dueLimit)
	if err != nil {
		// Backing off one interval is implicit: the next tick is the retry.
		s.logger.Error("listing due checks failed", slog.String("error", err.Error()))

		return
	}

	if len(checks) == 0 {
		return
	}

	s.logger.Debug("dispatching due checks", slog.Int("count", len(checks)))

	if err := s.bus.DispatchAsync(ctx, monitor.ExecuteChecks{Checks: checks}); err != nil {
		s.logger.Error("dispatching due checks failed",
			slog.Int("count", len(checks)),
			slog.String("error", err.Error()),
		)
	}
}

// Stop signals the loop to exit and waits for it. Safe to call more than
// once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}
