// Package agent wires the monitoring engine together: store, bus, runner,
// scheduler, cleaner, and notifier sinks, plus startup reconciliation and
// graceful shutdown.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vigil-io/vigil/internal/bus"
	"github.com/vigil-io/vigil/internal/cleaner"
	"github.com/vigil-io/vigil/internal/executor"
	"github.com/vigil-io/vigil/internal/monitor"
	"github.com/vigil-io/vigil/internal/notifier"
	"github.com/vigil-io/vigil/internal/observability"
	"github.com/vigil-io/vigil/internal/runner"
	"github.com/vigil-io/vigil/internal/scheduler"
)

// ShutdownGrace is how long in-flight batches may finish after a stop signal
// before they are cancelled outright.
const ShutdownGrace = 30 * time.Second

// busWorkers bounds concurrently handled batches. Overlapping batches are
// fine (ListDue hands out disjoint sets); the bound keeps a slow store from
// accumulating goroutines.
const busWorkers = 4

// Options configures an Agent. Zero values select defaults.
type Options struct {
	PollInterval    time.Duration
	CleanupInterval time.Duration
	Retention       time.Duration
	BatchSize       int
	DisableCleaner  bool
	Concurrency     int
}

// Agent is the composition root of the monitoring engine.
type Agent struct {
	store    monitor.Store
	bus      *bus.Bus
	registry *executor.Registry
	sched    *scheduler.Scheduler
	cleaner  *cleaner.Cleaner
	notify   notifier.Notifier
	metrics  *observability.Metrics
	logger   *slog.Logger
	opts     Options

	cancel  context.CancelFunc
	loops   sync.WaitGroup
	stopped sync.Once
}

// New wires an agent. The notifier may be a Composite of any number of sinks;
// it must not be nil (use a bare LogNotifier at minimum).
func New(store monitor.Store, registry *executor.Registry, notify notifier.Notifier,
	metrics *observability.Metrics, logger *slog.Logger, opts Options,
) *Agent {
	b := bus.New(logger.With(slog.String("component", "bus")), busWorkers)

	run := runner.New(registry, logger.With(slog.String("component", "runner")), opts.Concurrency)
	handlers := NewHandlers(store, run, metrics, logger.With(slog.String("component", "handlers")))

	if err := b.Register(monitor.ExecuteChecks{}.CommandName(), handlers.HandleExecuteChecks); err != nil {
		// Registration on a fresh bus cannot collide.
		panic(err)
	}

	a := &Agent{
		store:    store,
		bus:      b,
		registry: registry,
		notify:   notify,
		metrics:  metrics,
		logger:   logger,
		opts:     opts,
	}

	a.subscribeNotifier()

	a.sched = scheduler.New(store, b,
		logger.With(slog.String("component", "scheduler")), opts.PollInterval)

	if !opts.DisableCleaner {
		a.cleaner = cleaner.New(store, metrics,
			logger.With(slog.String("component", "cleaner")),
			opts.CleanupInterval, opts.Retention, opts.BatchSize)
	}

	return a
}

func (a *Agent) subscribeNotifier() {
	a.bus.Subscribe(monitor.CheckFailed{}.EventName(),
		func(ctx context.Context, event monitor.Event) error {
			failed, ok := event.(monitor.CheckFailed)
			if !ok {
				return fmt.Errorf("unexpected event type %T", event)
			}

			a.metrics.NotificationsSent.WithLabelValues(event.EventName()).Inc()

			return a.notify.Notify(ctx, notifier.FromCheckFailed(failed))
		})

	a.bus.Subscribe(monitor.ServiceStatusChanged{}.EventName(),
		func(ctx context.Context, event monitor.Event) error {
			changed, ok := event.(monitor.ServiceStatusChanged)
			if !ok {
				return fmt.Errorf("unexpected event type %T", event)
			}

			a.metrics.NotificationsSent.WithLabelValues(event.EventName()).Inc()

			return a.notify.Notify(ctx, notifier.FromServiceStatusChanged(changed))
		})
}

// Start reconciles scheduling state, validates persisted check kinds, and
// launches the scheduler and cleaner loops.
func (a *Agent) Start(ctx context.Context) error {
	reset, err := a.store.ResetProcessing(ctx)
	if err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	if reset > 0 {
		a.logger.Warn("reset checks stuck in processing from a previous run",
			slog.Int64("count", reset))
	}

	if err := validateCheckKinds(ctx, a.store, a.registry, a.logger); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.loops.Add(1)

	go func() {
		defer a.loops.Done()
		a.sched.Run(loopCtx)
	}()

	if a.cleaner != nil {
		a.loops.Add(1)

		go func() {
			defer a.loops.Done()
			a.cleaner.Run(loopCtx)
		}()
	}

	a.logger.Info("agent started")

	return nil
}

// Stop shuts the agent down: loops first so no new batches are dispatched,
// then the bus with a grace period for in-flight batches, then the notifier.
// Remaining executor tasks are cancelled after the grace period; their checks
// revert to idle at next startup via ResetProcessing.
func (a *Agent) Stop() {
	a.stopped.Do(func() {
		a.sched.Stop()

		if a.cleaner != nil {
			a.cleaner.Stop()
		}

		if err := a.bus.Close(ShutdownGrace); err != nil {
			a.logger.Warn("in-flight batches did not drain before the deadline",
				slog.String("error", err.Error()))
		}

		if a.cancel != nil {
			a.cancel()
		}

		a.loops.Wait()

		if err := a.notify.Close(); err != nil {
			a.logger.Warn("closing notifier sinks failed", slog.String("error", err.Error()))
		}

		a.logger.Info("agent stopped")
	})
}
