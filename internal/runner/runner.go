// Package runner fans a batch of due checks out to their executors and
// streams outcomes back to a single synchronous sink.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vigil-io/vigil/internal/executor"
	"github.com/vigil-io/vigil/internal/monitor"
)

const (
	// outcomeBuffer bounds the queue between probe tasks and the sink, so a
	// slow store applies backpressure to in-flight probes instead of letting
	// results pile up without bound.
	outcomeBuffer = 100

	defaultConcurrency = 64

	httpClientTimeout = 60 * time.Second
)

// Runner executes batches. Executor instances and shared resources live for
// one batch and are closed on every exit path.
type Runner struct {
	registry    *executor.Registry
	logger      *slog.Logger
	concurrency int
}

// New creates a runner with the given per-batch concurrency bound.
func New(registry *executor.Registry, logger *slog.Logger, concurrency int) *Runner {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	return &Runner{registry: registry, logger: logger, concurrency: concurrency}
}

// RunBatch executes every check concurrently and delivers each outcome to
// onOutcome exactly once, from a single goroutine. Checks of an unknown kind
// yield an error outcome rather than being dropped. A cancelled check yields
// no outcome at all; startup reconciliation resets its scheduling state.
//
// onOutcome may block (it typically writes to the store); that backpressure
// propagates to the probe tasks through the bounded outcome queue.
func (r *Runner) RunBatch(ctx context.Context, checks []monitor.Check, onOutcome func(result *monitor.Result)) error {
	if len(checks) == 0 {
		return nil
	}

	resources := r.buildResources(checks)
	instances := make(map[monitor.CheckKind]executor.Executor)

	defer func() {
		for kind, instance := range instances {
			if err := instance.Close(); err != nil {
				r.logger.Warn("executor close failed",
					slog.String("kind", string(kind)),
					slog.String("error", err.Error()),
				)
			}
		}

		if resources.HTTPClient != nil {
			resources.HTTPClient.CloseIdleConnections()
		}
	}()

	outcomes := make(chan *monitor.Result, outcomeBuffer)
	consumerDone := make(chan struct{})

	go func() {
		defer close(consumerDone)

		for result := range outcomes {
			onOutcome(result)
		}
	}()

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.concurrency)

	for _, check := range checks {
		factory, err := r.registry.Lookup(check.Kind)
		if err != nil {
			// No silent fallback: the operator gets an error result and the
			// check keeps its schedule.
			outcomes <- monitor.ErrorResult(check.ID, "unknown_kind",
				fmt.Sprintf("no executor registered for kind %q", check.Kind))

			continue
		}

		instance, ok := instances[check.Kind]
		if !ok {
			instance = factory(resources, r.logger.With(slog.String("kind", string(check.Kind))))
			instances[check.Kind] = instance
		}

		group.Go(func() (err error) {
			defer func() {
				if recovered := recover(); recovered != nil {
					err = fmt.Errorf("executor panic for check %d (%s): %v",
						check.ID, check.Kind, recovered)
				}
			}()

			result := instance.Execute(groupCtx, check)
			if result == nil {
				// Cancelled mid-probe; nothing to record for this batch.
				return nil
			}

			select {
			case outcomes <- result:
			case <-groupCtx.Done():
				return groupCtx.Err()
			}

			return nil
		})
	}

	err := group.Wait()

	close(outcomes)
	<-consumerDone

	if err != nil {
		return fmt.Errorf("run batch: %w", err)
	}

	return nil
}

// buildResources pre-scans the batch and provisions only the shared resources
// it actually needs.
func (r *Runner) buildResources(checks []monitor.Check) *executor.Resources {
	resources := &executor.Resources{}

	for _, check := range checks {
		switch check.Kind {
		case monitor.KindHTTP, monitor.KindJSONHTTP, monitor.KindJSONMetrics:
			resources.HTTPClient = &http.Client{Timeout: httpClientTimeout}

			return resources
		default:
		}
	}

	return resources
}
