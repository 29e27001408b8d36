package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vigil-io/vigil/internal/monitor"
	"github.com/vigil-io/vigil/internal/observability"
	"github.com/vigil-io/vigil/internal/runner"
)

// Handlers owns the command side of the bus: executing a batch of due checks
// and persisting each outcome as it arrives.
type Handlers struct {
	store   monitor.Store
	runner  *runner.Runner
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewHandlers builds the handler set.
func NewHandlers(store monitor.Store, r *runner.Runner, metrics *observability.Metrics, logger *slog.Logger) *Handlers {
	return &Handlers{store: store, runner: r, metrics: metrics, logger: logger}
}

// HandleExecuteChecks runs one batch. Outcomes are persisted from the
// runner's single consumer goroutine, so per-check ordering is the order the
// executor produced them.
func (h *Handlers) HandleExecuteChecks(ctx context.Context, cmd monitor.Command, emit func(monitor.Event)) error {
	batch, ok := cmd.(monitor.ExecuteChecks)
	if !ok {
		return fmt.Errorf("unexpected command type %T", cmd)
	}

	h.metrics.BatchesReceived.Inc()

	byID := make(map[int64]monitor.Check, len(batch.Checks))
	for _, check := range batch.Checks {
		byID[check.ID] = check
	}

	return h.runner.RunBatch(ctx, batch.Checks, func(result *monitor.Result) {
		check, ok := byID[result.CheckID]
		if !ok {
			h.logger.Error("outcome for a check outside the batch",
				slog.Int64("check_id", result.CheckID))

			return
		}

		h.persistOutcome(ctx, check, result, emit)
	})
}

// persistOutcome records one result, advances the check's schedule, and emits
// transition events. Store failures are logged and the check is returned to
// idle on a best-effort basis so it is not stuck in processing until restart.
func (h *Handlers) persistOutcome(ctx context.Context, check monitor.Check, result *monitor.Result, emit func(monitor.Event)) {
	h.observeOutcome(check, result)

	previous, err := h.store.RecentResults(ctx, check.ID, monitor.StatusWindow)
	if err != nil {
		h.metrics.StoreErrors.Inc()
		h.logger.Error("reading recent results failed",
			slog.Int64("check_id", check.ID),
			slog.String("error", err.Error()),
		)

		previous = nil
	}

	previousStatus := monitor.DeriveCheckStatus(previous)
	previousService := h.serviceStatus(ctx, check.ServiceID)

	nextCheckTime := time.Now().Unix() + check.Interval

	if err := h.store.RecordExecution(ctx, result, nextCheckTime); err != nil {
		h.metrics.StoreErrors.Inc()
		h.logger.Error("recording execution failed",
			slog.Int64("check_id", check.ID),
			slog.String("status", string(result.Status)),
			slog.String("error", err.Error()),
		)

		// The result is lost but the check must not stay claimed.
		if err := h.store.UpdateCheckAfterExecution(ctx, check.ID, nextCheckTime); err != nil {
			h.logger.Error("releasing check after failed write failed",
				slog.Int64("check_id", check.ID),
				slog.String("error", err.Error()),
			)
		}

		return
	}

	window := make([]monitor.Result, 0, monitor.StatusWindow)
	window = append(window, *result)

	for _, r := range previous {
		if len(window) == monitor.StatusWindow {
			break
		}

		window = append(window, r)
	}

	currentStatus := monitor.DeriveCheckStatus(window)

	if currentStatus == monitor.StatusFailed && previousStatus != monitor.StatusFailed {
		emit(monitor.CheckFailed{Check: check, Result: *result})
	}

	currentService := h.serviceStatus(ctx, check.ServiceID)
	if previousService != currentService {
		service, err := h.store.GetService(ctx, check.ServiceID)
		if err != nil {
			h.logger.Error("loading service for status event failed",
				slog.Int64("service_id", check.ServiceID),
				slog.String("error", err.Error()),
			)

			return
		}

		emit(monitor.ServiceStatusChanged{
			Service:  *service,
			Previous: previousService,
			Current:  currentService,
		})
	}
}

// serviceStatus derives the aggregate status of a service from its checks'
// recent results. Errors degrade to unknown; the caller compares two
// snapshots, so a transient read failure at worst suppresses one event.
func (h *Handlers) serviceStatus(ctx context.Context, serviceID int64) monitor.DerivedStatus {
	checks, err := h.store.ListChecksByService(ctx, serviceID)
	if err != nil {
		h.metrics.StoreErrors.Inc()
		h.logger.Error("listing service checks failed",
			slog.Int64("service_id", serviceID),
			slog.String("error", err.Error()),
		)

		return monitor.StatusUnknown
	}

	statuses := make([]monitor.DerivedStatus, 0, len(checks))

	for _, check := range checks {
		recent, err := h.store.RecentResults(ctx, check.ID, monitor.StatusWindow)
		if err != nil {
			h.metrics.StoreErrors.Inc()

			statuses = append(statuses, monitor.StatusUnknown)

			continue
		}

		statuses = append(statuses, monitor.DeriveCheckStatus(recent))
	}

	return monitor.DeriveServiceStatus(statuses)
}

func (h *Handlers) observeOutcome(check monitor.Check, result *monitor.Result) {
	h.metrics.ChecksExecuted.WithLabelValues(string(check.Kind), string(result.Status)).Inc()

	if ms, ok := result.Payload["duration_ms"].(int64); ok {
		h.metrics.CheckDuration.WithLabelValues(string(check.Kind)).Observe(float64(ms) / 1000)
	}
}
