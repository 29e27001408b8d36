package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vigil-io/vigil/internal/executor"
	"github.com/vigil-io/vigil/internal/monitor"
)

// validateCheckKinds warns about persisted checks whose kind has no
// registered executor. Such checks would produce unknown_kind error results
// every interval; surfacing them at startup makes the misconfiguration
// visible before the first poll. Not fatal: the rest of the checks work.
func validateCheckKinds(ctx context.Context, store monitor.Store, registry *executor.Registry, logger *slog.Logger) error {
	checks, err := store.ListChecks(ctx)
	if err != nil {
		return fmt.Errorf("list checks for kind validation: %w", err)
	}

	for _, check := range checks {
		if check.Disabled || registry.Known(check.Kind) {
			continue
		}

		logger.Warn("check has no executor for its kind",
			slog.Int64("check_id", check.ID),
			slog.String("check_name", check.Name),
			slog.String("kind", string(check.Kind)),
			slog.Any("registered_kinds", registry.Kinds()),
		)
	}

	return nil
}
