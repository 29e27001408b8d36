// Package executor implements one probe executor per check kind and the
// registry the runner uses to look them up. Executors convert every internal
// failure into an error Result; they never leak errors across the runner
// boundary. Cancellation interrupts in-flight I/O and yields a nil Result.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/vigil-io/vigil/internal/monitor"
)

// ErrUnknownCheckKind is returned by the registry when no factory is
// registered for a check's kind.
var ErrUnknownCheckKind = errors.New("unknown check kind")

// Executor performs one probe. Execute returns nil if and only if the context
// was cancelled; every other outcome, including timeouts and bad
// configuration, is a Result.
type Executor interface {
	Execute(ctx context.Context, check monitor.Check) *monitor.Result
	Close() error
}

// Resources holds shared per-batch resources. The runner populates HTTPClient
// only when the batch contains a kind that needs it.
type Resources struct {
	HTTPClient *http.Client
}

// Factory builds an executor instance for one batch.
type Factory func(res *Resources, logger *slog.Logger) Executor

// Registry maps check kinds to executor factories.
type Registry struct {
	factories map[monitor.CheckKind]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[monitor.CheckKind]Factory)}
}

// DefaultRegistry returns a registry with every built-in kind registered.
// json-http and json-metrics share one executor.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register(monitor.KindHTTP, func(res *Resources, logger *slog.Logger) Executor {
		return NewHTTPExecutor(res, logger)
	})

	jsonFactory := func(res *Resources, logger *slog.Logger) Executor {
		return NewJSONExecutor(res, logger)
	}
	r.Register(monitor.KindJSONHTTP, jsonFactory)
	r.Register(monitor.KindJSONMetrics, jsonFactory)

	r.Register(monitor.KindDNS, func(_ *Resources, logger *slog.Logger) Executor {
		return NewDNSExecutor(logger)
	})
	r.Register(monitor.KindTCP, func(_ *Resources, logger *slog.Logger) Executor {
		return NewTCPExecutor(logger)
	})
	r.Register(monitor.KindSMTP, func(_ *Resources, logger *slog.Logger) Executor {
		return NewSMTPExecutor(logger)
	})
	r.Register(monitor.KindIMAP, func(_ *Resources, logger *slog.Logger) Executor {
		return NewIMAPExecutor(logger)
	})
	r.Register(monitor.KindSSHJSON, func(_ *Resources, logger *slog.Logger) Executor {
		return NewSSHJSONExecutor(logger)
	})

	return r
}

// Register installs a factory for a kind, replacing any previous one.
func (r *Registry) Register(kind monitor.CheckKind, factory Factory) {
	r.factories[kind] = factory
}

// Lookup returns the factory for a kind.
func (r *Registry) Lookup(kind monitor.CheckKind) (Factory, error) {
	factory, ok := r.factories[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCheckKind, kind)
	}

	return factory, nil
}

// Known reports whether a factory is registered for the kind.
func (r *Registry) Known(kind monitor.CheckKind) bool {
	_, ok := r.factories[kind]

	return ok
}

// Kinds returns the registered kinds in stable order.
func (r *Registry) Kinds() []monitor.CheckKind {
	kinds := make([]monitor.CheckKind, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}

	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	return kinds
}

// decodeData unmarshals a check's data blob into a kind-specific config
// struct. An absent blob leaves the struct at its zero value; callers apply
// defaults afterwards.
func decodeData(data json.RawMessage, out any) error {
	if len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode check data: %w", err)
	}

	return nil
}

// configError builds the error Result for an invalid check configuration.
func configError(checkID int64, msg string) *monitor.Result {
	return monitor.ErrorResult(checkID, "configuration_error", msg)
}

// cancelled reports whether the outer context ended. When it did, the check
// yields no result for the current batch and startup reconciliation takes
// care of its scheduling state.
func cancelled(ctx context.Context) bool {
	return ctx.Err() != nil
}

// retrySpec is the common retry knob shape embedded in executor configs.
// Retries apply only to errors the executor classifies as transient; every
// attempt counts and the final result reports attempts.
type retrySpec struct {
	Retries    int     `json:"retries"`
	RetryDelay float64 `json:"retry_delay"` // seconds between attempts
}

func (r retrySpec) delay() time.Duration {
	if r.RetryDelay <= 0 {
		return time.Second
	}

	return time.Duration(r.RetryDelay * float64(time.Second))
}

// retrying runs attempt up to retries+1 times, sleeping between attempts, and
// retrying only while the returned error class is transient. Returns nil when
// the context ends mid-flight; otherwise the last result with the attempt
// count stamped into its payload.
func retrying(ctx context.Context, retries int, delay time.Duration,
	attempt func(ctx context.Context) (result *monitor.Result, transient bool),
) *monitor.Result {
	attempts := 0

	for {
		attempts++

		result, transient := attempt(ctx)
		if result == nil {
			return nil
		}

		done := result.Status == monitor.ResultOK || !transient || attempts > retries
		if done {
			if result.Payload == nil {
				result.Payload = map[string]any{}
			}

			result.Payload["attempts"] = attempts

			return result
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// timeoutSeconds converts a config timeout in seconds to a duration,
// substituting the default when unset.
func timeoutSeconds(value float64, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}

	return time.Duration(value * float64(time.Second))
}
