package runner

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-io/vigil/internal/executor"
	"github.com/vigil-io/vigil/internal/monitor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubExecutor struct {
	execute func(ctx context.Context, check monitor.Check) *monitor.Result
	closed  *atomic.Int32
}

func (s *stubExecutor) Execute(ctx context.Context, check monitor.Check) *monitor.Result {
	return s.execute(ctx, check)
}

func (s *stubExecutor) Close() error {
	if s.closed != nil {
		s.closed.Add(1)
	}

	return nil
}

func stubRegistry(kind monitor.CheckKind, closed *atomic.Int32,
	execute func(ctx context.Context, check monitor.Check) *monitor.Result,
) *executor.Registry {
	registry := executor.NewRegistry()
	registry.Register(kind, func(*executor.Resources, *slog.Logger) executor.Executor {
		return &stubExecutor{execute: execute, closed: closed}
	})

	return registry
}

func checksOfKind(kind monitor.CheckKind, n int) []monitor.Check {
	checks := make([]monitor.Check, n)
	for i := range checks {
		checks[i] = monitor.Check{ID: int64(i + 1), Kind: kind}
	}

	return checks
}

func TestRunBatchDeliversEveryOutcomeExactlyOnce(t *testing.T) {
	var closed atomic.Int32

	registry := stubRegistry("stub", &closed,
		func(_ context.Context, check monitor.Check) *monitor.Result {
			return monitor.OKResult(check.ID, nil)
		})

	r := New(registry, testLogger(), 4)

	var (
		mu   sync.Mutex
		seen = make(map[int64]int)
	)

	err := r.RunBatch(context.Background(), checksOfKind("stub", 25),
		func(result *monitor.Result) {
			mu.Lock()
			defer mu.Unlock()

			seen[result.CheckID]++
		})
	require.NoError(t, err)

	assert.Len(t, seen, 25)

	for id, count := range seen {
		assert.Equal(t, 1, count, "check %d delivered more than once", id)
	}

	// One instance per kind, closed exactly once.
	assert.Equal(t, int32(1), closed.Load())
}

func TestRunBatchUnknownKindYieldsErrorOutcome(t *testing.T) {
	registry := stubRegistry("stub", nil,
		func(_ context.Context, check monitor.Check) *monitor.Result {
			return monitor.OKResult(check.ID, nil)
		})

	r := New(registry, testLogger(), 4)

	checks := []monitor.Check{
		{ID: 1, Kind: "stub"},
		{ID: 2, Kind: "carrier-pigeon"},
	}

	var (
		mu       sync.Mutex
		outcomes []*monitor.Result
	)

	err := r.RunBatch(context.Background(), checks, func(result *monitor.Result) {
		mu.Lock()
		defer mu.Unlock()

		outcomes = append(outcomes, result)
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	byID := make(map[int64]*monitor.Result, len(outcomes))
	for _, result := range outcomes {
		byID[result.CheckID] = result
	}

	assert.Equal(t, monitor.ResultOK, byID[1].Status)
	assert.Equal(t, monitor.ResultError, byID[2].Status)
	assert.Equal(t, "unknown_kind", byID[2].Payload["error_type"])
}

func TestRunBatchCancelledCheckYieldsNoOutcome(t *testing.T) {
	registry := stubRegistry("stub", nil,
		func(context.Context, monitor.Check) *monitor.Result {
			return nil // executor observed cancellation
		})

	r := New(registry, testLogger(), 4)

	delivered := 0

	err := r.RunBatch(context.Background(), checksOfKind("stub", 5),
		func(*monitor.Result) { delivered++ })
	require.NoError(t, err)

	assert.Zero(t, delivered)
}

func TestRunBatchRecoversExecutorPanic(t *testing.T) {
	var closed atomic.Int32

	registry := stubRegistry("stub", &closed,
		func(_ context.Context, check monitor.Check) *monitor.Result {
			if check.ID == 3 {
				panic("executor blew up")
			}

			return monitor.OKResult(check.ID, nil)
		})

	r := New(registry, testLogger(), 1)

	var delivered atomic.Int32

	err := r.RunBatch(context.Background(), checksOfKind("stub", 5),
		func(*monitor.Result) { delivered.Add(1) })

	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")

	// Resources are still cleaned up on the failure path.
	assert.Equal(t, int32(1), closed.Load())
}

func TestRunBatchEmptyBatch(t *testing.T) {
	r := New(executor.NewRegistry(), testLogger(), 4)

	err := r.RunBatch(context.Background(), nil, func(*monitor.Result) {
		t.Fatal("no outcome expected for an empty batch")
	})
	assert.NoError(t, err)
}

func TestRunBatchBoundsConcurrency(t *testing.T) {
	var (
		inFlight atomic.Int32
		peak     atomic.Int32
	)

	registry := stubRegistry("stub", nil,
		func(_ context.Context, check monitor.Check) *monitor.Result {
			current := inFlight.Add(1)
			defer inFlight.Add(-1)

			for {
				observed := peak.Load()
				if current <= observed || peak.CompareAndSwap(observed, current) {
					break
				}
			}

			return monitor.OKResult(check.ID, nil)
		})

	r := New(registry, testLogger(), 3)

	err := r.RunBatch(context.Background(), checksOfKind("stub", 30), func(*monitor.Result) {})
	require.NoError(t, err)

	assert.LessOrEqual(t, peak.Load(), int32(3))
}
