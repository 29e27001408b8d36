package agent

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-io/vigil/internal/executor"
	"github.com/vigil-io/vigil/internal/monitor"
	"github.com/vigil-io/vigil/internal/observability"
	"github.com/vigil-io/vigil/internal/runner"
	"github.com/vigil-io/vigil/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedExecutor returns pre-programmed results in order, one per Execute
// call.
type scriptedExecutor struct {
	script []func(checkID int64) *monitor.Result
	calls  int
}

func (s *scriptedExecutor) Execute(_ context.Context, check monitor.Check) *monitor.Result {
	build := s.script[s.calls%len(s.script)]
	s.calls++

	return build(check.ID)
}

func (s *scriptedExecutor) Close() error { return nil }

type fixture struct {
	store    monitor.Store
	handlers *Handlers
	service  monitor.Service
	check    monitor.Check
	executor *scriptedExecutor
}

func newFixture(t *testing.T, script ...func(checkID int64) *monitor.Result) *fixture {
	t.Helper()

	store := storage.NewMemoryStore()
	ctx := context.Background()

	service := monitor.Service{Name: "web"}
	require.NoError(t, store.AddService(ctx, &service))

	check := monitor.Check{ServiceID: service.ID, Name: "health", Kind: "scripted", Interval: 60}
	require.NoError(t, store.AddCheck(ctx, &check))

	scripted := &scriptedExecutor{script: script}

	registry := executor.NewRegistry()
	registry.Register("scripted", func(*executor.Resources, *slog.Logger) executor.Executor {
		return scripted
	})

	run := runner.New(registry, testLogger(), 4)
	handlers := NewHandlers(store, run, observability.NewMetrics(), testLogger())

	return &fixture{
		store:    store,
		handlers: handlers,
		service:  service,
		check:    check,
		executor: scripted,
	}
}

// executeOnce claims the check as the scheduler would and runs one batch,
// collecting the emitted events.
func (f *fixture) executeOnce(t *testing.T, now int64) []monitor.Event {
	t.Helper()

	ctx := context.Background()

	due, err := f.store.ListDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	var events []monitor.Event

	err = f.handlers.HandleExecuteChecks(ctx, monitor.ExecuteChecks{Checks: due},
		func(event monitor.Event) { events = append(events, event) })
	require.NoError(t, err)

	return events
}

func errorResult(checkID int64) *monitor.Result {
	return monitor.ErrorResult(checkID, "http_status", "unexpected HTTP status 503")
}

func okResult(checkID int64) *monitor.Result {
	return monitor.OKResult(checkID, map[string]any{"status_code": 200})
}

func TestFirstFailureEmitsCheckFailedAndServiceChange(t *testing.T) {
	f := newFixture(t, errorResult)

	events := f.executeOnce(t, time.Now().Unix())
	require.Len(t, events, 2)

	failed, ok := events[0].(monitor.CheckFailed)
	require.True(t, ok, "first event should be CheckFailed, got %T", events[0])
	assert.Equal(t, f.check.ID, failed.Check.ID)
	assert.Equal(t, monitor.ResultError, failed.Result.Status)

	changed, ok := events[1].(monitor.ServiceStatusChanged)
	require.True(t, ok, "second event should be ServiceStatusChanged, got %T", events[1])
	assert.Equal(t, monitor.StatusUnknown, changed.Previous)
	assert.Equal(t, monitor.StatusFailed, changed.Current)

	// The outcome is persisted and the schedule advanced.
	got, err := f.store.GetCheck(context.Background(), f.check.ID)
	require.NoError(t, err)
	assert.Equal(t, monitor.CheckIdle, got.Status)
	assert.Greater(t, got.NextCheckTime, time.Now().Unix())

	recent, err := f.store.RecentResults(context.Background(), f.check.ID, 5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, monitor.ResultError, recent[0].Status)
}

func TestRepeatedFailureEmitsNothing(t *testing.T) {
	f := newFixture(t, errorResult)

	now := time.Now().Unix()
	first := f.executeOnce(t, now)
	require.Len(t, first, 2)

	// Claim again after the schedule advance.
	second := f.executeOnce(t, now+f.check.Interval+1)
	assert.Empty(t, second, "a check already failed must not re-notify")
}

func TestRecoveryChangesServiceStatusWithoutCheckFailed(t *testing.T) {
	f := newFixture(t, errorResult, okResult)

	now := time.Now().Unix()
	f.executeOnce(t, now)

	events := f.executeOnce(t, now+f.check.Interval+1)
	require.Len(t, events, 1)

	changed, ok := events[0].(monitor.ServiceStatusChanged)
	require.True(t, ok, "expected ServiceStatusChanged, got %T", events[0])
	assert.Equal(t, monitor.StatusFailed, changed.Previous)
	assert.Equal(t, monitor.StatusWarning, changed.Current)
}

func TestSteadySuccessEmitsOneServiceChange(t *testing.T) {
	f := newFixture(t, okResult)

	now := time.Now().Unix()

	events := f.executeOnce(t, now)
	require.Len(t, events, 1)

	changed, ok := events[0].(monitor.ServiceStatusChanged)
	require.True(t, ok)
	assert.Equal(t, monitor.StatusUnknown, changed.Previous)
	assert.Equal(t, monitor.StatusPassed, changed.Current)

	// Steady state: no transition, no event.
	again := f.executeOnce(t, now+f.check.Interval+1)
	assert.Empty(t, again)
}

func TestUnknownKindOutcomeIsPersisted(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	service := monitor.Service{Name: "web"}
	require.NoError(t, store.AddService(ctx, &service))

	check := monitor.Check{ServiceID: service.ID, Name: "odd", Kind: "carrier-pigeon", Interval: 60}
	require.NoError(t, store.AddCheck(ctx, &check))

	run := runner.New(executor.NewRegistry(), testLogger(), 4)
	handlers := NewHandlers(store, run, observability.NewMetrics(), testLogger())

	due, err := store.ListDue(ctx, time.Now().Unix(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	var events []monitor.Event

	err = handlers.HandleExecuteChecks(ctx, monitor.ExecuteChecks{Checks: due},
		func(event monitor.Event) { events = append(events, event) })
	require.NoError(t, err)

	recent, err := store.RecentResults(ctx, check.ID, 5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, monitor.ResultError, recent[0].Status)
	assert.Equal(t, "unknown_kind", recent[0].Payload["error_type"])

	// The schedule still advances so the log is not spammed every poll.
	got, err := store.GetCheck(ctx, check.ID)
	require.NoError(t, err)
	assert.Equal(t, monitor.CheckIdle, got.Status)
	assert.Greater(t, got.NextCheckTime, time.Now().Unix())
}
