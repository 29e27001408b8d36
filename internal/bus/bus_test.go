package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-io/vigil/internal/monitor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testCommand struct{ name string }

func (c testCommand) CommandName() string { return c.name }

type testEvent struct {
	name string
	seq  int
}

func (e testEvent) EventName() string { return e.name }

func TestDispatchUnknownCommand(t *testing.T) {
	b := New(testLogger(), 2)

	err := b.Dispatch(context.Background(), testCommand{name: "nope"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestRegisterRejectsDuplicateHandler(t *testing.T) {
	b := New(testLogger(), 2)

	handler := func(context.Context, monitor.Command, func(monitor.Event)) error { return nil }

	require.NoError(t, b.Register("cmd", handler))

	err := b.Register("cmd", handler)
	assert.ErrorIs(t, err, ErrHandlerExists)
}

func TestDispatchRunsHandlerAndFansOutEvents(t *testing.T) {
	b := New(testLogger(), 2)

	require.NoError(t, b.Register("cmd",
		func(_ context.Context, _ monitor.Command, emit func(monitor.Event)) error {
			emit(testEvent{name: "happened", seq: 1})
			emit(testEvent{name: "happened", seq: 2})

			return nil
		}))

	var (
		mu   sync.Mutex
		seen []int
	)

	// Two listeners; the first one fails, which must not stop the second.
	b.Subscribe("happened", func(context.Context, monitor.Event) error {
		return errors.New("listener boom")
	})
	b.Subscribe("happened", func(_ context.Context, event monitor.Event) error {
		mu.Lock()
		defer mu.Unlock()

		seen = append(seen, event.(testEvent).seq)

		return nil
	})

	require.NoError(t, b.Dispatch(context.Background(), testCommand{name: "cmd"}))

	// Events are delivered FIFO within the dispatch.
	assert.Equal(t, []int{1, 2}, seen)
}

func TestDispatchReturnsHandlerError(t *testing.T) {
	b := New(testLogger(), 2)

	boom := errors.New("handler failed")

	require.NoError(t, b.Register("cmd",
		func(context.Context, monitor.Command, func(monitor.Event)) error {
			return boom
		}))

	err := b.Dispatch(context.Background(), testCommand{name: "cmd"})
	assert.ErrorIs(t, err, boom)
}

func TestDispatchAsyncRunsHandler(t *testing.T) {
	b := New(testLogger(), 2)

	done := make(chan struct{})

	require.NoError(t, b.Register("cmd",
		func(context.Context, monitor.Command, func(monitor.Event)) error {
			close(done)

			return nil
		}))

	require.NoError(t, b.DispatchAsync(context.Background(), testCommand{name: "cmd"}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async dispatch never ran")
	}
}

func TestCloseRejectsNewDispatchesButDrainsInFlight(t *testing.T) {
	b := New(testLogger(), 2)

	started := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})

	require.NoError(t, b.Register("slow",
		func(context.Context, monitor.Command, func(monitor.Event)) error {
			close(started)
			<-release
			close(finished)

			return nil
		}))

	require.NoError(t, b.DispatchAsync(context.Background(), testCommand{name: "slow"}))
	<-started

	closeErr := make(chan error, 1)

	go func() { closeErr <- b.Close(5 * time.Second) }()

	// New dispatches are rejected while the in-flight one drains.
	assert.Eventually(t, func() bool {
		return errors.Is(b.Dispatch(context.Background(), testCommand{name: "slow"}), ErrBusClosed)
	}, time.Second, 10*time.Millisecond)

	close(release)

	require.NoError(t, <-closeErr)

	select {
	case <-finished:
	default:
		t.Fatal("in-flight dispatch was not allowed to finish")
	}
}

func TestCloseTimesOutOnStuckDispatch(t *testing.T) {
	b := New(testLogger(), 2)

	release := make(chan struct{})
	defer close(release)

	started := make(chan struct{})

	require.NoError(t, b.Register("stuck",
		func(context.Context, monitor.Command, func(monitor.Event)) error {
			close(started)
			<-release

			return nil
		}))

	require.NoError(t, b.DispatchAsync(context.Background(), testCommand{name: "stuck"}))
	<-started

	err := b.Close(50 * time.Millisecond)
	assert.Error(t, err)
}
