// Package bus provides synchronous in-process command/event dispatch.
//
// A command has exactly one handler; dispatching an unknown command fails
// fast. An event fans out to zero or more listeners; a failing listener is
// logged and does not prevent other listeners from running. Events emitted
// while handling a command are dispatched FIFO after the handler returns,
// within the same originating call.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-io/vigil/internal/monitor"
)

var (
	// ErrUnknownCommand is returned when no handler is registered for a
	// dispatched command.
	ErrUnknownCommand = errors.New("no handler registered for command")

	// ErrHandlerExists is returned when a second handler is registered for
	// the same command name.
	ErrHandlerExists = errors.New("command handler already registered")

	// ErrBusClosed is returned when dispatching after Close.
	ErrBusClosed = errors.New("message bus is closed")
)

// CommandHandler processes one command. Events passed to emit are dispatched
// in order after the handler returns.
type CommandHandler func(ctx context.Context, cmd monitor.Command, emit func(monitor.Event)) error

// EventListener consumes one event. A returned error is logged, not
// propagated.
type EventListener func(ctx context.Context, event monitor.Event) error

// Bus routes commands to their single handler and fans events out to
// listeners. DispatchAsync runs the dispatch on a bounded worker pool so
// callers (the scheduler loop in particular) never block on execution.
type Bus struct {
	logger *slog.Logger

	mu        sync.RWMutex
	handlers  map[string]CommandHandler
	listeners map[string][]EventListener
	closed    bool

	workers chan struct{}
	wg      sync.WaitGroup
}

// New creates a bus whose asynchronous dispatches share a pool of the given
// number of workers.
func New(logger *slog.Logger, workers int) *Bus {
	if workers <= 0 {
		workers = 4
	}

	return &Bus{
		logger:    logger,
		handlers:  make(map[string]CommandHandler),
		listeners: make(map[string][]EventListener),
		workers:   make(chan struct{}, workers),
	}
}

// Register installs the handler for a command name.
func (b *Bus) Register(name string, handler CommandHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.handlers[name]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, name)
	}

	b.handlers[name] = handler

	return nil
}

// Subscribe appends a listener for an event name.
func (b *Bus) Subscribe(name string, listener EventListener) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.listeners[name] = append(b.listeners[name], listener)
}

// Dispatch runs the command's handler synchronously, then dispatches every
// emitted event FIFO. Listener errors are logged; only handler errors (and
// unknown commands) are returned.
func (b *Bus) Dispatch(ctx context.Context, cmd monitor.Command) error {
	b.mu.RLock()

	if b.closed {
		b.mu.RUnlock()

		return ErrBusClosed
	}

	b.mu.RUnlock()

	return b.dispatch(ctx, cmd)
}

// dispatch is Dispatch without the closed check, so asynchronous dispatches
// accepted before Close still run to completion during the grace period.
func (b *Bus) dispatch(ctx context.Context, cmd monitor.Command) error {
	b.mu.RLock()
	handler, ok := b.handlers[cmd.CommandName()]
	b.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.CommandName())
	}

	correlationID := uuid.NewString()
	logger := b.logger.With(
		slog.String("command", cmd.CommandName()),
		slog.String("correlation_id", correlationID),
	)

	var queue []monitor.Event

	emit := func(event monitor.Event) {
		queue = append(queue, event)
	}

	if err := handler(ctx, cmd, emit); err != nil {
		return fmt.Errorf("handle %s: %w", cmd.CommandName(), err)
	}

	// FIFO within this originating call. Listeners appended during iteration
	// are not possible (registration happens at startup), but events are
	// consumed in emission order by construction.
	for _, event := range queue {
		b.publish(ctx, logger, event)
	}

	return nil
}

// publish fans one event out to its listeners, logging failures.
func (b *Bus) publish(ctx context.Context, logger *slog.Logger, event monitor.Event) {
	b.mu.RLock()
	listeners := b.listeners[event.EventName()]
	b.mu.RUnlock()

	for _, listener := range listeners {
		if err := listener(ctx, event); err != nil {
			logger.Error("event listener failed",
				slog.String("event", event.EventName()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// DispatchAsync hands the command to the worker pool and returns immediately.
// The dispatch error, if any, is logged. Returns ErrBusClosed after Close.
func (b *Bus) DispatchAsync(ctx context.Context, cmd monitor.Command) error {
	b.mu.RLock()

	if b.closed {
		b.mu.RUnlock()

		return ErrBusClosed
	}

	b.wg.Add(1)
	b.mu.RUnlock()

	go func() {
		defer b.wg.Done()

		select {
		case b.workers <- struct{}{}:
			defer func() { <-b.workers }()
		case <-ctx.Done():
			b.logger.Warn("async dispatch abandoned before a worker was free",
				slog.String("command", cmd.CommandName()))

			return
		}

		if err := b.dispatch(ctx, cmd); err != nil {
			b.logger.Error("async dispatch failed",
				slog.String("command", cmd.CommandName()),
				slog.String("error", err.Error()),
			)
		}
	}()

	return nil
}

// Close rejects new dispatches and waits up to grace for in-flight asynchronous
// dispatches to finish.
func (b *Bus) Close(grace time.Duration) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})

	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("%w: in-flight dispatches did not finish within %s", ErrBusClosed, grace)
	}
}
