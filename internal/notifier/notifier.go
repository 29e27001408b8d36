// Package notifier publishes check and service transitions to configured
// sinks (log, Telegram, Kafka, Redis). Delivery failures are logged, never
// propagated: a broken notification channel must not disturb monitoring.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/vigil-io/vigil/internal/monitor"
)

// Notification is the sink-independent representation of one alert.
type Notification struct {
	Kind      string         `json:"kind"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Fields    map[string]any `json:"fields,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Text renders the notification as a plain message for chat-style sinks.
func (n Notification) Text() string {
	return n.Title + "\n" + n.Body
}

// JSON renders the notification for structured sinks.
func (n Notification) JSON() ([]byte, error) {
	encoded, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("encode notification: %w", err)
	}

	return encoded, nil
}

// Notifier delivers notifications to one sink.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
	Close() error
}

// FromCheckFailed builds the notification for a check transitioning into
// failed.
func FromCheckFailed(event monitor.CheckFailed) Notification {
	errorType, _ := event.Result.Payload["error_type"].(string)
	errorMsg, _ := event.Result.Payload["error_msg"].(string)

	body := fmt.Sprintf("kind=%s target=%s", event.Check.Kind, event.Check.Target)
	if errorType != "" {
		body += fmt.Sprintf("\n%s: %s", errorType, errorMsg)
	}

	return Notification{
		Kind:  monitor.CheckFailed{}.EventName(),
		Title: fmt.Sprintf("Check failed: %s", event.Check.Name),
		Body:  body,
		Fields: map[string]any{
			"check_id":   event.Check.ID,
			"check_name": event.Check.Name,
			"check_kind": string(event.Check.Kind),
			"target":     event.Check.Target,
			"payload":    event.Result.Payload,
		},
		CreatedAt: time.Unix(event.Result.CreatedAt, 0).UTC(),
	}
}

// FromServiceStatusChanged builds the notification for a service aggregate
// transition.
func FromServiceStatusChanged(event monitor.ServiceStatusChanged) Notification {
	return Notification{
		Kind: monitor.ServiceStatusChanged{}.EventName(),
		Title: fmt.Sprintf("Service %s: %s -> %s",
			event.Service.Name, event.Previous, event.Current),
		Body: fmt.Sprintf("service %q changed from %s to %s",
			event.Service.Name, event.Previous, event.Current),
		Fields: map[string]any{
			"service_id":   event.Service.ID,
			"service_name": event.Service.Name,
			"previous":     string(event.Previous),
			"current":      string(event.Current),
		},
		CreatedAt: time.Now().UTC(),
	}
}

// Composite fans one notification out to every sink, logging per-sink
// failures.
type Composite struct {
	sinks  []Notifier
	logger *slog.Logger
}

var _ Notifier = (*Composite)(nil)

// NewComposite bundles sinks into one Notifier.
func NewComposite(logger *slog.Logger, sinks ...Notifier) *Composite {
	return &Composite{sinks: sinks, logger: logger}
}

// Notify delivers to every sink; it never returns an error.
func (c *Composite) Notify(ctx context.Context, notification Notification) error {
	for _, sink := range c.sinks {
		if err := sink.Notify(ctx, notification); err != nil {
			c.logger.Error("notification delivery failed",
				slog.String("sink", fmt.Sprintf("%T", sink)),
				slog.String("kind", notification.Kind),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

// Close closes every sink, returning the first error.
func (c *Composite) Close() error {
	var firstErr error

	for _, sink := range c.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// LogNotifier writes notifications to the structured log. Always enabled; it
// doubles as the audit trail of what the other sinks were asked to deliver.
type LogNotifier struct {
	logger *slog.Logger
}

var _ Notifier = (*LogNotifier)(nil)

// NewLogNotifier builds the sink.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs the notification.
func (l *LogNotifier) Notify(_ context.Context, notification Notification) error {
	l.logger.Warn("notification",
		slog.String("kind", notification.Kind),
		slog.String("title", notification.Title),
		slog.Any("fields", notification.Fields),
	)

	return nil
}

// Close implements Notifier.
func (l *LogNotifier) Close() error { return nil }
