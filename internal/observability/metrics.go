// Package observability exposes the agent's Prometheus metrics and the
// optional HTTP listener serving them.
package observability

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the agent's instruments. One instance is created at startup
// and shared by the scheduler, handlers, and cleaner.
type Metrics struct {
	registry *prometheus.Registry

	ChecksExecuted    *prometheus.CounterVec
	CheckDuration     *prometheus.HistogramVec
	BatchesReceived   prometheus.Counter
	ResultsDeleted    prometheus.Counter
	StoreErrors       prometheus.Counter
	NotificationsSent *prometheus.CounterVec
}

// NewMetrics creates the instruments on a private registry, keeping the
// default global registry (and its go runtime collectors) out of tests.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	registry.MustRegister(collectors.NewGoCollector())

	return &Metrics{
		registry: registry,
		ChecksExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Name:      "checks_executed_total",
			Help:      "Executed checks by kind and result status.",
		}, []string{"kind", "status"}),
		CheckDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vigil",
			Name:      "check_duration_seconds",
			Help:      "Wall-clock duration of check execution by kind.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"kind"}),
		BatchesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil",
			Name:      "batches_received_total",
			Help:      "ExecuteChecks commands handled.",
		}),
		ResultsDeleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil",
			Name:      "results_deleted_total",
			Help:      "Result rows removed by the retention cleaner.",
		}),
		StoreErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil",
			Name:      "store_errors_total",
			Help:      "Store operations that returned an error.",
		}),
		NotificationsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Name:      "notifications_total",
			Help:      "Notifications handed to sinks by event kind.",
		}, []string{"kind"}),
	}
}

// Handler returns the scrape handler for this metrics set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server is the optional /metrics HTTP listener.
type Server struct {
	server *http.Server
	logger *slog.Logger
}

// NewServer builds a listener on addr serving the metrics set.
func NewServer(addr string, metrics *Metrics, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start serves in a background goroutine.
func (s *Server) Start() {
	s.logger.Info("metrics listener started", slog.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics listener failed", slog.String("error", err.Error()))
		}
	}()
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
