// Package main provides the vigil monitoring agent.
//
// The agent polls a persistent store for due health checks, executes them
// concurrently through typed executors, records outcomes, and publishes
// status transitions to the configured notification sinks.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vigil-io/vigil/internal/agent"
	"github.com/vigil-io/vigil/internal/cleaner"
	"github.com/vigil-io/vigil/internal/config"
	"github.com/vigil-io/vigil/internal/executor"
	"github.com/vigil-io/vigil/internal/notifier"
	"github.com/vigil-io/vigil/internal/observability"
	"github.com/vigil-io/vigil/internal/scheduler"
	"github.com/vigil-io/vigil/internal/seed"
	"github.com/vigil-io/vigil/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "vigil-agent"
)

// Exit codes: 0 clean shutdown, 1 startup error, 2 irrecoverable runtime
// error.
const (
	exitStartupError = 1
	exitRuntimeError = 2
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	dbFlag := flag.String("db", "", "database: SQLite file path or postgres:// DSN (required)")
	intervalFlag := flag.Int("interval", int(scheduler.DefaultInterval.Seconds()),
		"scheduler poll interval in seconds")
	cleanupIntervalFlag := flag.Int("cleanup-interval", int(cleaner.DefaultInterval.Seconds()),
		"seconds between retention cleanup passes")
	retentionFlag := flag.Int("retention-period", int(cleaner.DefaultRetention.Seconds()),
		"result retention period in seconds")
	batchSizeFlag := flag.Int("batch-size", cleaner.DefaultBatchSize,
		"rows per cleanup delete batch")
	disableCleanerFlag := flag.Bool("disable-cleaner", false, "disable the retention cleaner")
	logLevelFlag := flag.String("log-level", "", "log level: debug, info, warn, error (default from LOG_LEVEL or info)")
	enableTelegramFlag := flag.Bool("enable-telegram", false,
		"send notifications via Telegram (TELEGRAM_BOT_TOKEN, TELEGRAM_CHAT_ID)")
	seedFlag := flag.String("seed", "", "YAML seed file of services and checks to load at startup")
	metricsAddrFlag := flag.String("metrics-addr", "", "address for the Prometheus /metrics listener (empty = disabled)")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	level := config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo)
	if *logLevelFlag != "" {
		level = config.ParseLogLevel(*logLevelFlag, level)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	if *dbFlag == "" {
		logger.Error("--db is required")
		flag.Usage()
		os.Exit(exitStartupError)
	}

	logger.Info("Starting vigil agent",
		slog.String("service", name),
		slog.String("version", version),
		slog.String("log_level", level.String()),
	)

	// An escaped panic past this point is an irrecoverable runtime error.
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("irrecoverable runtime error", slog.Any("panic", recovered))
			os.Exit(exitRuntimeError)
		}
	}()

	storageConfig := storage.NewConfig(*dbFlag)

	conn, err := storage.NewConnection(storageConfig, logger.With(slog.String("component", "storage")))
	if err != nil {
		logger.Error("Failed to open database", slog.String("error", err.Error()))
		os.Exit(exitStartupError)
	}

	store, err := storage.NewStore(conn, logger.With(slog.String("component", "storage")))
	if err != nil {
		logger.Error("Failed to initialize store", slog.String("error", err.Error()))

		_ = conn.Close()
		os.Exit(exitStartupError)
	}

	defer func() {
		_ = store.Close() // Ensure connection closes on normal shutdown
	}()

	logger.Info("Store initialized",
		slog.String("database", storageConfig.MaskDSN()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *seedFlag != "" {
		file, err := seed.Load(*seedFlag)
		if err != nil {
			logger.Error("Failed to load seed file", slog.String("error", err.Error()))
			os.Exit(exitStartupError)
		}

		if err := seed.Apply(ctx, store, file, logger); err != nil {
			logger.Error("Failed to apply seed file", slog.String("error", err.Error()))
			os.Exit(exitStartupError)
		}
	}

	notify, err := buildNotifier(logger, *enableTelegramFlag)
	if err != nil {
		logger.Error("Failed to configure notifier sinks", slog.String("error", err.Error()))
		os.Exit(exitStartupError)
	}

	metrics := observability.NewMetrics()

	var metricsServer *observability.Server
	if *metricsAddrFlag != "" {
		metricsServer = observability.NewServer(*metricsAddrFlag, metrics,
			logger.With(slog.String("component", "metrics")))
		metricsServer.Start()
	}

	engine := agent.New(store, executor.DefaultRegistry(), notify, metrics, logger, agent.Options{
		PollInterval:    time.Duration(*intervalFlag) * time.Second,
		CleanupInterval: time.Duration(*cleanupIntervalFlag) * time.Second,
		Retention:       time.Duration(*retentionFlag) * time.Second,
		BatchSize:       *batchSizeFlag,
		DisableCleaner:  *disableCleanerFlag,
		Concurrency:     config.GetEnvInt("VIGIL_RUNNER_CONCURRENCY", 0),
	})

	if err := engine.Start(ctx); err != nil {
		logger.Error("Agent failed to start", slog.String("error", err.Error()))
		os.Exit(exitStartupError)
	}

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	engine.Stop()

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = metricsServer.Stop(shutdownCtx)
	}

	logger.Info("vigil agent stopped")
}

// buildNotifier assembles the sink set: the structured log always, Telegram
// when enabled, Kafka and Redis when their environment variables are present.
func buildNotifier(logger *slog.Logger, enableTelegram bool) (notifier.Notifier, error) {
	sinks := []notifier.Notifier{
		notifier.NewLogNotifier(logger.With(slog.String("component", "notifier"))),
	}

	if enableTelegram {
		telegram, err := notifier.NewTelegramNotifier(
			os.Getenv("TELEGRAM_BOT_TOKEN"), os.Getenv("TELEGRAM_CHAT_ID"))
		if err != nil {
			return nil, err
		}

		sinks = append(sinks, telegram)
		logger.Info("Telegram notifications enabled")
	}

	if brokers := config.ParseCommaSeparatedList(config.GetEnvStr("VIGIL_KAFKA_BROKERS", "")); len(brokers) > 0 {
		topic := config.GetEnvStr("VIGIL_KAFKA_TOPIC", "")
		if topic == "" {
			return nil, fmt.Errorf("VIGIL_KAFKA_TOPIC is required with VIGIL_KAFKA_BROKERS")
		}

		sinks = append(sinks, notifier.NewKafkaNotifier(brokers, topic))
		logger.Info("Kafka notifications enabled", slog.Any("brokers", brokers), slog.String("topic", topic))
	}

	if addr := config.GetEnvStr("VIGIL_REDIS_ADDR", ""); addr != "" {
		channel := config.GetEnvStr("VIGIL_REDIS_CHANNEL", "vigil:notifications")
		sinks = append(sinks, notifier.NewRedisNotifier(addr, channel))
		logger.Info("Redis notifications enabled", slog.String("addr", addr), slog.String("channel", channel))
	}

	return notifier.NewComposite(logger.With(slog.String("component", "notifier")), sinks...), nil
}
