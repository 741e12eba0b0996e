// Package main implements the flow execution daemon: it connects to NATS,
// provisions the key-value buckets, assembles the engine with the builtin
// flow types and output plugins, and runs the scheduler until shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/thinrope/grr/audit"
	"github.com/thinrope/grr/config"
	"github.com/thinrope/grr/engine"
	"github.com/thinrope/grr/flow"
	"github.com/thinrope/grr/flowstore"
	"github.com/thinrope/grr/metric"
	"github.com/thinrope/grr/natsclient"
	"github.com/thinrope/grr/outputplugin"
	"github.com/thinrope/grr/pluginregistry"
)

const (
	Version = "0.1.0"
	appName = "grr-server"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to JSON config file")
		logLevel   = flag.String("log-level", "info", "log level: debug, info, warn, error")
		validate   = flag.Bool("validate", false, "validate config and exit")
		version    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Printf("%s %s\n", appName, Version)
		return nil
	}

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *validate {
		logger.Info("configuration is valid")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsRegistry := metric.NewMetricsRegistry()
	metrics := metricsRegistry.CoreMetrics()

	client, err := natsclient.NewClient(cfg.NATS.URL,
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithCredentials(cfg.NATS.CredentialsFile),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithLogger(logger),
		natsclient.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("create nats client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer client.Close()

	flows, err := flowstore.NewFlowStore(ctx, client)
	if err != nil {
		return fmt.Errorf("provision flow bucket: %w", err)
	}
	statuses, err := flowstore.NewStatusStore(ctx, client)
	if err != nil {
		return fmt.Errorf("provision status bucket: %w", err)
	}
	cronJobs, err := flowstore.NewCronStore(ctx, client)
	if err != nil {
		return fmt.Errorf("provision cron bucket: %w", err)
	}

	flowTypes := flow.NewRegistry()
	if err := pluginregistry.RegisterFlowTypes(flowTypes); err != nil {
		return fmt.Errorf("register flow types: %w", err)
	}
	plugins := outputplugin.NewRegistry()
	if err := pluginregistry.RegisterPlugins(plugins, cfg.SMTP); err != nil {
		return fmt.Errorf("register output plugins: %w", err)
	}

	eng := engine.New(
		engine.Stores{Flows: flows, Statuses: statuses, Cron: cronJobs},
		engine.Registries{FlowTypes: flowTypes, Plugins: plugins},
		engine.WithLogger(logger),
		engine.WithMetrics(metrics, metricsRegistry),
		engine.WithAuditSink(audit.NewNATSSink(client, logger)),
		engine.WithBatching(cfg.Pipeline.MaxBatchSize, cfg.Pipeline.FlushInterval()),
		engine.WithBatchWorkers(cfg.Pipeline.BatchWorkers, cfg.Pipeline.BatchQueueSize),
		engine.WithCronTick(cfg.Cron.Tick()))

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(cfg.Metrics.Port, "/metrics", metricsRegistry)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}

	logger.Info("daemon running",
		"version", Version,
		"nats_url", cfg.NATS.URL,
		"flow_types", flowTypes.Names(),
		"plugins", plugins.Names())

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error("metrics server stop failed", "error", err)
		}
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		logger.Error("engine stop failed", "error", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}
