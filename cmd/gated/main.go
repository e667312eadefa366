// Gated is the validation pipeline daemon.
//
// It executes gated TDD validation runs, streams per-pipeline progress
// events over SSE with backfill, and schedules microplan work units in
// dependency order.
//
// Configuration is loaded from an optional YAML file and GATED_*
// environment variables. See internal/config for details.
//
// Usage:
//
//	# Start with defaults (in-memory store, localhost:9747)
//	gated
//
//	# Configure via file and environment
//	gated -config /etc/gated/config.yaml
//	GATED_SERVER_PORT=8080 GATED_STORE_PATH=/var/lib/gated/gated.db gated
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gated/internal/config"
	"github.com/fyrsmithlabs/gated/internal/eventlog"
	"github.com/fyrsmithlabs/gated/internal/execenv"
	"github.com/fyrsmithlabs/gated/internal/logging"
	"github.com/fyrsmithlabs/gated/internal/microplan"
	"github.com/fyrsmithlabs/gated/internal/scheduler"
	"github.com/fyrsmithlabs/gated/internal/store"
	"github.com/fyrsmithlabs/gated/internal/stream"
	"github.com/fyrsmithlabs/gated/internal/telemetry"
	"github.com/fyrsmithlabs/gated/internal/validation"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  gated           Start the gated daemon\n")
			fmt.Fprintf(os.Stderr, "  gated version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("gated\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// planRunner builds a scheduler executor per project so each plan's
// verify commands run in their own checkout.
type planRunner struct {
	cfg    *config.Config
	events *eventlog.Log
	logger *zap.Logger
}

func (p *planRunner) ExecutePlan(ctx context.Context, pipelineID, projectPath string, doc *microplan.Document) (*scheduler.Result, error) {
	runner := execenv.NewVerifyRunner(projectPath, p.cfg.Executor.ValidatorTimeout, p.logger)
	ex := scheduler.NewExecutor(runner, p.events, p.cfg.Scheduler.MaxParallelUnits, p.logger)
	return ex.Execute(ctx, pipelineID, doc)
}

// run starts the daemon and blocks until the context is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logging.Sync(logger)
	}()

	logger.Info("starting gated",
		zap.String("version", version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(registry)

	var runStore validation.Store
	if cfg.Store.Path != "" {
		sqlite, err := store.NewSQLite(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer func() {
			if err := sqlite.Close(); err != nil {
				logger.Warn("closing store", zap.Error(err))
			}
		}()
		runStore = sqlite
		logger.Info("using sqlite store", zap.String("path", cfg.Store.Path))
	} else {
		runStore = store.NewMemory()
		logger.Warn("no store path configured, runs are not persisted across restarts")
	}

	events := eventlog.New(cfg.EventLog.MaxEventsPerPipeline, logger, eventlog.WithMetrics(metrics))
	sweeper := eventlog.NewSweeper(events, cfg.EventLog.Retention, cfg.EventLog.SweepInterval, logger)
	sweeper.Start()
	defer sweeper.Stop()

	tokens := execenv.NewTokenCounter(logger)
	factory := execenv.NewServiceFactory(
		execenv.DefaultGoToolCommands(),
		cfg.Executor.ValidatorTimeout,
		tokens,
		logger,
	)

	builder := validation.NewBuilder(runStore, validation.Services{}, logger,
		validation.WithServiceFactory(factory))
	executor := validation.NewExecutor(runStore, builder, validation.DefaultRegistry(), events, logger,
		validation.WithValidatorTimeout(cfg.Executor.ValidatorTimeout),
		validation.WithStoreRetries(cfg.Executor.StoreRetries),
		validation.WithExecutorMetrics(metrics),
	)
	manager := validation.NewManager(executor, logger)

	srv, err := stream.NewServer(runStore, events, manager, registry, logger,
		stream.Config{Host: cfg.Server.Host, Port: cfg.Server.Port},
		stream.WithPlanRunner(&planRunner{cfg: cfg, events: events, logger: logger}),
	)
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", zap.Error(err))
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("run manager shutdown", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}
