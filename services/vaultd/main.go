package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	xusdconfig "xusd/config"
	"xusd/core/events"
	"xusd/observability"
	"xusd/observability/logging"
	telemetry "xusd/observability/otel"
	"xusd/services/vaultd/config"
	"xusd/services/vaultd/journal"
	"xusd/services/vaultd/keeper"
	"xusd/services/vaultd/runtime"
	"xusd/services/vaultd/server"
	"xusd/storage"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/vaultd/config.yaml", "path to vaultd configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("XUSD_ENV"))
	logger, logCloser := logging.SetupWithOptions("vaultd", env, logging.Options{
		Level: logging.ParseLevel(cfg.Logging.Level),
		File: logging.FileOptions{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		},
	})
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("vaultd", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	params, err := xusdconfig.LoadParams(cfg.ParamsFile)
	if err != nil {
		return fmt.Errorf("load params: %w", err)
	}

	db, err := storage.NewLevelDB(cfg.SnapshotDir)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	defer db.Close()

	gormDB, err := journal.Open(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	j, err := journal.New(gormDB, logger)
	if err != nil {
		return fmt.Errorf("init journal: %w", err)
	}
	logger.Info("event journal opened", logging.MaskDSN("database", cfg.DatabaseDSN), slog.Int64("seq", j.LastSeq()))
	hub := server.NewHub(logger)
	emitter := events.MultiEmitter{j, hub, observability.NewEventMetrics()}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := runtime.Build(ctx, cfg, params, db, emitter, logger)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}

	jobs := keeper.New(rt.Engine, rt.Keeper(), rt.Do, logger)
	if err := jobs.Register(cfg.Keeper); err != nil {
		return err
	}
	jobs.Start(ctx)
	defer jobs.Stop()

	srv, err := server.New(cfg, rt, j, hub, logger)
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}
	logger.Info("vaultd starting",
		slog.String("listen", cfg.ListenAddress),
		slog.Int("keeper_jobs", len(jobs.Jobs())))
	if err := srv.Run(ctx); err != nil {
		return err
	}
	if err := rt.Snapshot(); err != nil {
		return fmt.Errorf("final snapshot: %w", err)
	}
	logger.Info("vaultd stopped")
	return nil
}
