// Command tick runs exactly one scheduler tick and exits, for external cron.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/backoffice-core/internal/app"
	"github.com/angelmondragon/backoffice-core/pkg/config"
	"github.com/angelmondragon/backoffice-core/pkg/logger"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "tick"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = "tick"

	logg = logger.New(logger.Options{
		ServiceName: "tick",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := app.Connect(ctx, cfg, logg)
	if err != nil {
		logg.Error(ctx, "failed to connect dependencies", err)
		os.Exit(1)
	}

	worker, err := app.New(app.Params{
		Config:     cfg,
		Logger:     logg,
		Components: components,
		Registerer: prometheus.NewRegistry(),
	})
	if err != nil {
		logg.Error(ctx, "failed to assemble worker", err)
		_ = components.Close()
		os.Exit(1)
	}

	ctx = logg.WithWorkerID(ctx, worker.WorkerID)
	result := worker.Orchestrator.RunTick(ctx)

	errorCount := 0
	for _, report := range result.Reports {
		errorCount += report.ErrorCount
	}
	logg.Info(logg.WithFields(ctx, map[string]any{
		"run_id":   result.RunID,
		"acquired": result.Acquired,
		"runners":  len(result.Reports),
		"skipped":  result.Skipped,
		"errors":   errorCount,
	}), "tick finished")

	if err := components.Close(); err != nil {
		logg.Error(ctx, "error closing clients", err)
	}
}
