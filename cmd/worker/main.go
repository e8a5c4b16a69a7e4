package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/backoffice-core/internal/app"
	"github.com/angelmondragon/backoffice-core/internal/scheduler"
	"github.com/angelmondragon/backoffice-core/pkg/config"
	"github.com/angelmondragon/backoffice-core/pkg/logger"
	"github.com/angelmondragon/backoffice-core/pkg/migrate"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = "worker"

	logg = logger.New(logger.Options{
		ServiceName: "worker",
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
	defer func() {
		if err := components.Close(); err != nil {
			logg.Error(context.Background(), "error closing clients", err)
		}
	}()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, components.DB); err != nil {
		logg.Error(ctx, "failed to run dev migrations", err)
		os.Exit(1)
	}

	worker, err := app.New(app.Params{
		Config:     cfg,
		Logger:     logg,
		Components: components,
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		logg.Error(ctx, "failed to assemble worker", err)
		os.Exit(1)
	}

	trigger := scheduler.NewIntervalTrigger(nil, cfg.Scheduler.Interval)
	defer trigger.Stop()

	service, err := NewService(ServiceParams{
		Logger:  logg,
		Loop:    worker.Orchestrator,
		Trigger: trigger,
		Server: &http.Server{
			Addr:              ":" + cfg.App.Port,
			Handler:           worker.HTTPHandler(prometheus.DefaultGatherer),
			ReadHeaderTimeout: 10 * time.Second,
		},
	})
	if err != nil {
		logg.Error(ctx, "failed to create worker service", err)
		os.Exit(1)
	}

	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"runners":     cfg.Scheduler.Runners(),
	})
	ctx = logg.WithWorkerID(ctx, worker.WorkerID)
	logg.Info(ctx, "starting worker")

	if err := service.Run(ctx); err != nil {
		logg.Error(ctx, "worker stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "worker shutting down gracefully")
}
