package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"kcopilot/backend/internal/app"
	"kcopilot/backend/internal/config"
	"kcopilot/backend/internal/logger"
)

func main() {
	log := logger.New(os.Stdout, slog.LevelInfo)
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		slog.Error("application exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	deps, err := app.Bootstrap(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	application, err := app.New(ctx, cfg, deps.DB, deps.Store, deps.NSQProducer, logger, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := application.Close(); err != nil {
			logger.Warn("failed to close application", "error", err)
		}
	}()

	if cfg.EnableSyncWorker {
		consumers, err := application.StartConsumers(cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			for _, c := range consumers {
				c.Stop()
				<-c.StopChan
			}
		}()
		go application.Scheduler.Run(ctx)
	}

	if !cfg.EnableAPI {
		logger.Info("api disabled, running workers only")
		<-ctx.Done()
		return nil
	}
	return application.Run(ctx)
}
