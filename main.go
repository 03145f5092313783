package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"conveyor/features/job"
	"conveyor/internal/app"
	"conveyor/internal/config"
	"conveyor/internal/logger"
)

func main() {
	// Structured logger with correlation-id enrichment
	handler := logger.NewContextHandler(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	deps, err := app.Bootstrap(cfg)
	if err != nil {
		slog.Error("failed to bootstrap dependencies", "error", err)
		os.Exit(1)
	}
	defer deps.DB.Close()

	var statusPub job.StatusPublisher
	if deps.NSQProducer != nil {
		statusPub = deps.NSQProducer
	}

	a, err := app.New(cfg, deps.DB, statusPub)
	if err != nil {
		slog.Error("failed to build app", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.EnableDispatcher {
		interval := time.Duration(cfg.DispatchIntervalSeconds) * time.Second
		go a.Dispatcher.Run(ctx, interval)
	} else {
		slog.Info("internal dispatcher disabled, expecting external tick trigger")
	}

	if err := a.Run(ctx); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}
