package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"classroom/internal/alerts"
	"classroom/internal/attendance"
	"classroom/internal/config"
	"classroom/internal/logging"
	"classroom/internal/store"
)

// Worker consumes attendance events and flags students whose attendance
// dropped below their group's notification threshold when a session ends.
func main() {
	cfg := config.Load()
	log, err := logging.New(cfg.Production(), cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	for _, w := range cfg.Warnings {
		log.Warn("config", zap.String("detail", w))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := store.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal("backend init failed", zap.Error(err))
	}
	defer backend.Close()

	svc := attendance.NewService(backend.Repo, attendance.WithLogger(log.Named("attendance")))
	consumer := alerts.NewConsumer(svc, log.Named("alerts"))

	if cfg.QueueBackend == "memory" {
		log.Warn("memory queue only carries events published by this process; use QUEUE_BACKEND=redis")
	}
	log.Info("worker started, waiting for messages", zap.String("queue", cfg.QueueBackend))
	if err := consumer.Run(ctx, backend.Queue); err != nil {
		log.Fatal("queue consume failed", zap.Error(err))
	}
	log.Info("worker stopped")
}
