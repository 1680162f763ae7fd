package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"classroom/internal/alerts"
	"classroom/internal/attendance"
	"classroom/internal/config"
	"classroom/internal/httpapi"
	"classroom/internal/logging"
	"classroom/internal/store"
)

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

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, log); err != nil {
		log.Fatal("http server failed", zap.Error(err))
	}
}

func runHTTP(cfg config.App, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := store.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer backend.Close()

	svc := attendance.NewService(backend.Repo,
		attendance.WithPublisher(backend.Queue),
		attendance.WithLogger(log.Named("attendance")),
		attendance.WithLocateTimeout(cfg.GeolocationTimeout),
	)

	// Nothing outside this process can read an in-memory queue.
	if cfg.QueueBackend == "memory" {
		consumer := alerts.NewConsumer(svc, log.Named("alerts"))
		go func() {
			if err := consumer.Run(ctx, backend.Queue); err != nil {
				log.Error("in-process consumer stopped", zap.Error(err))
			}
		}()
	}

	health := make(map[string]httpapi.HealthCheck, len(backend.Health))
	for name, check := range backend.Health {
		health[name] = check
	}
	r := httpapi.NewRouter(httpapi.Config{
		SigningKey:      cfg.JWTSigningKey,
		Issuer:          cfg.JWTIssuer,
		CheckinBaseURL:  cfg.CheckinBaseURL,
		CORSOrigins:     cfg.CORSOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
		Health:          health,
	}, svc, log.Named("http"))

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("addr", srv.Addr), zap.String("store", cfg.StoreBackend), zap.String("queue", cfg.QueueBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server forced shutdown", zap.Error(err))
	}
	log.Info("server exited")
	return nil
}
