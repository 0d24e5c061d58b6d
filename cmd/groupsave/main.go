package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"groupsave/internal/auth"
	"groupsave/internal/cli"
	apphttp "groupsave/internal/http"
	"groupsave/internal/log"
	"groupsave/internal/metrics"
	"groupsave/internal/middleware/ratelimit"
	"groupsave/internal/services"
)

func main() {
	cfg, logger := cli.Bootstrap(log.ComponentApp)
	logger.Info("Starting groupsave server", "port", cfg.Port, "backend", cfg.DataBackend)

	ctx, stop := cli.SignalContext()
	defer stop()

	backend := cli.InitBackend(ctx, logger, cfg)
	defer func() {
		if err := backend.Cleanup(); err != nil {
			logger.Error("Failed to release backend", "error", err)
		}
	}()

	m := metrics.New()
	engineCfg := services.Config{
		BaseURL:   cfg.BaseURL,
		InviteTTL: cfg.InviteTTL,
		Metrics:   m,
	}
	if backend.Broker != nil {
		engineCfg.Publisher = backend.Broker
	}
	engine := services.NewEngine(backend.Store, engineCfg)

	// The outbox lives in the same store as the workflow data, so it is
	// drained by the process that writes it.
	var outbox *services.OutboxProcessor
	if backend.Broker != nil {
		outboxCfg := services.DefaultOutboxProcessorConfig()
		outboxCfg.BatchSize = cfg.OutboxBatchSize
		outboxCfg.PollInterval = cfg.OutboxInterval
		outbox = services.NewOutboxProcessor(backend.Store.Outbox(), backend.Broker, m, outboxCfg)
		if err := outbox.Start(ctx); err != nil {
			logger.Error("Failed to start outbox processor", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Info("AMQP disabled - activity is recorded without outbox events")
	}

	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = cfg.RateLimitPerMinute

	srv := apphttp.NewServer(apphttp.Options{
		Addr:      ":" + cfg.Port,
		Engine:    engine,
		JWT:       auth.NewJWTManager(cfg.JWTSecret, cfg.TokenTTL),
		Store:     backend.Store,
		Metrics:   m,
		Logger:    logger,
		RateLimit: rl,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("Server error", "error", err, "port", cfg.Port)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}
	if outbox != nil {
		if err := outbox.Stop(shutdownCtx); err != nil {
			logger.Warn("Outbox processor did not stop cleanly", "error", err)
		}
	}
	logger.Info("Server stopped gracefully")
}
