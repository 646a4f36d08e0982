package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"chat-history/internal/app"
	"chat-history/internal/config"
	"chat-history/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, zap.String("service", "chat-history-worker"))
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	// ---- Components ----
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to assemble message layer", zap.Error(err))
	}
	if cfg.CacheEnabled() && !a.CacheHealthy(ctx) {
		logger.Warn("cache unreachable at startup; serving from the durable store until it recovers",
			zap.String("cache_state", a.CacheState()))
	}

	// ---- Metrics ----
	var srv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.Metrics.Registry(), promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	// ---- Reconciliation ----
	if a.Job != nil {
		if err := a.Job.Start(ctx); err != nil {
			logger.Fatal("failed to start reconcile job", zap.Error(err))
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}
	if err := a.Close(); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
	}
}
