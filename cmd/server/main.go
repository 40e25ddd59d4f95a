package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Guizzs26/booking-sync/internal/app"
	"github.com/Guizzs26/booking-sync/internal/config"
	"github.com/Guizzs26/booking-sync/pkg/infra"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg := config.Load()
	logger, closeLog := infra.SetupLogger(cfg)
	defer closeLog()
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("FATAL: invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("🔧 Initializing booking sync service...",
		"environment", cfg.Environment,
		"store", cfg.StoreDriver,
		"events", cfg.EventsSink,
	)

	// Canceled on SIGINT (Ctrl+C) or SIGTERM (docker stop).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("FATAL: failed to initialize", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("Error during resource cleanup", "error", err)
		}
	}()

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ERPCallTimeout)
	if err := a.ERP.Ping(pingCtx); err != nil {
		// Webhooks are still accepted and recorded; the scheduler heals them once the ERP is back.
		logger.Warn("⚠️ ERP not reachable at startup, running degraded", "error", err)
	} else {
		logger.Info("ERP link established 🚀", "url", cfg.ERPURL)
	}
	cancel()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.WebhookSyncTimeout + 5*time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("🚀 HTTP server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("🔁 Reconciler started", "interval", cfg.SyncInterval, "lookback", cfg.ReconcileLookback)
		a.Reconciler.Run(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("👋 Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Service stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("✅ Booking sync service shut down successfully.")
}
