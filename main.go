package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ryanlecours/loam-logger-sub002/internal/app"
	"github.com/ryanlecours/loam-logger-sub002/internal/config"
	"github.com/ryanlecours/loam-logger-sub002/internal/handlers"
	"github.com/ryanlecours/loam-logger-sub002/internal/metrics"
	"github.com/ryanlecours/loam-logger-sub002/internal/middleware"
	"github.com/ryanlecours/loam-logger-sub002/internal/oauth"
	"github.com/ryanlecours/loam-logger-sub002/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := app.SetupLogger(cfg)

	logger.Info("Starting loam-logger sync server",
		"host", cfg.Host,
		"port", cfg.Port,
		"database", cfg.DatabasePath,
		"queue_backend", cfg.QueueBackend,
		"refresh_mode", cfg.RefreshMode,
		"log_level", cfg.LogLevel,
		"providers", cfg.ConfiguredProviders())

	a, err := app.New(cfg)
	if err != nil {
		logger.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	logger.Info("Database opened successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.Start(ctx)

	// OAuth connect flow
	oauthManager := oauth.NewManager(cfg, a.DB, a.Vault, a.Registry, a.Queue, a.HTTPClient)
	oauthManager.Start(ctx)
	defer oauthManager.Stop()

	// Create handlers
	webhookHandler, err := handlers.NewWebhookHandler(a.DB, a.Queue, cfg)
	if err != nil {
		logger.Error("Failed to create webhook handler", "error", err)
		os.Exit(1)
	}
	oauthHandler := handlers.NewOAuthHandler(oauthManager)
	backfillHandler := handlers.NewBackfillHandler(a.Orchestrator, a.Queue, cfg)
	healthHandler := handlers.NewHealthHandler(a.DB)

	// Set up HTTP routes
	mux := http.NewServeMux()

	// OAuth endpoints
	mux.Handle("/oauth/start", middleware.WrapHandler(metrics.EndpointOAuthStart, oauthHandler.HandleAuthStart))
	mux.Handle(oauth.CallbackPath, middleware.WrapHandler(metrics.EndpointOAuthCallback, oauthHandler.HandleCallback))

	// Webhook endpoints
	mux.Handle("/webhooks/garmin/activities", middleware.WrapHandler(metrics.EndpointGarminActivity, webhookHandler.HandleGarminActivities))
	mux.Handle("/webhooks/garmin/deregistrations", middleware.WrapHandler(metrics.EndpointGarminDereg, webhookHandler.HandleGarminDeregistrations))
	mux.Handle("/webhooks/garmin/permissions", middleware.WrapHandler(metrics.EndpointGarminPerms, webhookHandler.HandleGarminPermissions))
	mux.Handle("/webhooks/whoop", middleware.WrapHandler(metrics.EndpointWhoopWebhook, webhookHandler.HandleWhoop))
	mux.Handle("/webhooks/strava", middleware.WrapHandler(metrics.EndpointStravaWebhook, webhookHandler.HandleStrava))

	// Internal API
	mux.Handle("/internal/backfill", middleware.WrapHandler(metrics.EndpointBackfillTrigger, backfillHandler.HandleTrigger))
	mux.Handle("/internal/imports/status", middleware.WrapHandler(metrics.EndpointImportStatus, backfillHandler.HandleStatus))

	// Health check endpoint
	mux.Handle("/health", middleware.WrapHandler(metrics.EndpointHealth, healthHandler.ServeHTTP))

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
		// Providers expect webhook answers well inside 30s; synchronous
		// backfill triggers get the longer write timeout
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	// Start worker in background
	workerInstance := worker.NewWorker(a.DB, a.Pipeline, a.Orchestrator, a.Vault, a.Tracker, a.Registry, cfg)
	workerDone := make(chan struct{})

	go func() {
		defer close(workerDone)
		var err error
		if cfg.QueueBackend == "asynq" {
			err = workerInstance.StartAsynq(ctx)
		} else {
			err = workerInstance.Start(ctx)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Worker failed", "error", err)
		}
	}()

	// Breaker state is shared across processes; queue depth only exists in
	// the SQLite backend.
	if cfg.MetricsEnabled {
		collector := metrics.NewCollector(a.DB, a.Registry.Names(), cfg.QueueBackend == "sqlite", 15*time.Second)
		go func() {
			logger.Info("Starting metrics collector")
			collector.Run(ctx)
		}()
	}

	// Start metrics server if enabled
	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())

		metricsAddr := fmt.Sprintf("%s:%d", cfg.MetricsHost, cfg.MetricsPort)
		metricsServer = &http.Server{
			Addr:    metricsAddr,
			Handler: metricsMux,
		}

		go func() {
			logger.Info("Metrics server listening", "addr", metricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	// Start HTTP server in background
	go func() {
		logger.Info("HTTP server listening", "addr", addr, "public_url", cfg.PublicURL)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")

	// Shutdown HTTP servers with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown failed", "error", err)
		}
	}

	// Stop worker after the server so accepted webhooks are already queued
	cancel()
	<-workerDone

	logger.Info("Server stopped")
}
