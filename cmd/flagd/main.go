// Package main provides the entry point for the flagd service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/devrev/flagsync/internal/config"
	"github.com/devrev/flagsync/internal/logging"
	"github.com/devrev/flagsync/internal/metrics"
	"github.com/devrev/flagsync/internal/server"
	"github.com/devrev/flagsync/internal/store"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)
	defer logger.Sync()

	logger.Info("starting flagd",
		zap.String("role", cfg.Server.Role),
		zap.Int("server_port", cfg.Server.Port),
		zap.String("store_backend", cfg.Store.Backend),
	)

	// The gateway role keeps no records.
	var st store.Store
	if cfg.Server.Role != config.RoleGateway {
		st, err = store.New(cfg.Store, logger)
		if err != nil {
			logger.Fatal("failed to open store", zap.Error(err))
		}
		defer st.Close()
		logger.Info("store initialized", zap.String("backend", cfg.Store.Backend))
	}

	// Initialize metrics
	m := metrics.NewMetrics()

	// Start metrics server if enabled
	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, logger)
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	// Initialize HTTP server
	httpServer, err := server.NewServer(cfg, st, m, logger)
	if err != nil {
		logger.Fatal("failed to create server", zap.Error(err))
	}
	httpServer.SetupRoutes()

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errChan <- err
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errChan:
		logger.Error("server error", zap.Error(err))
	}

	// Graceful shutdown
	logger.Info("initiating graceful shutdown")
	m.SetHealthStatus(false)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown HTTP server", zap.Error(err))
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown metrics server", zap.Error(err))
		}
	}

	logger.Info("flagd shutdown complete")
}
