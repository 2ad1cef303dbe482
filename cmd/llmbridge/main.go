// Package main is the entry point for the llmbridge gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/howard-nolan/llmbridge/internal/catalog"
	"github.com/howard-nolan/llmbridge/internal/completion"
	"github.com/howard-nolan/llmbridge/internal/config"
	"github.com/howard-nolan/llmbridge/internal/logging"
	"github.com/howard-nolan/llmbridge/internal/metrics"
	"github.com/howard-nolan/llmbridge/internal/registry"
	"github.com/howard-nolan/llmbridge/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "llmbridge: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// signal.NotifyContext cancels ctx on Ctrl-C or SIGTERM, which is what
	// starts the graceful shutdown at the bottom of this function.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- 1. Config and logging ---
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.New(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	// --- 2. Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec, err := metrics.NewRecorder(reg)
	if err != nil {
		return fmt.Errorf("initialise metrics: %w", err)
	}

	// --- 3. Adapter registry ---
	// Adapters are built lazily, so a missing key only fails the requests
	// that name that provider.
	regOpts := []registry.Option{
		registry.WithLogger(logger),
		registry.WithRetryObserver(rec),
	}
	if cfg.Catalog.RedisURL != "" {
		store, err := catalog.NewRedisStore(ctx, cfg.Catalog.RedisURL, cfg.Catalog.Prefix, cfg.Catalog.TTL)
		if err != nil {
			return fmt.Errorf("initialise model catalog: %w", err)
		}
		defer store.Close()
		regOpts = append(regOpts, registry.WithCatalog(store))
	}
	adapters := registry.New(cfg, regOpts...)

	available := adapters.ListAvailableProviders()
	if len(available) == 0 {
		logger.Warn("no provider has an API key configured; every completion will fail")
	}

	// --- 4. Service and HTTP server ---
	svc := completion.NewService(adapters, completion.DefaultsFromConfig(cfg.Defaults),
		completion.WithRecorder(rec),
		completion.WithLogger(logger),
	)
	srv := server.New(svc, server.WithLogger(logger), server.WithMetrics(rec.Handler()))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("llmbridge listening", "port", cfg.Server.Port, "providers", available)
		serveErr <- httpServer.ListenAndServe()
	}()

	// --- 5. Graceful shutdown ---
	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received, draining connections", "timeout", cfg.Server.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
