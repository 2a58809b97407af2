// Package main is the entry point of the mlx coordinator: the daemon that
// owns the job queue, places jobs on nodes, dispatches them and serves the
// control API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"mlx/internal/config"
	"mlx/internal/controlapi"
	"mlx/internal/coordinator"
	"mlx/internal/logger"
	"mlx/internal/observability"
	"mlx/internal/remote"
	"mlx/internal/store/postgres"
)

func main() {
	log := logger.New(slog.LevelInfo)

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	shutdownTracer, err := observability.InitTracer(ctx, "mlx-coordinator", cfg.OTELEndpoint)
	if err != nil {
		log.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Error("failed to shutdown tracer", "error", err)
		}
	}()

	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Error("failed to init metrics", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Error("failed to shutdown metrics", "error", err)
		}
	}()

	// Queue depth is sampled only when scraped.
	meter := otel.Meter("mlx-coordinator")
	_, err = meter.Int64ObservableGauge("mlx_queue_depth",
		metric.WithDescription("Jobs currently in the dispatch queue"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			depth, err := st.Depth(ctx)
			if err != nil {
				log.Error("failed to read queue depth", "error", err)
				return nil
			}
			obs.Observe(depth)
			return nil
		}),
	)
	if err != nil {
		log.Error("failed to register queue depth gauge", "error", err)
	}

	dispatchMetrics, err := observability.NewDispatchMetrics()
	if err != nil {
		log.Error("failed to register dispatch metrics", "error", err)
		os.Exit(1)
	}

	conn := remote.NewConnector(remote.Config{})

	coord := coordinator.New(st, conn, cfg, log, coordinator.NewMetrics(dispatchMetrics))

	srv := controlapi.New(fmt.Sprintf(":%d", cfg.HTTPPort), coord, st, log, controlapi.Options{
		APIToken:          cfg.APIToken,
		MetricsHandler:    metricsHandler,
		RequestsPerSecond: cfg.APIRequestsPerSecond,
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := coord.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("coordinator stopped", "error", err)
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("control api stopped", "error", err)
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		log.Info("shutting down")
	case <-ctx.Done():
	}
	cancel()
	wg.Wait()
	log.Info("coordinator exited")
}
