// Package observability provides OpenTelemetry instrumentation for tracing and metrics.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// DispatchMetrics are the coordinator's dispatch-loop instruments.
type DispatchMetrics struct {
	ClaimsTotal   metric.Int64Counter
	RetriesTotal  metric.Int64Counter
	TerminalTotal metric.Int64Counter
	DispatchSecs  metric.Float64Histogram
}

// InitMetrics initializes the OpenTelemetry metrics provider with a
// Prometheus exporter. It returns the HTTP handler for the /metrics
// endpoint and a shutdown function to call on exit.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// NewDispatchMetrics registers the dispatch instruments on the global meter.
func NewDispatchMetrics() (*DispatchMetrics, error) {
	meter := otel.Meter("mlx-coordinator")

	claims, err := meter.Int64Counter("mlx_dispatch_claims_total",
		metric.WithDescription("Queue entries claimed by dispatch workers"))
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter("mlx_dispatch_retries_total",
		metric.WithDescription("Attempts re-enqueued after a transient failure"))
	if err != nil {
		return nil, err
	}
	terminal, err := meter.Int64Counter("mlx_jobs_terminal_total",
		metric.WithDescription("Jobs reaching a terminal state, by state"))
	if err != nil {
		return nil, err
	}
	seconds, err := meter.Float64Histogram("mlx_dispatch_duration_seconds",
		metric.WithDescription("Wall time from claim to running"))
	if err != nil {
		return nil, err
	}

	return &DispatchMetrics{
		ClaimsTotal:   claims,
		RetriesTotal:  retries,
		TerminalTotal: terminal,
		DispatchSecs:  seconds,
	}, nil
}
