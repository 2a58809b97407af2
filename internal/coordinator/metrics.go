package coordinator

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"mlx/internal/job"
	"mlx/internal/observability"
)

// otelMetrics records dispatch instruments on the OpenTelemetry meter.
type otelMetrics struct {
	m *observability.DispatchMetrics
}

// NewMetrics adapts the registered dispatch instruments to the
// coordinator's Metrics interface.
func NewMetrics(m *observability.DispatchMetrics) Metrics {
	return &otelMetrics{m: m}
}

func (o *otelMetrics) RecordClaim(ctx context.Context) {
	o.m.ClaimsTotal.Add(ctx, 1)
}

func (o *otelMetrics) RecordRetry(ctx context.Context) {
	o.m.RetriesTotal.Add(ctx, 1)
}

func (o *otelMetrics) RecordTerminal(ctx context.Context, state job.State) {
	o.m.TerminalTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", string(state)),
	))
}

func (o *otelMetrics) RecordDispatch(ctx context.Context, seconds float64) {
	o.m.DispatchSecs.Record(ctx, seconds)
}

type noopMetrics struct{}

func (noopMetrics) RecordClaim(context.Context)               {}
func (noopMetrics) RecordRetry(context.Context)               {}
func (noopMetrics) RecordTerminal(context.Context, job.State) {}
func (noopMetrics) RecordDispatch(context.Context, float64)   {}
