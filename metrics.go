package ability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsMeterName is the meter used for check instruments.
const MetricsMeterName = "github.com/oarkflow/ability"

type checkMetrics struct {
	checks   metric.Int64Counter
	duration metric.Float64Histogram
}

// newCheckMetrics returns nil (no-op) for a nil provider.
func newCheckMetrics(provider metric.MeterProvider) (*checkMetrics, error) {
	if provider == nil {
		return nil, nil
	}
	meter := provider.Meter(MetricsMeterName)

	checks, err := meter.Int64Counter(
		"ability_checks_total",
		metric.WithDescription("Authorization checks by mode and outcome"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram(
		"ability_check_duration_seconds",
		metric.WithDescription("Duration of authorization checks including store lookups"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5),
	)
	if err != nil {
		return nil, err
	}
	return &checkMetrics{checks: checks, duration: duration}, nil
}

func (m *checkMetrics) record(ctx context.Context, mode Mode, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	// the caller's context may already be done; metrics must still land
	ctx = context.WithoutCancel(ctx)
	m.checks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", string(mode)),
		attribute.String("outcome", outcome),
	))
	m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("mode", string(mode))))
}
