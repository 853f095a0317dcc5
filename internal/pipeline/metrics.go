package pipeline

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type pipelineMetrics struct {
	requests metric.Int64Counter
	rejected metric.Int64Counter
	entries  metric.Int64Counter
	outcomes metric.Int64Counter
	duration metric.Float64Histogram
}

func newPipelineMetrics() pipelineMetrics {
	meter := otel.Meter("github.com/chatico/mapper/internal/pipeline")
	requests, _ := meter.Int64Counter("mapper.webhook.requests")
	rejected, _ := meter.Int64Counter("mapper.webhook.rejected")
	entries, _ := meter.Int64Counter("mapper.webhook.entries")
	outcomes, _ := meter.Int64Counter("mapper.entry.outcomes")
	duration, _ := meter.Float64Histogram("mapper.entry.duration_ms")
	return pipelineMetrics{
		requests: requests,
		rejected: rejected,
		entries:  entries,
		outcomes: outcomes,
		duration: duration,
	}
}

func (m pipelineMetrics) recordRequest(ctx context.Context) {
	m.requests.Add(ctx, 1)
}

func (m pipelineMetrics) recordRejected(ctx context.Context, reason string) {
	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m pipelineMetrics) recordEntries(ctx context.Context, accepted, skipped int) {
	m.entries.Add(ctx, int64(accepted), metric.WithAttributes(attribute.String("kind", "accepted")))
	if skipped > 0 {
		m.entries.Add(ctx, int64(skipped), metric.WithAttributes(attribute.String("kind", "skipped")))
	}
}

func (m pipelineMetrics) recordOutcome(ctx context.Context, outcome string, durationMS float64) {
	m.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.duration.Record(ctx, durationMS, metric.WithAttributes(attribute.String("outcome", outcome)))
}
