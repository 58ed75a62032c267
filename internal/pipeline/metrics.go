package pipeline

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	utterances  metric.Int64Counter
	tokens      metric.Int64Counter
	generations metric.Int64Counter
	rejected    metric.Int64Counter
	latency     metric.Float64Histogram
}

func newMetrics(log *slog.Logger) *metrics {
	meter := otel.Meter("github.com/loqalabs/loqa-voicechat/pipeline")
	m := &metrics{}
	var err error
	if m.utterances, err = meter.Int64Counter("voicechat.pipeline.utterances", metric.WithDescription("Utterances ended by an endpoint")); err != nil {
		log.Warn("failed to create utterance counter", slogError(err))
	}
	if m.tokens, err = meter.Int64Counter("voicechat.pipeline.tokens", metric.WithDescription("Generated tokens delivered to the pipeline")); err != nil {
		log.Warn("failed to create token counter", slogError(err))
	}
	if m.generations, err = meter.Int64Counter("voicechat.pipeline.generations", metric.WithDescription("Finished generations by outcome")); err != nil {
		log.Warn("failed to create generation counter", slogError(err))
	}
	if m.rejected, err = meter.Int64Counter("voicechat.pipeline.rejected", metric.WithDescription("Commands rejected by the single-flight rules")); err != nil {
		log.Warn("failed to create rejection counter", slogError(err))
	}
	if m.latency, err = meter.Float64Histogram("voicechat.pipeline.generation.duration", metric.WithDescription("Generation wall time"), metric.WithUnit("s")); err != nil {
		log.Warn("failed to create latency histogram", slogError(err))
	}
	return m
}

func (m *metrics) utterance(ctx context.Context) {
	if m.utterances != nil {
		m.utterances.Add(ctx, 1)
	}
}

func (m *metrics) token(ctx context.Context) {
	if m.tokens != nil {
		m.tokens.Add(ctx, 1)
	}
}

func (m *metrics) generation(ctx context.Context, outcome string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if m.generations != nil {
		m.generations.Add(ctx, 1, attrs)
	}
	if m.latency != nil {
		m.latency.Record(ctx, seconds, attrs)
	}
}

func (m *metrics) reject(ctx context.Context, command, reason string) {
	if m.rejected != nil {
		m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("command", command), attribute.String("reason", reason)))
	}
}
