package pipeline

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics counts pipeline activity through the process meter provider.
type Metrics struct {
	utterances metric.Int64Counter
	sentences  metric.Int64Counter
	failures   metric.Int64Counter
}

func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("github.com/aloudlabs/aloud-core/speech")

	utterances, err := meter.Int64Counter("aloud_utterances_total",
		metric.WithDescription("Utterances by terminal status"))
	if err != nil {
		return nil, err
	}
	sentences, err := meter.Int64Counter("aloud_sentences_played_total",
		metric.WithDescription("Sentences played to completion"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("aloud_generation_failures_total",
		metric.WithDescription("Per-sentence generation failures"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		utterances: utterances,
		sentences:  sentences,
		failures:   failures,
	}, nil
}

func (m *Metrics) utterance(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) sentencePlayed(ctx context.Context) {
	if m == nil {
		return
	}
	m.sentences.Add(ctx, 1)
}

func (m *Metrics) generationFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.failures.Add(ctx, 1)
}
