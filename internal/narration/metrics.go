package narration

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	sessions metric.Int64Counter
	chunks   metric.Int64Counter
	latency  metric.Float64Histogram
}

func newMetrics(meter metric.Meter, registry *Registry) (*metrics, error) {
	sessions, err := meter.Int64Counter("narration.sessions", metric.WithDescription("Narration runs by outcome"))
	if err != nil {
		return nil, err
	}
	chunks, err := meter.Int64Counter("narration.chunks", metric.WithDescription("Audio chunks synthesised"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("narration.chunk.latency",
		metric.WithDescription("Time to synthesise one chunk"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	active, err := meter.Int64ObservableGauge("narration.sessions.active", metric.WithDescription("Sessions currently registered"))
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(active, int64(registry.Len()))
		return nil
	}, active)
	if err != nil {
		return nil, err
	}
	return &metrics{sessions: sessions, chunks: chunks, latency: latency}, nil
}

func (m *metrics) recordSession(ctx context.Context, state State) {
	if m == nil {
		return
	}
	m.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", state.String())))
}

func (m *metrics) recordRejected(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "rejected")))
}

func (m *metrics) recordChunk(ctx context.Context, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.chunks.Add(ctx, 1)
	m.latency.Record(ctx, elapsed.Seconds())
}
