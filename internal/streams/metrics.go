package streams

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	streamMetricsOnce sync.Once
	publishedEvents   otelmetric.Int64Counter
)

func initStreamMetrics() {
	meter := otel.Meter("arbiter/streams")
	var err error
	publishedEvents, err = meter.Int64Counter(
		"events_published_total",
		otelmetric.WithDescription("Envelopes appended to Redis streams"),
	)
	if err != nil {
		log.Printf("streams metrics init: events_published_total: %v", err)
	}
}

func recordPublishMetrics(ctx context.Context, stream, eventType string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if publishedEvents == nil {
		return
	}
	publishedEvents.Add(contextOrBackground(ctx), 1, otelmetric.WithAttributes(
		attribute.String("stream", stream),
		attribute.String("event_type", eventType),
	))
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
