package arbiter

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/mohammad-safakhou/arbiter/internal/decision"
)

var (
	arbiterMetricsOnce sync.Once
	decisionsTotal     otelmetric.Int64Counter
)

func initArbiterMetrics() {
	meter := otel.Meter("arbiter/arbiter")
	var err error
	decisionsTotal, err = meter.Int64Counter(
		"decisions_total",
		otelmetric.WithDescription("Admission decisions by status and reason"),
	)
	if err != nil {
		log.Printf("arbiter metrics init: decisions_total: %v", err)
	}
}

func recordDecisionMetrics(ctx context.Context, d decision.Decision) {
	arbiterMetricsOnce.Do(initArbiterMetrics)
	if decisionsTotal == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	decisionsTotal.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("status", string(d.Status)),
		attribute.String("reason", string(d.Reason)),
	))
}
