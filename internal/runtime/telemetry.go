package runtime

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/mohammad-safakhou/arbiter/config"
)

// Telemetry owns the meter provider backing the control plane's counters.
// Decision and event metrics register against the global provider, so the
// provider must be installed before the first admission.
type Telemetry struct {
	mp       *sdkmetric.MeterProvider
	registry *prometheus.Registry
}

// SetupTelemetry installs a meter provider that exposes metrics through the
// returned Prometheus handler. When OTLP export is enabled the same metrics
// are also pushed to the collector.
func SetupTelemetry(ctx context.Context, cfg config.TelemetryConfig, serviceName string) (*Telemetry, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("resource init: %w", err)
	}

	registry := prometheus.NewRegistry()
	promExporter, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("prom exporter: %w", err)
	}

	readers := []sdkmetric.Option{
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
	}
	if cfg.Enabled {
		endpoint := cfg.OTLPEndpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		metricExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("otlp metric init: %w", err)
		}
		readers = append(readers, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(15*time.Second))))
	}

	mp := sdkmetric.NewMeterProvider(readers...)
	otel.SetMeterProvider(mp)

	return &Telemetry{mp: mp, registry: registry}, nil
}

// MetricsHandler serves the Prometheus scrape endpoint.
func (t *Telemetry) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.mp == nil {
		return nil
	}
	if err := t.mp.Shutdown(ctx); err != nil {
		return fmt.Errorf("metric shutdown: %w", err)
	}
	return nil
}
