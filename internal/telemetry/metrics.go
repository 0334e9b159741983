package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics installs a global meter provider pushing to an OTLP/gRPC
// collector at endpoint (host:port) and returns a meter for this service.
// An empty endpoint yields a no-op meter and a no-op shutdown.
func InitMetrics(ctx context.Context, serviceName, endpoint string, logger *slog.Logger) (metric.Meter, func(context.Context) error, error) {
	if endpoint == "" {
		logger.Info("metrics export disabled")
		return noop.NewMeterProvider().Meter(serviceName), func(context.Context) error { return nil }, nil
	}

	exp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	res, err := newResource(serviceName)
	if err != nil {
		return nil, nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logger.Info("✓ OTLP metrics initialized", "endpoint", endpoint)

	return mp.Meter(serviceName), mp.Shutdown, nil
}
