package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

/*
TRACING

  handler / hub dispatch -> OpenTelemetry SDK -> Jaeger exporter -> collector -> UI

Every WebSocket connection gets a "WebSocket.Connect" span and every inbound
event a "collab.<event>" span; HTTP requests get a root span from the
tracing middleware.
*/

// ServiceName identifies this process in traces and metrics.
const ServiceName = "tracker-realtime"

func newResource(serviceName string) (*resource.Resource, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// InitJaeger installs a global tracer provider exporting to jaegerEndpoint.
// Root spans are sampled at sampleRatio; child spans follow their parent.
// The returned function flushes and stops the provider.
func InitJaeger(serviceName, jaegerEndpoint string, sampleRatio float64, logger *slog.Logger) (func(context.Context) error, error) {
	exp, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := newResource(serviceName)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	logger.Info("✓ Jaeger tracing initialized", "endpoint", jaegerEndpoint, "sample_ratio", sampleRatio)

	return tp.Shutdown, nil
}
