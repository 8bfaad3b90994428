// Package opentelemetry exports the gateway's traces
// and metrics over OTLP/HTTP.
package opentelemetry

import (
	"context"
	"errors"
	"os"
	"runtime"

	"github.com/cirruslabs/gha-cache-gateway/internal/version"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const defaultEndpoint = "http://localhost:4318"

// Init installs the global meter and tracer providers and returns
// a function that flushes and shuts them down.
func Init(ctx context.Context) (func(context.Context) error, error) {
	// Avoid logging errors when local OpenTelemetry Collector is not available, for example:
	// "failed to upload metrics: [...]: dial tcp 127.0.0.1:4318: connect: connection refused"
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		// do nothing
	}))

	// Work around https://github.com/open-telemetry/opentelemetry-go/issues/4834
	if _, ok := os.LookupEnv("OTEL_EXPORTER_OTLP_ENDPOINT"); !ok {
		if err := os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", defaultEndpoint); err != nil {
			return nil, err
		}
	}

	res, err := newResource(ctx)
	if err != nil {
		return nil, err
	}

	var shutdowns []func(context.Context) error

	shutdown := func(ctx context.Context) error {
		var errs []error

		for _, shutdown := range shutdowns {
			errs = append(errs, shutdown(ctx))
		}

		return errors.Join(errs...)
	}

	// Metrics
	metricExporter, err := otlpmetrichttp.New(ctx)
	if err != nil {
		return nil, err
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
	)
	shutdowns = append(shutdowns, meterProvider.Shutdown)
	otel.SetMeterProvider(meterProvider)

	// Traces
	traceExporter, err := otlptracehttp.New(ctx)
	if err != nil {
		_ = shutdown(ctx)

		return nil, err
	}
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)
	shutdowns = append(shutdowns, traceProvider.Shutdown)
	otel.SetTracerProvider(traceProvider)

	// Continue the traces of the incoming requests
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return shutdown, nil
}

func newResource(ctx context.Context) (*resource.Resource, error) {
	customResource, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithOSType(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.HostArchKey.String(runtime.GOARCH),
			semconv.ServiceName("gha-cache-gateway"),
			semconv.ServiceVersion(version.FullVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	return resource.Merge(resource.Default(), customResource)
}
