package gateway

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/cirruslabs/gha-cache-gateway/internal/gateway"

var tracer = otel.Tracer(instrumentationName)

type telemetry struct {
	requests      metric.Int64Counter
	uploadedBytes metric.Int64Counter
}

func newTelemetry() *telemetry {
	meter := otel.Meter(instrumentationName)

	requests, err := meter.Int64Counter("gha_cache_gateway.requests",
		metric.WithDescription("Number of handled requests by operation and outcome"))
	if err != nil {
		slog.Warn("Failed to create the requests counter", "err", err)
	}

	uploadedBytes, err := meter.Int64Counter("gha_cache_gateway.uploaded_bytes",
		metric.WithDescription("Number of bytes streamed to the blob storage"),
		metric.WithUnit("By"))
	if err != nil {
		slog.Warn("Failed to create the uploaded bytes counter", "err", err)
	}

	return &telemetry{
		requests:      requests,
		uploadedBytes: uploadedBytes,
	}
}

func (telemetry *telemetry) request(ctx context.Context, operation string, outcome string) {
	if telemetry.requests == nil {
		return
	}

	telemetry.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}

func (telemetry *telemetry) uploaded(ctx context.Context, operation string, n int64) {
	if telemetry.uploadedBytes == nil || n <= 0 {
		return
	}

	telemetry.uploadedBytes.Add(ctx, n, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
