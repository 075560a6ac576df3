package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/claude-did-this/chip-audio-receiver/internal/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// telemetry bundles the trace and meter providers with their teardown. The
// metrics handler is nil when the prometheus exporter could not be built; the
// runtime then simply skips mounting /metrics.
type telemetry struct {
	metrics   http.Handler
	shutdowns []func(context.Context) error
}

// Shutdown flushes and stops every provider, joining their errors.
func (t *telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdowns {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func setupTelemetry(cfg config.Config, logger *slog.Logger) (*telemetry, error) {
	ctx := context.Background()
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			attribute.String("service.role", "audio-receiver"),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	tel := &telemetry{}

	tp, err := newTraceProvider(ctx, cfg.Telemetry, res, logger)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	tel.shutdowns = append(tel.shutdowns, tp.Shutdown)

	mp, handler := newMeterProvider(res, logger)
	otel.SetMeterProvider(mp)
	tel.metrics = handler
	tel.shutdowns = append(tel.shutdowns, mp.Shutdown)

	return tel, nil
}

// newTraceProvider exports spans over OTLP/gRPC when an endpoint is
// configured and falls back to pretty-printed stdout otherwise, which keeps
// packet-pipeline traces visible in development without a collector.
func newTraceProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	if endpoint == "" {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		logger.Info("telemetry initialized", slog.String("exporter", "stdout"))
		return sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		), nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if cfg.OTLPInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	logger.Info("telemetry initialized",
		slog.String("exporter", "otlp"), slog.String("endpoint", endpoint))
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

// newMeterProvider wires the prometheus pull exporter. A registration failure
// degrades to a reader-less provider so counters stay non-nil no-ops.
func newMeterProvider(res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	promExporter, err := prometheus.New()
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res)), nil
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
	)
	return mp, promhttp.Handler()
}
