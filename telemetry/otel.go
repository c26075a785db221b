// Package telemetry exports the cache's OpenTelemetry spans and logs over
// OTLP/HTTP.
package telemetry

import (
	"context"
	"net/url"
	"time"

	"github.com/agentuity/tiercache/logger"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

type ShutdownFunc func()

// New installs a global tracer provider that batches spans to the OTLP
// collector at otlpServerURL, and returns log stacked on a logger that
// ships every record to the same collector. Call the returned func to flush
// both on exit.
func New(ctx context.Context, log logger.Logger, otlpServerURL string, authToken string, serviceName string) (logger.Logger, ShutdownFunc, error) {
	otlpURL, err := url.Parse(otlpServerURL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error parsing otlpServerURL")
	}
	if otlpURL.Scheme != "http" && otlpURL.Scheme != "https" {
		return nil, nil, errors.Newf("otlp url %q must be http or https", otlpServerURL)
	}
	otlpURL.Path = "/v1/traces"
	traceURL := otlpURL.String()
	otlpURL.Path = "/v1/logs"
	logURL := otlpURL.String()
	insecure := otlpURL.Scheme == "http"

	res, err := resource.New(
		ctx,
		resource.WithFromEnv(), // OTEL_RESOURCE_ATTRIBUTES and OTEL_SERVICE_NAME
		resource.WithTelemetrySDK(),
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if errors.Is(err, resource.ErrPartialResource) || errors.Is(err, resource.ErrSchemaURLConflict) {
		log.Warn("partial telemetry resource: %s", err)
	} else if err != nil {
		return nil, nil, errors.Wrap(err, "error creating resource")
	}

	headers := make(map[string]string)
	if authToken != "" {
		headers["Authorization"] = "Bearer " + authToken
	}

	traceOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpointURL(traceURL),
		otlptracehttp.WithHeaders(headers),
		otlptracehttp.WithTimeout(time.Second * 10),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	}
	if insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	traceExporter, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error creating trace exporter")
	}

	logOpts := []otlploghttp.Option{
		otlploghttp.WithEndpointURL(logURL),
		otlploghttp.WithHeaders(headers),
		otlploghttp.WithTimeout(time.Second * 10),
		otlploghttp.WithCompression(otlploghttp.GzipCompression),
	}
	if insecure {
		logOpts = append(logOpts, otlploghttp.WithInsecure())
	}
	logExporter, err := otlploghttp.New(ctx, logOpts...)
	if err != nil {
		traceExporter.Shutdown(ctx)
		return nil, nil, errors.Wrap(err, "error creating log exporter")
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)
	logProvider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	)
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(tracerProvider)

	otelLogger := logger.NewOtelLogger(logProvider.Logger(serviceName), logger.LevelTrace)

	return otelLogger.Stack(log), func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := tracerProvider.Shutdown(ctx); err != nil {
			log.Warn("error flushing traces: %s", err)
		}
		if err := logProvider.Shutdown(ctx); err != nil {
			log.Warn("error flushing logs: %s", err)
		}
		otel.SetTracerProvider(previous)
	}, nil
}
