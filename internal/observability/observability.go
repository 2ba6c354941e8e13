// Package observability wires the process-wide logging pipeline.
//
// Console formats (text, json) log straight to stderr via slog. The otlp
// format bridges slog into the OpenTelemetry log SDK: records flow through a
// minimum-severity filter and a batch processor to an OTLP exporter (gRPC or
// HTTP per OTEL_EXPORTER_OTLP_PROTOCOL), falling back to a stdout OTLP
// exporter when no collector endpoint is configured.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
)

const serviceName = "receiptd"

// loggerProvider is set when the otlp pipeline is active so Shutdown can
// flush it.
var loggerProvider *sdklog.LoggerProvider

// Instrument installs the process-wide slog default for the given level and
// format (text, json, or otlp).
func Instrument(level slog.Level, format string) error {
	var handler slog.Handler

	switch format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	case "otlp":
		h, err := newOTLPHandler(level)
		if err != nil {
			return fmt.Errorf("building otlp log pipeline: %w", err)
		}
		handler = h
	default:
		return fmt.Errorf("unsupported log format: %q", format)
	}

	slog.SetDefault(slog.New(withTraceContext(handler)))

	// Internal otel errors (export failures etc.) go through slog too.
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		slog.Warn("opentelemetry error", "error", err)
	}))

	return nil
}

// Shutdown flushes the otlp pipeline, if one was installed.
func Shutdown(ctx context.Context) error {
	if loggerProvider == nil {
		return nil
	}
	return loggerProvider.Shutdown(ctx)
}

// newOTLPHandler builds the slog -> otel bridge with severity filtering.
func newOTLPHandler(level slog.Level) (slog.Handler, error) {
	ctx := context.Background()

	exporter, err := newLogExporter(ctx)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", serviceName)))
	if err != nil {
		return nil, fmt.Errorf("building resource: %w", err)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(minsev.NewLogProcessor(sdklog.NewBatchProcessor(exporter), minSeverity(level))),
	)
	loggerProvider = provider

	return otelslog.NewHandler(serviceName, otelslog.WithLoggerProvider(provider)), nil
}

// newLogExporter selects the OTLP exporter: gRPC or HTTP per
// OTEL_EXPORTER_OTLP_PROTOCOL when a collector endpoint is configured,
// otherwise a stdout exporter for local inspection.
func newLogExporter(ctx context.Context) (sdklog.Exporter, error) {
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" &&
		os.Getenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT") == "" {
		return stdoutlog.New()
	}

	switch os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL") {
	case "grpc":
		return otlploggrpc.New(ctx)
	default:
		return otlploghttp.New(ctx)
	}
}

// minSeverity maps an slog level onto the otel severity floor.
func minSeverity(level slog.Level) minsev.Severity {
	switch {
	case level <= slog.LevelDebug:
		return minsev.SeverityDebug
	case level <= slog.LevelInfo:
		return minsev.SeverityInfo
	case level <= slog.LevelWarn:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}
