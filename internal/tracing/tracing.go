// Package tracing sets up OpenTelemetry and provides span helpers for
// synchronization runs and their stages.
package tracing

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/hyperengineering/rowsync/internal/config"
)

// TracerName is the instrumentation name of rowsync spans.
const TracerName = "github.com/hyperengineering/rowsync"

// Exporter names accepted in configuration.
const (
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// Provider owns the SDK tracer provider. A disabled Provider is a no-op.
type Provider struct {
	provider *sdktrace.TracerProvider
}

// Setup installs a global tracer provider for cfg. out receives stdout exports and
// defaults to os.Stdout when nil.
func Setup(ctx context.Context, cfg config.TracingConfig, out io.Writer) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}

	exporter, err := newExporter(ctx, cfg, out)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetTracerProvider(tp)
	return &Provider{provider: tp}, nil
}

func newExporter(ctx context.Context, cfg config.TracingConfig, out io.Writer) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterStdout, "":
		opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
		if out != nil {
			opts = append(opts, stdouttrace.WithWriter(out))
		}
		return stdouttrace.New(opts...)
	case ExporterOTLP:
		opts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.Exporter)
	}
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	return p.provider.Shutdown(ctx)
}

// Tracer returns the rowsync tracer of the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// StartRun starts the root span of a synchronization run.
func StartRun(ctx context.Context, tracer trace.Tracer, scope, sessionID, syncType string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sync.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("sync.scope", scope),
			attribute.String("sync.session_id", sessionID),
			attribute.String("sync.type", syncType),
		),
	)
}

// StartStage starts a child span for one stage of a run.
func StartStage(ctx context.Context, tracer trace.Tracer, stage string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sync."+stage, trace.WithSpanKind(trace.SpanKindInternal))
}

// SetCounters records the run counters on span.
func SetCounters(span trace.Span, uploaded, downloaded, conflicts, errors int) {
	span.SetAttributes(
		attribute.Int("sync.uploaded", uploaded),
		attribute.Int("sync.downloaded", downloaded),
		attribute.Int("sync.conflicts", conflicts),
		attribute.Int("sync.errors", errors),
	)
}

// End closes span, recording err when it is not nil.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
