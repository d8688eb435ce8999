package tracing

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"derpme/internal/config"
)

const instrumentationName = "derpme"

// TracingService manages OpenTelemetry tracing
type TracingService struct {
	config   config.TracingConfig
	tracer   oteltrace.Tracer
	provider *trace.TracerProvider
}

// NewTracingService creates a new tracing service. A disabled configuration
// yields a service backed by the global no-op tracer.
func NewTracingService(cfg config.TracingConfig) (*TracingService, error) {
	return newTracingService(cfg, os.Stdout)
}

func newTracingService(cfg config.TracingConfig, console io.Writer) (*TracingService, error) {
	if !cfg.Enabled {
		return &TracingService{
			config: cfg,
			tracer: otel.Tracer(instrumentationName),
		}, nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter trace.SpanExporter
	switch cfg.ExporterType {
	case "otlp":
		exporter, err = otlptrace.New(context.Background(), otlpClient(cfg))
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
	case "console":
		exporter = NewConsoleExporter(console)
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.ExporterType)
	}

	samplingRatio := cfg.SamplingRatio
	if samplingRatio <= 0 {
		samplingRatio = 1.0
	}

	tp := trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithBatcher(exporter),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(samplingRatio))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracingService{
		config:   cfg,
		tracer:   tp.Tracer(instrumentationName),
		provider: tp,
	}, nil
}

// otlpClient accepts either a bare host:port, sent over plain HTTP, or a
// full URL.
func otlpClient(cfg config.TracingConfig) otlptrace.Client {
	opts := []otlptracehttp.Option{otlptracehttp.WithHeaders(cfg.OTLPHeaders)}
	if strings.Contains(cfg.OTLPEndpoint, "://") {
		opts = append(opts, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint), otlptracehttp.WithInsecure())
	}
	return otlptracehttp.NewClient(opts...)
}

// StartSpan starts a new span
func (ts *TracingService) StartSpan(ctx context.Context, name string, opts ...oteltrace.SpanStartOption) (context.Context, oteltrace.Span) {
	return ts.tracer.Start(ctx, name, opts...)
}

// RecordError records an error in the current span
func (ts *TracingService) RecordError(span oteltrace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Close flushes pending spans and shuts the provider down.
func (ts *TracingService) Close(ctx context.Context) error {
	if ts.provider != nil {
		return ts.provider.Shutdown(ctx)
	}
	return nil
}

func (ts *TracingService) Enabled() bool {
	return ts.provider != nil
}

// InstrumentOperation creates the span of one service operation.
func (ts *TracingService) InstrumentOperation(ctx context.Context, operation string) (context.Context, oteltrace.Span) {
	return ts.StartSpan(ctx, "derpme."+operation,
		oteltrace.WithSpanKind(oteltrace.SpanKindServer),
		oteltrace.WithAttributes(
			attribute.String("derpme.operation", operation),
			attribute.String("component", "engine"),
		),
	)
}

// InstrumentStorageOperation creates a span for storage operations
func (ts *TracingService) InstrumentStorageOperation(ctx context.Context, operation, tier string) (context.Context, oteltrace.Span) {
	return ts.StartSpan(ctx, fmt.Sprintf("storage.%s", operation),
		oteltrace.WithAttributes(
			attribute.String("storage.operation", operation),
			attribute.String("storage.tier", tier),
			attribute.String("component", "storage"),
		),
	)
}

// InstrumentRPCRequest creates a span for a request received by a transport.
func (ts *TracingService) InstrumentRPCRequest(ctx context.Context, system, method string) (context.Context, oteltrace.Span) {
	return ts.StartSpan(ctx, fmt.Sprintf("%s %s", system, method),
		oteltrace.WithSpanKind(oteltrace.SpanKindServer),
		oteltrace.WithAttributes(
			attribute.String("rpc.system", system),
			attribute.String("rpc.method", method),
			attribute.String("component", "rpc"),
		),
	)
}

// NoopService returns a disabled tracing service.
func NoopService() *TracingService {
	return &TracingService{tracer: otel.Tracer(instrumentationName)}
}
