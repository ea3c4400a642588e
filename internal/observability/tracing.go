package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"taskplane/internal/shared/config"
	id "taskplane/internal/shared/utils/id"
)

const instrumentationName = "taskplane"

// TracerProvider wraps the OpenTelemetry tracer used across the engine.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NoopTracer returns a provider whose spans are discarded.
func NoopTracer() *TracerProvider {
	return &TracerProvider{tracer: noop.NewTracerProvider().Tracer(instrumentationName)}
}

// NewTracerProvider creates a tracer provider from configuration. Disabled
// tracing or the "none" exporter yields a noop provider.
func NewTracerProvider(cfg config.TracingConfig, version string) (*TracerProvider, error) {
	if !cfg.Enabled || cfg.Exporter == "none" {
		return NoopTracer(), nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = instrumentationName
	}
	if cfg.SampleRate <= 0 || cfg.SampleRate > 1.0 {
		cfg.SampleRate = 1.0
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "", "otlp":
		endpoint := cfg.OTLPEndpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		exporter, err = otlptracehttp.New(
			context.Background(),
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "zipkin":
		endpoint := cfg.ZipkinEndpoint
		if endpoint == "" {
			endpoint = "http://localhost:9411/api/v2/spans"
		}
		exporter, err = zipkin.New(endpoint)
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
	)
	otel.SetTracerProvider(provider)

	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer(instrumentationName),
	}, nil
}

// NewTracerProviderFromSDK wraps an existing SDK provider (used by tests with
// an in-memory span recorder).
func NewTracerProviderFromSDK(provider *sdktrace.TracerProvider) *TracerProvider {
	return &TracerProvider{provider: provider, tracer: provider.Tracer(instrumentationName)}
}

// Shutdown flushes and stops the exporter.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil || tp.provider == nil {
		return nil
	}
	return tp.provider.Shutdown(ctx)
}

// StartSpan starts a span carrying the task, session and invocation ids found
// on ctx. A nil provider returns a non-recording span.
func (tp *TracerProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tp == nil || tp.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	ids := id.IDsFromContext(ctx)
	if ids.TaskID != "" {
		attrs = append(attrs, attribute.String(AttrTaskID, ids.TaskID))
	}
	if ids.SessionID != "" {
		attrs = append(attrs, attribute.String(AttrSessionID, ids.SessionID))
	}
	if ids.InvocationID != "" {
		attrs = append(attrs, attribute.String(AttrInvocationID, ids.InvocationID))
	}
	return tp.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records the outcome status and ends the span.
func EndSpan(span trace.Span, status string, err error) {
	if status != "" {
		span.SetAttributes(attribute.String(AttrStatus, status))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Span names.
const (
	SpanTaskRun    = "taskplane.task.run"
	SpanStepRun    = "taskplane.step.run"
	SpanToolInvoke = "taskplane.tool.invoke"
	SpanReplan     = "taskplane.recovery.replan"
)

// Attribute keys.
const (
	AttrTaskID       = "taskplane.task_id"
	AttrSessionID    = "taskplane.session_id"
	AttrInvocationID = "taskplane.invocation_id"
	AttrStepID       = "taskplane.step_id"
	AttrToolID       = "taskplane.tool_id"
	AttrFailureType  = "taskplane.failure_type"
	AttrAction       = "taskplane.recovery_action"
	AttrStatus       = "taskplane.status"
)

// ToolAttrs creates tool attributes.
func ToolAttrs(stepID, toolID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrStepID, stepID),
		attribute.String(AttrToolID, toolID),
	}
}
